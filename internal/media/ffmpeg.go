package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lichon/screen-share-cli/internal/config"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusSampleRate = 48000
	videoBitrate   = "2M"
)

// FFmpeg captures the screen, a camera and audio by running ffmpeg and
// reading VP8 (IVF) and Opus (Ogg) from its stdout.
type FFmpeg struct {
	Path         string
	Display      string
	CameraDevice string
	AudioDevice  string
	GOOS         string

	logger *slog.Logger
}

// NewFFmpeg creates a capturer from the capture backend settings of cfg.
func NewFFmpeg(cfg *config.Config) *FFmpeg {
	return &FFmpeg{
		Path:         cfg.FFmpegPath,
		Display:      cfg.Display,
		CameraDevice: cfg.CameraDevice,
		AudioDevice:  cfg.AudioDevice,
		GOOS:         runtime.GOOS,
		logger:       slog.Default().With("component", "media"),
	}
}

// Capture starts one ffmpeg process per requested kind. Nothing is started
// when neither audio nor video is requested.
func (f *FFmpeg) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	streamID := uuid.NewString()
	if !c.Audio && !c.Video {
		return NewStream(streamID, nil, nil), nil
	}

	path, err := exec.LookPath(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}

	var tracks []pion.TrackLocal
	if c.Video {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", streamID)
		if err != nil {
			stop()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		if err := f.run(ctx, &wg, path, f.videoArgs(c), func(r io.Reader) error {
			return pumpIVF(r, track, c.FPS)
		}); err != nil {
			stop()
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if c.Audio {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			stop()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		if err := f.run(ctx, &wg, path, f.audioArgs(), func(r io.Reader) error {
			return pumpOgg(r, track)
		}); err != nil {
			stop()
			return nil, err
		}
		tracks = append(tracks, track)
	}

	f.logger.Info("capture started", "stream", streamID, "tracks", len(tracks))
	return NewStream(streamID, tracks, stop), nil
}

// run starts ffmpeg with args and feeds its stdout to pump until either
// side ends.
func (f *FFmpeg) run(ctx context.Context, wg *sync.WaitGroup, path string, args []string, pump func(io.Reader) error) error {
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	f.logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", args)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pump(stdout); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
			f.logger.Warn("capture pump stopped", "error", err)
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			f.logger.Warn("ffmpeg exited", "error", err)
		}
	}()
	return nil
}

func (f *FFmpeg) videoArgs(c Constraints) []string {
	fps := c.FPS
	if fps <= 0 {
		fps = config.DefaultFPS
	}
	rate := strconv.Itoa(fps)

	args := []string{"-hide_banner", "-loglevel", "error"}
	if c.Camera {
		args = append(args, f.cameraInput(rate, c)...)
	} else {
		args = append(args, f.screenInput(rate)...)
		if scale := scaleFilter(c.Width, c.Height); scale != "" {
			args = append(args, "-vf", scale)
		}
	}

	return append(args,
		"-an",
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-b:v", videoBitrate,
		"-g", rate,
		"-f", "ivf", "pipe:1",
	)
}

func (f *FFmpeg) screenInput(rate string) []string {
	switch f.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-capture_cursor", "1", "-framerate", rate, "-i", "1:none"}
	case "windows":
		return []string{"-f", "gdigrab", "-framerate", rate, "-i", "desktop"}
	default:
		display := f.Display
		if display == "" {
			display = ":0"
		}
		return []string{"-f", "x11grab", "-framerate", rate, "-i", display}
	}
}

func (f *FFmpeg) cameraInput(rate string, c Constraints) []string {
	var size []string
	if c.Width > 0 && c.Height > 0 {
		size = []string{"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height)}
	}

	var args []string
	switch f.GOOS {
	case "darwin":
		args = []string{"-f", "avfoundation", "-framerate", rate}
		args = append(args, size...)
		return append(args, "-i", orDefault(f.CameraDevice, "0")+":none")
	case "windows":
		args = []string{"-f", "dshow", "-framerate", rate}
		args = append(args, size...)
		return append(args, "-i", "video="+orDefault(f.CameraDevice, "Integrated Camera"))
	default:
		args = []string{"-f", "v4l2", "-framerate", rate}
		args = append(args, size...)
		return append(args, "-i", orDefault(f.CameraDevice, "/dev/video0"))
	}
}

func (f *FFmpeg) audioArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch f.GOOS {
	case "darwin":
		args = append(args, "-f", "avfoundation", "-i", "none:"+orDefault(f.AudioDevice, "0"))
	case "windows":
		args = append(args, "-f", "dshow", "-i", "audio="+orDefault(f.AudioDevice, "Stereo Mix"))
	default:
		args = append(args, "-f", "pulse", "-i", orDefault(f.AudioDevice, "default"))
	}
	return append(args,
		"-vn",
		"-c:a", "libopus",
		"-ar", strconv.Itoa(opusSampleRate),
		"-page_duration", "20000",
		"-f", "ogg", "pipe:1",
	)
}

// scaleFilter keeps the aspect ratio when only one side is constrained.
func scaleFilter(width, height int) string {
	switch {
	case width > 0 && height > 0:
		return fmt.Sprintf("scale=%d:%d", width, height)
	case width > 0:
		return fmt.Sprintf("scale=%d:-2", width)
	case height > 0:
		return fmt.Sprintf("scale=-2:%d", height)
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type sampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// pumpIVF writes every VP8 frame of an IVF stream as one sample.
func pumpIVF(r io.Reader, track sampleWriter, fps int) error {
	reader, _, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	if fps <= 0 {
		fps = config.DefaultFPS
	}
	duration := time.Second / time.Duration(fps)

	for {
		frame, _, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: duration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

// pumpOgg writes every Opus page as one sample, timed by the granule
// position delta.
func pumpOgg(r io.Reader, track sampleWriter) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusSampleRate*1000) * time.Millisecond

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
	}
}
