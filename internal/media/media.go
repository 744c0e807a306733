// Package media acquires local capture streams and exposes them as pion
// tracks ready to be attached to a peer connection.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/lichon/screen-share-cli/internal/config"
	pion "github.com/pion/webrtc/v4"
)

var ErrNoBackend = errors.New("no capture backend available")

// Constraints describes what to capture. Zero Width, Height or FPS mean
// "any".
type Constraints struct {
	Audio  bool
	Video  bool
	Camera bool
	FPS    int
	Width  int
	Height int
}

// ConstraintsFrom extracts the capture constraints of cfg.
func ConstraintsFrom(cfg *config.Config) Constraints {
	return Constraints{
		Audio:  cfg.Audio,
		Video:  cfg.Video,
		Camera: cfg.Camera,
		FPS:    cfg.FPS,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
}

// Capturer obtains a local media stream.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a set of live local tracks sharing one stream id.
type Stream struct {
	ID     string
	Tracks []pion.TrackLocal

	closeOnce sync.Once
	stop      func()
}

// NewStream wraps tracks; stop, when non-nil, runs once on Close.
func NewStream(id string, tracks []pion.TrackLocal, stop func()) *Stream {
	return &Stream{ID: id, Tracks: tracks, stop: stop}
}

// Close ends capture. It is safe to call more than once and on nil.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, c Constraints) (*Stream, error)

func (f CapturerFunc) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	return f(ctx, c)
}
