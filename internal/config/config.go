package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default configuration values
const (
	DefaultFPS          = 30
	DefaultWindowWidth  = 480
	DefaultWindowHeight = 320

	// Gathering timeouts differ by role: the offering side only needs host
	// candidates to be useful, the answering side usually serves a remote
	// browser and benefits from waiting for reflexive candidates.
	DefaultOfferGatherTimeout  = 1 * time.Second
	DefaultAnswerGatherTimeout = 5 * time.Second

	DefaultFFmpegPath = "ffmpeg"

	CodecFrame   = "frame"
	CodecMsgpack = "msgpack"
)

// DefaultSTUNServers are used when no STUN server is configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.nextcloud.com:443",
}

var ErrInvalidOffer = errors.New("offer is not valid base64")

// Config is the immutable snapshot the core runs with. It is built once by
// Load and never written afterwards.
type Config struct {
	Audio  bool
	Video  bool
	Camera bool
	FPS    int

	// Width and Height are zero when unconstrained.
	Width  int
	Height int

	Hide      bool
	ShowClose bool

	// Offer is the decoded remote session description, empty when absent.
	Offer string

	WindowWidth  int
	WindowHeight int

	GatherTimeout time.Duration
	Renegotiate   bool

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool

	// Capture backend
	FFmpegPath   string
	Display      string
	CameraDevice string
	AudioDevice  string

	// Host transport
	HostURL    string
	HostCodec  string
	AwaitStart bool
}

// Options is the recognised option surface, as parsed from flags or sent
// by the host in a start message. Nil pointers mean "not set", which lets
// Load pick offer-dependent defaults.
type Options struct {
	Audio  bool `msgpack:"audio"`
	Video  bool `msgpack:"video"`
	Camera bool `msgpack:"camera"`
	FPS    int  `msgpack:"fps"`
	Width  int  `msgpack:"width"`
	Height int  `msgpack:"height"`
	Hide   bool `msgpack:"hide"`

	ShowClose   *bool `msgpack:"showClose"`
	Renegotiate *bool `msgpack:"renegotiate"`

	// Offer is base64 encoded, exactly as it travels out of band.
	Offer         string        `msgpack:"offer"`
	GatherTimeout time.Duration `msgpack:"gatherTimeout"`

	STUNServers []string `msgpack:"stun"`
	TURNServer  string   `msgpack:"turn"`
	TURNUser    string   `msgpack:"turnUser"`
	TURNPass    string   `msgpack:"turnPass"`
	ForceRelay  bool     `msgpack:"relay"`

	FFmpegPath   string `msgpack:"ffmpeg"`
	Display      string `msgpack:"display"`
	CameraDevice string `msgpack:"cameraDevice"`
	AudioDevice  string `msgpack:"audioDevice"`

	HostURL    string `msgpack:"-"`
	HostCodec  string `msgpack:"-"`
	AwaitStart bool   `msgpack:"-"`
}

// DefaultOptions returns the option values used when nothing is specified.
func DefaultOptions() Options {
	return Options{
		Video: true,
		FPS:   DefaultFPS,
	}
}

// Load reads configuration with the following priority:
// 1. Options (CLI flags or host start message) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	offer, err := decodeOffer(opts.Offer)
	if err != nil {
		return nil, err
	}
	hasOffer := offer != ""

	fps := opts.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, fmt.Errorf("invalid size %dx%d", opts.Width, opts.Height)
	}

	// showClose and renegotiate follow the role unless set explicitly
	showClose := hasOffer
	if opts.ShowClose != nil {
		showClose = *opts.ShowClose
	}
	renegotiate := hasOffer
	if opts.Renegotiate != nil {
		renegotiate = *opts.Renegotiate
	}

	gatherTimeout := opts.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultOfferGatherTimeout
		if hasOffer {
			gatherTimeout = DefaultAnswerGatherTimeout
		}
	}

	stunServers := opts.STUNServers
	if len(stunServers) == 0 {
		if env := os.Getenv("STUN_SERVER"); env != "" {
			stunServers = splitList(env)
		}
	}
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	turnServer := firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER"))
	turnUser := firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME"))
	turnPass := firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD"))
	if opts.ForceRelay && turnServer == "" {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	hostCodec := firstNonEmpty(opts.HostCodec, CodecFrame)
	if hostCodec != CodecFrame && hostCodec != CodecMsgpack {
		return nil, fmt.Errorf("unknown host codec %q", hostCodec)
	}

	windowWidth, windowHeight := DefaultWindowWidth, DefaultWindowHeight
	if opts.Hide {
		windowWidth, windowHeight = 0, 0
	}

	return &Config{
		Audio:         opts.Audio,
		Video:         opts.Video,
		Camera:        opts.Camera,
		FPS:           fps,
		Width:         opts.Width,
		Height:        opts.Height,
		Hide:          opts.Hide,
		ShowClose:     showClose,
		Offer:         offer,
		WindowWidth:   windowWidth,
		WindowHeight:  windowHeight,
		GatherTimeout: gatherTimeout,
		Renegotiate:   renegotiate,
		STUNServers:   stunServers,
		TURNServer:    turnServer,
		TURNUser:      turnUser,
		TURNPass:      turnPass,
		ForceRelay:    opts.ForceRelay,
		FFmpegPath:    firstNonEmpty(opts.FFmpegPath, os.Getenv("FFMPEG_PATH"), DefaultFFmpegPath),
		Display:       firstNonEmpty(opts.Display, os.Getenv("DISPLAY")),
		CameraDevice:  opts.CameraDevice,
		AudioDevice:   opts.AudioDevice,
		HostURL:       firstNonEmpty(opts.HostURL, os.Getenv("SSC_HOST_URL")),
		HostCodec:     hostCodec,
		AwaitStart:    opts.AwaitStart,
	}, nil
}

// HasOffer reports whether a remote offer was supplied up front.
func (c *Config) HasOffer() bool {
	return c.Offer != ""
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return c.STUNServers
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?transport=") {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turn:"), "turns:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func decodeOffer(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(encoded); err == nil {
			return string(b), nil
		}
	}
	return "", ErrInvalidOffer
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
