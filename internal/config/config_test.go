package config

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"STUN_SERVER", "TURN_SERVER", "TURN_USERNAME", "TURN_PASSWORD", "FFMPEG_PATH", "DISPLAY", "SSC_HOST_URL"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(DefaultOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audio || !cfg.Video || cfg.Camera {
		t.Errorf("media defaults = audio:%v video:%v camera:%v", cfg.Audio, cfg.Video, cfg.Camera)
	}
	if cfg.FPS != 30 {
		t.Errorf("FPS = %d, want 30", cfg.FPS)
	}
	if cfg.HasOffer() || cfg.ShowClose || cfg.Renegotiate {
		t.Errorf("offer-dependent defaults set without an offer: %+v", cfg)
	}
	if cfg.GatherTimeout != DefaultOfferGatherTimeout {
		t.Errorf("GatherTimeout = %v, want %v", cfg.GatherTimeout, DefaultOfferGatherTimeout)
	}
	if cfg.WindowWidth != 480 || cfg.WindowHeight != 320 {
		t.Errorf("window = %dx%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	if len(cfg.GetSTUNServers()) != 2 {
		t.Errorf("STUN servers = %v", cfg.GetSTUNServers())
	}
	if cfg.GetTURNServers() != nil {
		t.Errorf("TURN servers = %v, want none", cfg.GetTURNServers())
	}
	if cfg.FFmpegPath != "ffmpeg" || cfg.HostCodec != CodecFrame {
		t.Errorf("ffmpeg=%q codec=%q", cfg.FFmpegPath, cfg.HostCodec)
	}
}

func TestLoadWithOffer(t *testing.T) {
	clearEnv(t)

	sdp := "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"
	opts := DefaultOptions()
	opts.Offer = base64.StdEncoding.EncodeToString([]byte(sdp))

	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Offer != sdp {
		t.Errorf("Offer = %q, want %q", cfg.Offer, sdp)
	}
	if !cfg.ShowClose || !cfg.Renegotiate {
		t.Errorf("showClose=%v renegotiate=%v, want both true with an offer", cfg.ShowClose, cfg.Renegotiate)
	}
	if cfg.GatherTimeout != DefaultAnswerGatherTimeout {
		t.Errorf("GatherTimeout = %v, want %v", cfg.GatherTimeout, DefaultAnswerGatherTimeout)
	}
}

func TestLoadExplicitOverridesOfferDefaults(t *testing.T) {
	clearEnv(t)

	no := false
	opts := DefaultOptions()
	opts.Offer = base64.StdEncoding.EncodeToString([]byte("v=0"))
	opts.ShowClose = &no
	opts.Renegotiate = &no
	opts.GatherTimeout = 250 * time.Millisecond

	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ShowClose || cfg.Renegotiate {
		t.Errorf("explicit false ignored: showClose=%v renegotiate=%v", cfg.ShowClose, cfg.Renegotiate)
	}
	if cfg.GatherTimeout != 250*time.Millisecond {
		t.Errorf("GatherTimeout = %v", cfg.GatherTimeout)
	}
}

func TestLoadInvalidOffer(t *testing.T) {
	clearEnv(t)

	opts := DefaultOptions()
	opts.Offer = "!!not base64!!"
	if _, err := Load(opts); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("err = %v, want ErrInvalidOffer", err)
	}
}

func TestLoadEnvironmentFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUN_SERVER", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("TURN_SERVER", "turn.example")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_PASSWORD", "pass")

	opts := DefaultOptions()
	opts.ForceRelay = true
	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetSTUNServers(); len(got) != 2 || got[1] != "stun:b.example:3478" {
		t.Errorf("STUN servers = %v", got)
	}
	turn := cfg.GetTURNServers()
	if len(turn) != 3 || turn[0] != "turn:turn.example:3478?transport=udp" {
		t.Errorf("TURN servers = %v", turn)
	}
	if u, p := cfg.GetTURNCredentials(); u != "user" || p != "pass" {
		t.Errorf("credentials = %q/%q", u, p)
	}
}

func TestLoadRejectsRelayWithoutTURN(t *testing.T) {
	clearEnv(t)

	opts := DefaultOptions()
	opts.ForceRelay = true
	if _, err := Load(opts); err == nil {
		t.Fatal("expected error forcing relay without TURN")
	}
}

func TestLoadHiddenCollapsesWindow(t *testing.T) {
	clearEnv(t)

	opts := DefaultOptions()
	opts.Hide = true
	cfg, err := Load(opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WindowWidth != 0 || cfg.WindowHeight != 0 {
		t.Errorf("window = %dx%d, want 0x0", cfg.WindowWidth, cfg.WindowHeight)
	}
}

func TestLoadRejectsUnknownCodec(t *testing.T) {
	clearEnv(t)

	opts := DefaultOptions()
	opts.HostCodec = "xml"
	if _, err := Load(opts); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
