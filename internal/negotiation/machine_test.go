package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/media"
	"github.com/lichon/screen-share-cli/internal/peer"
	"github.com/lichon/screen-share-cli/internal/peer/peertest"
	"github.com/lichon/screen-share-cli/internal/reason"
	"github.com/lichon/screen-share-cli/internal/signaling"
	pion "github.com/pion/webrtc/v4"
)

const (
	offerSDP  = "v=0 created offer"
	answerSDP = "v=0 created answer"

	dataOffer = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\na=mid:0\r\n"
)

type fakeCapturer struct {
	err    error
	tracks int

	mu    sync.Mutex
	calls int
}

func (c *fakeCapturer) Capture(_ context.Context, _ media.Constraints) (*media.Stream, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var tracks []pion.TrackLocal
	for range c.tracks {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", "stream")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return media.NewStream("stream", tracks, nil), nil
}

func (c *fakeCapturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []signaling.Frame
	sent   chan struct{}
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{sent: make(chan struct{}, 16)}
}

func (r *frameRecorder) Send(f signaling.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func (r *frameRecorder) Frames() []signaling.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Frame(nil), r.frames...)
}

type terminator struct {
	reasons chan reason.Reason
}

func (t *terminator) Close(r reason.Reason) bool {
	t.reasons <- r
	return true
}

type harness struct {
	m        *Machine
	pc       *peertest.Connection
	capturer *fakeCapturer
	frames   *frameRecorder
	term     *terminator
	states   chan State
	timeout  chan time.Time
	peers    atomic.Int32
}

func newHarness(t *testing.T, capturer *fakeCapturer, pc *peertest.Connection) *harness {
	t.Helper()
	h := &harness{
		pc:       pc,
		capturer: capturer,
		frames:   newFrameRecorder(),
		term:     &terminator{reasons: make(chan reason.Reason, 4)},
		states:   make(chan State, 16),
		timeout:  make(chan time.Time, 1),
	}
	h.m = New(Deps{
		Capturer: capturer,
		NewPeer: func() (peer.Connection, error) {
			h.peers.Add(1)
			return pc, nil
		},
		Sender:     h.frames,
		Terminator: h.term,
		OnState:    func(s State) { h.states <- s },
		After: func(time.Duration) <-chan time.Time {
			return h.timeout
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached, at %s", want, h.m.State())
		}
	}
}

func (h *harness) waitReason(t *testing.T) reason.Reason {
	t.Helper()
	select {
	case r := <-h.term.reasons:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not terminate")
		return ""
	}
}

func (h *harness) waitFrame(t *testing.T) {
	t.Helper()
	select {
	case <-h.frames.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
}

func offerConfig() *config.Config {
	return &config.Config{Video: true, FPS: 30, GatherTimeout: time.Second}
}

func TestOfferSentOnceWhenGatheringAndTimeoutBothFire(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	h := newHarness(t, &fakeCapturer{tracks: 1}, pc)

	h.m.Start(offerConfig())
	h.waitState(t, Offering)

	pc.CompleteGathering()
	h.timeout <- time.Now()
	h.waitFrame(t)

	// give the losing event time to be dispatched
	time.Sleep(50 * time.Millisecond)

	frames := h.frames.Frames()
	if len(frames) != 1 || frames[0].Type != signaling.FrameOffer {
		t.Fatalf("frames = %+v, want one OFFER", frames)
	}
}

func TestLatchAcrossBothEvents(t *testing.T) {
	for _, order := range [][]event{
		{gatheredEvent{}, timeoutEvent{}},
		{timeoutEvent{}, gatheredEvent{}},
		{timeoutEvent{}, timeoutEvent{}, gatheredEvent{}},
	} {
		frames := newFrameRecorder()
		m := New(Deps{Sender: frames})
		m.pc = peertest.New(offerSDP, "")
		m.created = offerSDP
		m.state.Store(int32(Offering))

		for _, ev := range order {
			m.dispatch(context.Background(), ev)
		}
		if got := len(frames.Frames()); got != 1 {
			t.Errorf("order %v: %d frames sent, want 1", order, got)
		}
	}
}

func TestGatheringBeforeTimeoutSendsCreatedOffer(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	capturer := &fakeCapturer{tracks: 1}
	h := newHarness(t, capturer, pc)

	start := time.Now()
	h.m.Start(offerConfig())
	h.waitState(t, Offering)

	time.AfterFunc(300*time.Millisecond, pc.CompleteGathering)
	h.waitFrame(t)
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("offer sent after %v, expected before the timeout", elapsed)
	}

	h.timeout <- time.Now()
	time.Sleep(50 * time.Millisecond)

	frames := h.frames.Frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	desc, ok := frames[0].Descriptor()
	if !ok || desc.Kind != signaling.KindOffer || desc.SDP != offerSDP {
		t.Errorf("descriptor = %+v, %v", desc, ok)
	}
	if capturer.Calls() != 1 || len(pc.Tracks()) != 1 {
		t.Errorf("capture calls = %d, tracks = %d", capturer.Calls(), len(pc.Tracks()))
	}
	if len(pc.DataChannels()) != 0 {
		t.Errorf("placeholder channel created alongside media: %v", pc.DataChannels())
	}
}

func TestOfferWithoutTracksCreatesPlaceholderChannel(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	h := newHarness(t, &fakeCapturer{}, pc)

	h.m.Start(&config.Config{GatherTimeout: time.Second})
	h.waitState(t, Offering)

	if got := pc.DataChannels(); len(got) != 1 || got[0] != placeholderChannel {
		t.Errorf("data channels = %v", got)
	}
}

func TestRemoteAnswerNegotiates(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	h := newHarness(t, &fakeCapturer{tracks: 1}, pc)

	h.m.Start(offerConfig())
	h.waitState(t, Offering)
	h.timeout <- time.Now()
	h.waitFrame(t)

	h.m.ApplyRemoteAnswer("v=0 remote answer")
	h.waitState(t, Negotiated)

	if remote := pc.RemoteDescription(); remote == nil || remote.SDP != "v=0 remote answer" {
		t.Errorf("remote description = %+v", remote)
	}
}

func TestAnswerOutsideOfferingIsDropped(t *testing.T) {
	pc := peertest.New("", answerSDP)
	h := newHarness(t, &fakeCapturer{}, pc)

	h.m.ApplyRemoteAnswer("v=0 early")

	cfg := offerConfig()
	cfg.Offer = dataOffer
	h.m.Start(cfg)
	h.waitState(t, Answering)

	if remote := pc.RemoteDescription(); remote == nil || remote.Type != pion.SDPTypeOffer {
		t.Errorf("remote description = %+v, want the initial offer", remote)
	}
}

func TestMediaOfferTerminatesBeforeCapture(t *testing.T) {
	pc := peertest.New("", answerSDP)
	capturer := &fakeCapturer{}
	h := newHarness(t, capturer, pc)

	cfg := offerConfig()
	cfg.Offer = "v=0...a=video..."
	h.m.Start(cfg)

	if r := h.waitReason(t); r != reason.OfferIncludesMedia {
		t.Fatalf("reason = %q", r)
	}
	if capturer.Calls() != 0 || h.peers.Load() != 0 {
		t.Errorf("capture calls = %d, peers = %d", capturer.Calls(), h.peers.Load())
	}
	if pc.Calls("CreateAnswer") != 0 {
		t.Error("create-answer called for a media offer")
	}
	if frames := h.frames.Frames(); len(frames) != 0 {
		t.Errorf("frames sent: %+v", frames)
	}
	if h.m.State() != Terminated {
		t.Errorf("state = %s", h.m.State())
	}
}

func TestAnswerSentOnce(t *testing.T) {
	pc := peertest.New("", answerSDP)
	h := newHarness(t, &fakeCapturer{tracks: 1}, pc)

	cfg := offerConfig()
	cfg.Offer = dataOffer
	h.m.Start(cfg)
	h.waitState(t, Answering)

	pc.CompleteGathering()
	h.timeout <- time.Now()
	h.waitState(t, Negotiated)
	time.Sleep(50 * time.Millisecond)

	frames := h.frames.Frames()
	if len(frames) != 1 || frames[0].Type != signaling.FrameAnswer {
		t.Fatalf("frames = %+v, want one ANSWER", frames)
	}
	if desc, _ := frames[0].Descriptor(); desc.SDP != answerSDP {
		t.Errorf("answer sdp = %q", desc.SDP)
	}
	if len(pc.Tracks()) != 0 {
		t.Errorf("tracks attached to the answering primary: %d", len(pc.Tracks()))
	}
}

func TestOfferReceivedWhileIdleBecomesInitialOffer(t *testing.T) {
	pc := peertest.New("", answerSDP)
	h := newHarness(t, &fakeCapturer{}, pc)

	h.m.OfferReceived(dataOffer)
	h.m.Start(offerConfig())
	h.waitState(t, Answering)

	if remote := pc.RemoteDescription(); remote == nil || remote.SDP != dataOffer {
		t.Errorf("remote description = %+v", remote)
	}
}

func TestFailuresMapToReasons(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		offer    string
		capturer *fakeCapturer
		setup    func(*peertest.Connection)
		want     reason.Reason
	}{
		{
			name:     "capture",
			capturer: &fakeCapturer{err: boom},
			want:     reason.FailedToGetMediaStream,
		},
		{
			name:  "add track",
			setup: func(pc *peertest.Connection) { pc.AddTrackErr = boom },
			want:  reason.FailedToStartMedia,
		},
		{
			name:  "create offer",
			setup: func(pc *peertest.Connection) { pc.CreateOfferErr = boom },
			want:  reason.FailedToCreateOffer,
		},
		{
			name:  "set local offer",
			setup: func(pc *peertest.Connection) { pc.SetLocalErr = boom },
			want:  reason.FailedToCreateOffer,
		},
		{
			name:  "set remote offer",
			offer: dataOffer,
			setup: func(pc *peertest.Connection) { pc.SetRemoteErr = boom },
			want:  reason.FailedToSetOffer,
		},
		{
			name:  "create answer",
			offer: dataOffer,
			setup: func(pc *peertest.Connection) { pc.CreateAnswerErr = boom },
			want:  reason.FailedToSetOffer,
		},
		{
			name:  "set local answer",
			offer: dataOffer,
			setup: func(pc *peertest.Connection) { pc.SetLocalErr = boom },
			want:  reason.FailedToSetOffer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := peertest.New(offerSDP, answerSDP)
			if tt.setup != nil {
				tt.setup(pc)
			}
			capturer := tt.capturer
			if capturer == nil {
				capturer = &fakeCapturer{tracks: 1}
			}
			h := newHarness(t, capturer, pc)

			cfg := offerConfig()
			cfg.Offer = tt.offer
			h.m.Start(cfg)

			if r := h.waitReason(t); r != tt.want {
				t.Errorf("reason = %q, want %q", r, tt.want)
			}
			if frames := h.frames.Frames(); len(frames) != 0 {
				t.Errorf("frames sent after failure: %+v", frames)
			}
		})
	}
}

func TestRemoteAnswerFailure(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	pc.SetRemoteErr = errors.New("bad answer")
	h := newHarness(t, &fakeCapturer{tracks: 1}, pc)

	h.m.Start(offerConfig())
	h.waitState(t, Offering)
	h.timeout <- time.Now()
	h.waitFrame(t)

	h.m.ApplyRemoteAnswer("v=0 remote answer")
	if r := h.waitReason(t); r != reason.FailedToSetRemoteDescription {
		t.Errorf("reason = %q", r)
	}
}

func TestStartOnlyOnce(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	capturer := &fakeCapturer{tracks: 1}
	h := newHarness(t, capturer, pc)

	h.m.Start(offerConfig())
	h.m.Start(offerConfig())
	h.waitState(t, Offering)
	time.Sleep(20 * time.Millisecond)

	if capturer.Calls() != 1 || h.peers.Load() != 1 {
		t.Errorf("capture calls = %d, peers = %d", capturer.Calls(), h.peers.Load())
	}
}

func TestRunReleasesConnection(t *testing.T) {
	pc := peertest.New(offerSDP, "")
	m := New(Deps{
		Capturer:   &fakeCapturer{},
		NewPeer:    func() (peer.Connection, error) { return pc, nil },
		Sender:     newFrameRecorder(),
		Terminator: &terminator{reasons: make(chan reason.Reason, 1)},
		After:      func(time.Duration) <-chan time.Time { return nil },
	})
	states := make(chan State, 8)
	m.deps.OnState = func(s State) { states <- s }

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	m.Start(offerConfig())
	for s := range states {
		if s == Offering {
			break
		}
	}
	select {
	case <-m.Done():
		t.Fatal("Done closed while running")
	default:
	}
	cancel()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after cancel")
	}
	if !pc.Closed() {
		t.Error("primary connection not closed")
	}
	if err := m.Start(offerConfig()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Run = %v, want ErrStopped", err)
	}
}
