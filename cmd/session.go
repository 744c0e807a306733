package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/dns"
	"github.com/lichon/screen-share-cli/internal/media"
	"github.com/lichon/screen-share-cli/internal/negotiation"
	"github.com/lichon/screen-share-cli/internal/peer"
	"github.com/lichon/screen-share-cli/internal/reason"
	"github.com/lichon/screen-share-cli/internal/renegotiate"
	"github.com/lichon/screen-share-cli/internal/signaling"
	"github.com/lichon/screen-share-cli/internal/supervisor"
	"github.com/lichon/screen-share-cli/internal/ui"
	pion "github.com/pion/webrtc/v4"
)

const releaseTimeout = 3 * time.Second

// session wires the host channel, the negotiation machine, the supervisor
// and the status view for one run of the process.
type session struct {
	cfg     *config.Config
	client  *signaling.Client
	handler *signaling.Handler
	sup     *supervisor.Supervisor
	machine *negotiation.Machine
	newPeer peer.Factory
	status  *ui.Status
	started time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	tracks int
	reneg  *renegotiate.Renegotiator
}

// sessionDeps replaces how media and connections are made. Zero values use
// ffmpeg and pion.
type sessionDeps struct {
	capturer media.Capturer
	newPeer  peer.Factory
}

func runSession(ctx context.Context, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	transport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}

	return newSession(signaling.NewClient(transport), cfg, sessionDeps{}).run(ctx)
}

func newSession(client *signaling.Client, cfg *config.Config, deps sessionDeps) *session {
	s := &session{
		cfg:     cfg,
		client:  client,
		handler: signaling.NewHandler(client),
		sup:     supervisor.New(client),
		newPeer: deps.newPeer,
		started: time.Now(),
		logger:  slog.Default().With("component", "session"),
	}
	if s.newPeer == nil {
		s.newPeer = s.pionPeer
	}
	capturer := deps.capturer
	if capturer == nil {
		capturer = media.CapturerFunc(s.capture)
	}

	s.machine = negotiation.New(negotiation.Deps{
		Capturer:     capturer,
		NewPeer:      s.newPeer,
		Sender:       client,
		Terminator:   s.sup,
		OnConnection: s.onConnection,
		OnState:      s.onState,
	})
	return s
}

// run drives the session until a close reason is emitted. A reason with a
// non-zero exit status comes back as an *ExitError.
func (s *session) run(ctx context.Context) error {
	s.client.Start()
	go s.handler.Run()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.machine.Run(ctx)
	go s.watchSignals()

	cfg := s.cfg
	if cfg.AwaitStart {
		cfg = s.awaitStart()
	}
	if cfg != nil {
		s.cfg = cfg
		s.showStatus()
		go s.route()
		if err := s.machine.Start(cfg); err != nil {
			s.logger.Error("failed to start negotiation", "error", err)
		}
	}

	<-s.sup.Done()
	cancel()

	// ffmpeg and the primary connection are torn down by the machine.
	select {
	case <-s.machine.Done():
	case <-time.After(releaseTimeout):
		s.logger.Warn("release timed out", "timeout", releaseTimeout)
	}

	if code := s.sup.ExitCode(); code != 0 {
		return &ExitError{Code: code, Reason: s.sup.Reason().String()}
	}
	return nil
}

func openTransport(ctx context.Context, cfg *config.Config) (signaling.Transport, error) {
	if cfg.HostURL == "" {
		return signaling.NewStreamTransport(os.Stdin, os.Stdout, cfg.HostCodec), nil
	}

	var sp *ui.SimpleSpinner
	if !cfg.Hide {
		sp = ui.NewConnectionSpinner(ui.Output, "Connecting to host...")
		sp.Start()
	}

	ws, err := signaling.DialWebSocket(ctx, cfg.HostURL, dns.NewResolver())
	if sp != nil {
		if err != nil {
			sp.Error("Could not reach host")
		} else {
			sp.Success("Connected to host")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to host: %w", err)
	}
	return ws, nil
}

func (s *session) capture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return media.NewFFmpeg(s.cfg).Capture(ctx, c)
}

func (s *session) pionPeer() (peer.Connection, error) {
	pc, err := peer.New(s.cfg)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// onConnection runs on the negotiation goroutine when the primary
// connection is created.
func (s *session) onConnection(pc peer.Connection, stream *media.Stream) {
	s.sup.Watch(pc)

	s.mu.Lock()
	s.tracks = len(stream.Tracks)
	s.mu.Unlock()

	if !s.cfg.Renegotiate {
		return
	}

	reneg := renegotiate.New(s.newPeer, stream.Tracks, s.cfg.GatherTimeout, s.sup)
	s.mu.Lock()
	s.reneg = reneg
	s.mu.Unlock()

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		s.logger.Info("data channel opened by peer", "label", dc.Label())
		reneg.Attach(dc)
	})
	s.sup.OnClose(func(reason.Reason) {
		reneg.Close()
	})
}

func (s *session) onState(state negotiation.State) {
	if s.status != nil {
		s.status.SetState(state.String())
	}
}

// awaitStart waits for the host's start message. Offers arriving first are
// kept by the machine. It returns nil when the session closed meanwhile.
func (s *session) awaitStart() *config.Config {
	s.logger.Info("waiting for start message")
	if !s.cfg.Hide {
		ui.PrintInfo("Waiting for the host to start the session")
	}

	offers := s.handler.OfferReceived
	answers := s.handler.AnswerReceived
	for {
		select {
		case opts, ok := <-s.handler.StartRequested:
			if !ok {
				s.logger.Warn("host channel closed before start")
				s.sup.Close(reason.Unknown)
				return nil
			}
			cfg, err := config.Load(opts)
			if err != nil {
				s.logger.Error("invalid start message", "error", err)
				s.sup.Close(reason.Unknown)
				return nil
			}
			s.dropStaleAnswers()
			return cfg

		case sdp, ok := <-offers:
			if !ok {
				offers = nil
				continue
			}
			s.machine.OfferReceived(sdp)

		case _, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			s.logger.Warn("answer before start dropped")

		case text, ok := <-s.handler.CloseRequested:
			if ok {
				s.sup.CloseFromHost(text)
				return nil
			}

		case <-s.sup.Done():
			return nil
		}
	}
}

// dropStaleAnswers discards answers queued before start. The handler routes
// in order, so every one of them is already buffered once start is seen.
func (s *session) dropStaleAnswers() {
	for {
		select {
		case _, ok := <-s.handler.AnswerReceived:
			if !ok {
				return
			}
			s.logger.Warn("answer before start dropped")
		default:
			return
		}
	}
}

// route forwards host messages until the session closes. The host channel
// ending is not a close: the peer connection lives on.
func (s *session) route() {
	answers := s.handler.AnswerReceived
	offers := s.handler.OfferReceived
	closes := s.handler.CloseRequested

	for answers != nil || offers != nil || closes != nil {
		select {
		case sdp, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			s.machine.ApplyRemoteAnswer(sdp)

		case sdp, ok := <-offers:
			if !ok {
				offers = nil
				continue
			}
			s.machine.OfferReceived(sdp)

		case text, ok := <-closes:
			if !ok {
				closes = nil
				continue
			}
			s.sup.CloseFromHost(text)

		case <-s.sup.Done():
			return
		}
	}
	s.logger.Debug("host channel drained")
}

func (s *session) watchSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		s.sup.Close(reason.UserClosed)
	case <-s.sup.Done():
	}
}

// showStatus starts the status view unless hidden. The close key needs the
// terminal itself since stdin may carry host messages.
func (s *session) showStatus() {
	if s.cfg.Hide {
		return
	}

	var input io.Reader
	if s.cfg.ShowClose {
		tty, err := os.Open("/dev/tty")
		if err != nil {
			s.logger.Debug("open terminal", "error", err)
			ui.PrintWarning("No terminal available, the close key is disabled")
		} else {
			input = tty
			s.sup.OnClose(func(reason.Reason) { tty.Close() })
		}
	}

	width, height := ui.CellsFromPixels(s.cfg.WindowWidth, s.cfg.WindowHeight)
	s.status = ui.NewStatus(ui.StatusOptions{
		Input:     input,
		Output:    ui.Output,
		Title:     s.title(),
		Camera:    s.cfg.Camera,
		Audio:     s.cfg.Audio,
		ShowClose: s.cfg.ShowClose,
		Width:     width,
		Height:    height,
		OnClose: func() {
			// the hook below stops the program, which cannot wait on itself
			go s.sup.Close(reason.UserClosed)
		},
	})
	s.status.Start()

	s.sup.OnClose(func(r reason.Reason) {
		s.status.Stop()
		ui.RenderSummary(ui.Output, s.summary(r))
	})
}

func (s *session) title() string {
	source := "Screen"
	if s.cfg.Camera {
		source = "Camera"
	}
	return fmt.Sprintf("%s share (%s)", source, s.role())
}

func (s *session) role() string {
	if s.cfg.HasOffer() {
		return "answering"
	}
	return "offering"
}

func (s *session) summary(r reason.Reason) ui.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	secondaries := 0
	if s.reneg != nil {
		secondaries = s.reneg.Active()
	}
	return ui.SessionSummary{
		Role:        s.role(),
		Reason:      r.String(),
		ExitCode:    r.ExitCode(),
		Duration:    time.Since(s.started),
		Tracks:      s.tracks,
		Secondaries: secondaries,
	}
}
