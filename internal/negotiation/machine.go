// Package negotiation drives the single offer/answer exchange of the
// primary connection as an explicit state machine.
//
// Every input (host messages, media acquisition results, candidate
// gathering and the gathering timer) is posted as a typed event and handled
// by one dispatch goroutine, so state is never touched concurrently.
package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/media"
	"github.com/lichon/screen-share-cli/internal/peer"
	"github.com/lichon/screen-share-cli/internal/reason"
	"github.com/lichon/screen-share-cli/internal/signaling"
)

// placeholderChannel forces a data section into an offer that carries no
// media, otherwise there is nothing to negotiate.
const placeholderChannel = "ssc"

var ErrStopped = errors.New("negotiation stopped")

// Sender writes frames to the host.
type Sender interface {
	Send(f signaling.Frame) error
}

// Terminator ends the process with a close reason.
type Terminator interface {
	Close(r reason.Reason) bool
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Capturer   media.Capturer
	NewPeer    peer.Factory
	Sender     Sender
	Terminator Terminator

	// OnConnection, when set, is called from the dispatch goroutine as soon
	// as the primary connection exists, before any descriptor is applied.
	OnConnection func(pc peer.Connection, stream *media.Stream)

	// OnState, when set, observes every state change.
	OnState func(State)

	// After replaces time.After.
	After func(time.Duration) <-chan time.Time
}

// Machine owns the primary connection and the local media stream.
type Machine struct {
	deps   Deps
	logger *slog.Logger

	events  chan event
	stopped chan struct{}
	state   atomic.Int32

	// Fields below are only used by the dispatch goroutine.
	cfg          *config.Config
	pc           peer.Connection
	stream       *media.Stream
	created      string
	pendingOffer string
	gatherCancel context.CancelFunc

	sent atomic.Bool
}

// New creates an idle machine.
func New(deps Deps) *Machine {
	if deps.After == nil {
		deps.After = time.After
	}
	return &Machine{
		deps:    deps,
		logger:  slog.Default().With("component", "negotiation"),
		events:  make(chan event, 16),
		stopped: make(chan struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Start begins negotiation with cfg. Only the first start while Idle has an
// effect.
func (m *Machine) Start(cfg *config.Config) error {
	return m.post(startEvent{cfg: cfg})
}

// ApplyRemoteAnswer hands the host's answer to the offering connection.
func (m *Machine) ApplyRemoteAnswer(sdp string) error {
	return m.post(remoteAnswerEvent{sdp: sdp})
}

// OfferReceived hands an offer that arrived over the host channel. While
// Idle it becomes the initial offer of the next start.
func (m *Machine) OfferReceived(sdp string) error {
	return m.post(remoteOfferEvent{sdp: sdp})
}

// Done is closed once Run has returned and the connection and media are
// released.
func (m *Machine) Done() <-chan struct{} {
	return m.stopped
}

func (m *Machine) post(ev event) error {
	select {
	case m.events <- ev:
		return nil
	case <-m.stopped:
		return ErrStopped
	}
}

// Run dispatches events until ctx is cancelled. The primary connection and
// the media stream are released when it returns.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.stopped)
	defer m.release()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Machine) dispatch(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case startEvent:
		m.handleStart(ctx, ev)
	case mediaEvent:
		m.handleMedia(ctx, ev)
	case gatheredEvent:
		m.sendLocal("gathering complete")
	case timeoutEvent:
		m.sendLocal("gathering timeout")
	case remoteAnswerEvent:
		m.handleRemoteAnswer(ev)
	case remoteOfferEvent:
		m.handleRemoteOffer(ev)
	}
}

func (m *Machine) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Debug("state changed", "state", s.String())
	if m.deps.OnState != nil {
		m.deps.OnState(s)
	}
}

// fail terminates with the reason carried by err.
func (m *Machine) fail(err error) {
	m.logger.Error("negotiation failed", "error", err)
	m.setState(Terminated)
	m.deps.Terminator.Close(reason.Of(err))
}

func (m *Machine) handleStart(ctx context.Context, ev startEvent) {
	if m.State() != Idle {
		m.logger.Warn("start ignored", "state", m.State().String())
		return
	}

	cfg := ev.cfg
	if !cfg.HasOffer() && m.pendingOffer != "" {
		withOffer := *cfg
		withOffer.Offer = m.pendingOffer
		cfg = &withOffer
	}
	m.cfg = cfg

	if cfg.HasOffer() && peer.IncludesMedia(cfg.Offer) {
		m.fail(reason.NewError("check offer", reason.OfferIncludesMedia, nil))
		return
	}

	m.setState(AcquiringMedia)
	constraints := media.ConstraintsFrom(cfg)
	go func() {
		stream, err := m.deps.Capturer.Capture(ctx, constraints)
		if m.post(mediaEvent{stream: stream, err: err}) != nil {
			stream.Close()
		}
	}()
}

func (m *Machine) handleMedia(ctx context.Context, ev mediaEvent) {
	if m.State() != AcquiringMedia {
		ev.stream.Close()
		return
	}
	if ev.err != nil {
		m.fail(reason.NewError("acquire media", reason.FailedToGetMediaStream, ev.err))
		return
	}
	m.stream = ev.stream

	pc, err := m.deps.NewPeer()
	if err != nil {
		r := reason.FailedToCreateOffer
		if m.cfg.HasOffer() {
			r = reason.FailedToSetOffer
		}
		m.fail(reason.NewError("create peer connection", r, err))
		return
	}
	m.pc = pc

	if m.deps.OnConnection != nil {
		m.deps.OnConnection(pc, m.stream)
	}

	if m.cfg.HasOffer() {
		m.answer(ctx)
	} else {
		m.offer(ctx)
	}
}

func (m *Machine) offer(ctx context.Context) {
	m.setState(Offering)

	if err := peer.AttachTracks(m.pc, m.stream.Tracks); err != nil {
		m.fail(reason.NewError("attach tracks", reason.FailedToStartMedia, err))
		return
	}
	if len(m.stream.Tracks) == 0 {
		if _, err := m.pc.CreateDataChannel(placeholderChannel, nil); err != nil {
			m.fail(reason.NewError("create data channel", reason.FailedToCreateOffer, err))
			return
		}
	}

	offer, err := peer.Offer(m.pc)
	if err != nil {
		m.fail(err)
		return
	}
	m.created = offer.SDP
	m.raceGathering(ctx)
}

// answer never attaches local tracks to the primary connection: media is
// only served to secondary connections.
func (m *Machine) answer(ctx context.Context) {
	m.setState(Answering)

	answer, err := peer.Answer(m.pc, m.cfg.Offer)
	if err != nil {
		m.fail(err)
		return
	}
	m.created = answer.SDP
	m.raceGathering(ctx)
}

// raceGathering posts whichever of gathering completion and the timeout
// comes first; both may arrive and the latch keeps the send single.
func (m *Machine) raceGathering(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.gatherCancel = cancel

	gathered := m.pc.GatheringComplete()
	timeout := m.deps.After(m.cfg.GatherTimeout)

	go func() {
		select {
		case <-gathered:
			m.post(gatheredEvent{})
		case <-ctx.Done():
		}
	}()
	go func() {
		select {
		case <-timeout:
			m.post(timeoutEvent{})
		case <-ctx.Done():
		}
	}()
}

// sendLocal sends the local descriptor once.
func (m *Machine) sendLocal(trigger string) {
	state := m.State()
	if state != Offering && state != Answering {
		return
	}
	if !m.sent.CompareAndSwap(false, true) {
		m.logger.Debug("descriptor already sent", "trigger", trigger)
		return
	}

	sdp := m.created
	if local := m.pc.LocalDescription(); local != nil && local.SDP != "" {
		sdp = local.SDP
	}

	frame := signaling.OfferFrame(sdp)
	if state == Answering {
		frame = signaling.AnswerFrame(sdp)
	}
	m.logger.Info("sending descriptor", "type", frame.Type, "trigger", trigger)
	if err := m.deps.Sender.Send(frame); err != nil {
		m.logger.Warn("failed to send descriptor", "error", err)
	}

	if state == Answering {
		m.setState(Negotiated)
	}
}

func (m *Machine) handleRemoteAnswer(ev remoteAnswerEvent) {
	if m.State() != Offering {
		m.logger.Warn("answer dropped", "state", m.State().String())
		return
	}

	if err := peer.ApplyAnswer(m.pc, ev.sdp); err != nil {
		m.fail(err)
		return
	}
	m.setState(Negotiated)
}

func (m *Machine) handleRemoteOffer(ev remoteOfferEvent) {
	if m.State() != Idle {
		m.logger.Warn("offer dropped", "state", m.State().String())
		return
	}
	m.pendingOffer = ev.sdp
	m.logger.Info("offer received, waiting for start")
}

func (m *Machine) release() {
	if m.gatherCancel != nil {
		m.gatherCancel()
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Debug("closing peer connection", "error", err)
		}
	}
	m.stream.Close()
}
