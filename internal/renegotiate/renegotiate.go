// Package renegotiate serves additional offer/answer exchanges carried over
// a data channel of the primary connection. Each offer gets its own
// secondary connection fed with the already captured tracks.
package renegotiate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lichon/screen-share-cli/internal/peer"
	"github.com/lichon/screen-share-cli/internal/reason"
	pion "github.com/pion/webrtc/v4"
)

// DataChannel is the subset of *pion.DataChannel the renegotiator uses.
type DataChannel interface {
	Label() string
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg pion.DataChannelMessage))
	Send(data []byte) error
	SendText(s string) error
}

// Terminator ends the process with a close reason.
type Terminator interface {
	Close(r reason.Reason) bool
}

// Renegotiator answers offers arriving on data channels.
type Renegotiator struct {
	newPeer       peer.Factory
	tracks        []pion.TrackLocal
	gatherTimeout time.Duration
	term          Terminator
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// session is one data channel and the secondary connections it created.
type session struct {
	dc     DataChannel
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[string]peer.Connection
	closed bool
}

// New creates a renegotiator feeding tracks to every secondary connection.
func New(newPeer peer.Factory, tracks []pion.TrackLocal, gatherTimeout time.Duration, term Terminator) *Renegotiator {
	return &Renegotiator{
		newPeer:       newPeer,
		tracks:        tracks,
		gatherTimeout: gatherTimeout,
		term:          term,
		logger:        slog.Default().With("component", "renegotiate"),
		sessions:      make(map[*session]struct{}),
	}
}

// Attach starts serving offers on dc. Closing dc closes every secondary
// connection it created; the primary connection is unaffected.
func (r *Renegotiator) Attach(dc DataChannel) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		dc:     dc,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]peer.Connection),
	}

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()

	logger := r.logger.With("label", dc.Label())

	dc.OnOpen(func() {
		logger.Debug("data channel open")
	})

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		switch m := ParseChannelMessage(msg.Data, msg.IsString).(type) {
		case *OfferMessage:
			go r.serve(s, m, msg.IsString)
		case *UnknownMessage:
			logger.Warn("unknown data channel message", "type", m.Type, "error", m.Err, "data", string(m.Raw))
		}
	})

	dc.OnClose(func() {
		logger.Info("data channel closed")
		r.release(s)
	})
}

// Active returns the number of live secondary connections.
func (r *Renegotiator) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for s := range r.sessions {
		s.mu.Lock()
		n += len(s.peers)
		s.mu.Unlock()
	}
	return n
}

// Close releases every session, as if all data channels had closed.
func (r *Renegotiator) Close() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.release(s)
	}
}

func (r *Renegotiator) serve(s *session, offer *OfferMessage, isString bool) {
	id := uuid.NewString()
	logger := r.logger.With("secondary", id)

	pc, err := r.newPeer()
	if err != nil {
		r.fail(logger, reason.NewError("create secondary connection", reason.FailedToSetOffer, err))
		return
	}
	if !s.add(id, pc) {
		pc.Close()
		return
	}

	if err := peer.AttachTracks(pc, r.tracks); err != nil {
		r.fail(logger, reason.NewError("attach tracks", reason.FailedToSetOffer, err))
		return
	}

	answer, err := peer.Answer(pc, offer.SDP)
	if err != nil {
		r.fail(logger, err)
		return
	}

	if err := peer.AwaitGathering(s.ctx, pc, r.gatherTimeout); err != nil && s.ctx.Err() != nil {
		return
	}

	reply, err := encodeAnswer(peer.LocalSDP(pc, answer), isString)
	if err != nil {
		logger.Error("failed to encode answer", "error", err)
		return
	}
	if isString {
		err = s.dc.SendText(string(reply))
	} else {
		err = s.dc.Send(reply)
	}
	if err != nil {
		logger.Warn("failed to send answer", "error", err)
		return
	}
	logger.Info("secondary connection answered")
}

func (r *Renegotiator) fail(logger *slog.Logger, err error) {
	logger.Error("renegotiation failed", "error", err)
	r.term.Close(reason.Of(err))
}

func (r *Renegotiator) release(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()

	s.cancel()
	for id, pc := range s.drain() {
		if err := pc.Close(); err != nil {
			r.logger.Debug("closing secondary connection", "secondary", id, "error", err)
		}
	}
}

// add registers pc unless the session is already closed.
func (s *session) add(id string, pc peer.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[id] = pc
	return true
}

func (s *session) drain() map[string]peer.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]peer.Connection)
	return peers
}
