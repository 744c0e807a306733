// Package supervisor owns process termination: it emits the single close
// reason to the host and reports it to whoever waits for the exit.
package supervisor

import (
	"log/slog"
	"sync"

	"github.com/lichon/screen-share-cli/internal/reason"
	pion "github.com/pion/webrtc/v4"
)

// Sender delivers the CLOSE frame and closes the host channel after it.
type Sender interface {
	SendClose(reason string) error
}

// Watched is a connection whose connectivity state can be observed.
type Watched interface {
	OnConnectionStateChange(f func(pion.PeerConnectionState))
}

// Supervisor emits exactly one close reason. The first Close wins; every
// later call is a no-op.
type Supervisor struct {
	sender Sender
	logger *slog.Logger

	once   sync.Once
	done   chan struct{}
	reason reason.Reason

	mu    sync.Mutex
	hooks []func(reason.Reason)
}

// New creates a supervisor that reports through sender.
func New(sender Sender) *Supervisor {
	return &Supervisor{
		sender: sender,
		logger: slog.Default().With("component", "supervisor"),
		done:   make(chan struct{}),
	}
}

// OnClose registers f to run after the CLOSE frame is sent and before Done
// is closed. Hooks run in registration order.
func (s *Supervisor) OnClose(f func(reason.Reason)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, f)
	s.mu.Unlock()
}

// Close terminates with r. It reports whether this call was the one that
// took effect.
func (s *Supervisor) Close(r reason.Reason) bool {
	won := false
	s.once.Do(func() {
		won = true
		s.reason = r
		s.logger.Info("closing", "reason", r)

		if err := s.sender.SendClose(r.String()); err != nil {
			s.logger.Warn("failed to send close frame", "error", err)
		}

		s.mu.Lock()
		hooks := append([]func(reason.Reason){}, s.hooks...)
		s.mu.Unlock()
		for _, hook := range hooks {
			hook(r)
		}

		close(s.done)
	})
	return won
}

// Done is closed once the close reason has been emitted.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Reason returns the emitted reason. Only meaningful after Done.
func (s *Supervisor) Reason() reason.Reason {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// ExitCode is the process exit status for the emitted reason.
func (s *Supervisor) ExitCode() int {
	return s.Reason().ExitCode()
}

// Watch closes with connection-state-<state> as soon as conn reaches a
// terminal connectivity state.
func (s *Supervisor) Watch(conn Watched) {
	conn.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		s.logger.Info("connection state", "state", state.String())

		switch state {
		case pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed:
			s.Close(reason.ConnectionState(state))
		}
	})
}

// CloseFromHost handles a close requested by the host; an empty text
// becomes unknown.
func (s *Supervisor) CloseFromHost(text string) bool {
	return s.Close(reason.FromHost(text))
}
