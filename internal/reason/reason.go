// Package reason defines the close reasons the process can terminate with.
package reason

import (
	"errors"
	"fmt"
	"strings"

	pion "github.com/pion/webrtc/v4"
)

// Reason is the terminal, one-shot tag explaining why the process stops.
// It travels to the host verbatim in the CLOSE frame.
type Reason string

const (
	FailedToGetMediaStream       Reason = "failed-to-get-media-stream"
	FailedToStartMedia           Reason = "failed-to-start-media"
	FailedToCreateOffer          Reason = "failed-to-create-offer"
	FailedToSetOffer             Reason = "failed-to-set-offer"
	FailedToSetRemoteDescription Reason = "failed-to-set-remote-description"
	OfferIncludesMedia           Reason = "offer-includes-media"
	UserClosed                   Reason = "user-closed"
	Unknown                      Reason = "unknown"

	connectionStatePrefix = "connection-state-"
)

func (r Reason) String() string {
	return string(r)
}

// ConnectionState builds the reason for a terminal connectivity state.
func ConnectionState(state pion.PeerConnectionState) Reason {
	return Reason(connectionStatePrefix + state.String())
}

// IsConnectionState reports whether r came from the connectivity watchdog.
func (r Reason) IsConnectionState() bool {
	return strings.HasPrefix(string(r), connectionStatePrefix)
}

// FromHost turns a host-supplied free-text reason into a Reason. An empty
// text means the close call site gave no reason.
func FromHost(text string) Reason {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unknown
	}
	return Reason(text)
}

// ExitCode is the process exit status for a reason: closes the user or the
// host asked for are clean, everything else is a failure.
func (r Reason) ExitCode() int {
	switch {
	case r == UserClosed:
		return 0
	case r.IsConnectionState():
		return 1
	case isFailure(r):
		return 1
	default:
		// host-supplied text
		return 0
	}
}

func isFailure(r Reason) bool {
	switch r {
	case FailedToGetMediaStream, FailedToStartMedia, FailedToCreateOffer,
		FailedToSetOffer, FailedToSetRemoteDescription, OfferIncludesMedia, Unknown:
		return true
	}
	return false
}

// Error is a failed negotiation step together with the close reason it maps to.
type Error struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as the failure of op, terminating with r.
func NewError(op string, r Reason, err error) *Error {
	return &Error{Op: op, Reason: r, Err: err}
}

// Of extracts the close reason carried by err, or Unknown when err does not
// carry one.
func Of(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return Unknown
}
