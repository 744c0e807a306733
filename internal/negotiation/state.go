package negotiation

import (
	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/lichon/screen-share-cli/internal/media"
)

// State of the negotiation.
type State int32

const (
	Idle State = iota
	AcquiringMedia
	Offering
	Answering
	Negotiated
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AcquiringMedia:
		return "acquiring-media"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Negotiated:
		return "negotiated"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// event is anything the dispatch loop reacts to.
type event interface {
	isEvent()
}

type startEvent struct {
	cfg *config.Config
}

type mediaEvent struct {
	stream *media.Stream
	err    error
}

// gatheredEvent and timeoutEvent race to send the local descriptor.
type gatheredEvent struct{}

type timeoutEvent struct{}

type remoteAnswerEvent struct {
	sdp string
}

type remoteOfferEvent struct {
	sdp string
}

func (startEvent) isEvent()        {}
func (mediaEvent) isEvent()        {}
func (gatheredEvent) isEvent()     {}
func (timeoutEvent) isEvent()      {}
func (remoteAnswerEvent) isEvent() {}
func (remoteOfferEvent) isEvent()  {}
