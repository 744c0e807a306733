package signaling

import (
	"log/slog"

	"github.com/lichon/screen-share-cli/internal/config"
)

// Handler routes inbound host messages to typed channels.
type Handler struct {
	client         *Client
	StartRequested chan config.Options
	AnswerReceived chan string
	OfferReceived  chan string
	CloseRequested chan string
	logger         *slog.Logger
}

// NewHandler creates a new message handler.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:         client,
		StartRequested: make(chan config.Options, 1),
		AnswerReceived: make(chan string, 4),
		OfferReceived:  make(chan string, 4),
		CloseRequested: make(chan string, 1),
		logger:         slog.Default().With("component", "signaling"),
	}
}

// Run routes incoming messages until the host channel ends. The typed
// channels are closed when it returns.
func (h *Handler) Run() {
	defer h.close()

	for msg := range h.client.Incoming() {
		switch msg.Type {

		case MessageTypeStart:
			h.handleStart(msg)

		case MessageTypeAnswer:
			h.handleText(msg, h.AnswerReceived)

		case MessageTypeOffer:
			h.handleText(msg, h.OfferReceived)

		case MessageTypeClose:
			h.handleClose(msg)

		default:
			h.logger.Debug("ignoring host message", "type", msg.Type)
		}
	}
	h.logger.Info("host channel closed")
}

// handleStart decodes the options on top of the defaults, so a host that
// only sends what it changed gets the documented defaults for the rest.
func (h *Handler) handleStart(msg *Message) {
	opts := config.DefaultOptions()
	if err := msg.DecodePayload(&opts); err != nil {
		h.logger.Warn("failed to parse start payload", "error", err)
		return
	}
	select {
	case h.StartRequested <- opts:
	default:
		h.logger.Warn("duplicate start message ignored")
	}
}

// handleText never blocks: a host that floods descriptors nobody is
// reading would otherwise stall start and close behind them.
func (h *Handler) handleText(msg *Message, out chan string) {
	text, err := msg.Text()
	if err != nil || text == "" {
		h.logger.Warn("failed to parse host message", "type", msg.Type, "error", err)
		return
	}
	select {
	case out <- text:
	default:
		h.logger.Warn("host message dropped, receiver busy", "type", msg.Type)
	}
}

// handleClose forwards the host's reason; an empty reason is still a close.
func (h *Handler) handleClose(msg *Message) {
	text, err := msg.Text()
	if err != nil {
		h.logger.Warn("failed to parse close reason", "error", err)
	}
	select {
	case h.CloseRequested <- text:
	default:
	}
}

func (h *Handler) close() {
	close(h.StartRequested)
	close(h.AnswerReceived)
	close(h.OfferReceived)
	close(h.CloseRequested)
}
