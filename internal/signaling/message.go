package signaling

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Message represents all inbound messages from the host.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Message type constants.
const (
	MessageTypeStart  = "start"
	MessageTypeAnswer = "answer"
	MessageTypeOffer  = "offer"
	MessageTypeClose  = "close"
)

// DecodePayload decodes the message payload into the provided value
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return msgpack.Unmarshal(m.Payload, v)
}

// Text decodes a string payload. Answer, offer and close messages carry
// plain text.
func (m Message) Text() (string, error) {
	var s string
	if err := m.DecodePayload(&s); err != nil {
		return "", err
	}
	return s, nil
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (*Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:    t,
		Payload: b,
	}, nil
}

// ParseLine turns one line of the frame codec into a host message. Besides
// full frames it accepts a bare base64 session description, which is what a
// person pasting an answer into the terminal produces.
func ParseLine(line string) (*Message, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	if f, ok := DecodeFrame([]byte(line)); ok {
		return frameMessage(f)
	}

	if sdp, ok := decodeBase64(line); ok && strings.HasPrefix(sdp, "v=") {
		return frameMessage(AnswerFrame(sdp))
	}
	return nil, false
}

func frameMessage(f Frame) (*Message, bool) {
	var t string
	switch f.Type {
	case FrameAnswer:
		t = MessageTypeAnswer
	case FrameOffer:
		t = MessageTypeOffer
	case FrameClose:
		t = MessageTypeClose
	default:
		return nil, false
	}
	msg, err := NewMessage(t, f.Text)
	if err != nil {
		return nil, false
	}
	return msg, true
}
