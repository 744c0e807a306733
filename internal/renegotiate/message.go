package renegotiate

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	typeOffer  = "offer"
	typeAnswer = "answer"
)

// Message is a decoded data-channel message: *OfferMessage or
// *UnknownMessage.
type Message interface {
	isMessage()
}

// OfferMessage asks for a new secondary connection.
type OfferMessage struct {
	SDP string
}

// UnknownMessage is anything else, including undecodable input. It is
// never acted on.
type UnknownMessage struct {
	Type string
	Raw  []byte
	Err  error
}

func (*OfferMessage) isMessage()   {}
func (*UnknownMessage) isMessage() {}

// description is the wire shape of a session description, as browsers
// serialize RTCSessionDescription.
type description struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

// ParseChannelMessage decodes a data-channel payload. Text payloads are
// JSON, binary ones msgpack.
func ParseChannelMessage(data []byte, isString bool) Message {
	var d description
	var err error
	if isString {
		err = json.Unmarshal(data, &d)
	} else {
		err = msgpack.Unmarshal(data, &d)
	}

	switch {
	case err != nil:
		return &UnknownMessage{Raw: data, Err: err}
	case d.Type == typeOffer && d.SDP != "":
		return &OfferMessage{SDP: d.SDP}
	default:
		return &UnknownMessage{Type: d.Type, Raw: data}
	}
}

// encodeAnswer produces the reply in the encoding the offer came in.
func encodeAnswer(sdp string, isString bool) ([]byte, error) {
	d := description{Type: typeAnswer, SDP: sdp}
	if isString {
		return json.Marshal(d)
	}
	return msgpack.Marshal(d)
}
