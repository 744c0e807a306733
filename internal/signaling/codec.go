package signaling

import (
	"bytes"
	"encoding/base64"
	"strings"
	"unicode"
)

// Frames are framed with an OSC-like escape so a host that is also
// forwarding the terminal can pick them out of the byte stream.
const (
	framePrefix = "\x1b9\x07::SSC:"
	frameSuffix = ".\r\n"
)

// FrameType is the tag that follows the frame prefix.
type FrameType string

const (
	FrameOffer  FrameType = "OFFER"
	FrameAnswer FrameType = "ANSWER"
	FrameClose  FrameType = "CLOSE"
)

// Kind says whether a descriptor proposes or accepts a session.
type Kind int

const (
	KindNone Kind = iota
	KindOffer
	KindAnswer
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	default:
		return "none"
	}
}

// Descriptor is an offer or answer session description.
type Descriptor struct {
	Kind Kind
	SDP  string
}

// IsZero reports whether d is the absent descriptor.
func (d Descriptor) IsZero() bool {
	return d.Kind == KindNone && d.SDP == ""
}

// Frame is one out-of-band message. Text holds the session description for
// OFFER and ANSWER, and the reason for CLOSE; encoding takes care of the
// base64 layer.
type Frame struct {
	Type FrameType
	Text string
}

func OfferFrame(sdp string) Frame {
	return Frame{Type: FrameOffer, Text: sdp}
}

func AnswerFrame(sdp string) Frame {
	return Frame{Type: FrameAnswer, Text: sdp}
}

func CloseFrame(reason string) Frame {
	return Frame{Type: FrameClose, Text: reason}
}

// Descriptor returns the descriptor carried by an OFFER or ANSWER frame.
func (f Frame) Descriptor() (Descriptor, bool) {
	switch f.Type {
	case FrameOffer:
		return Descriptor{Kind: KindOffer, SDP: f.Text}, true
	case FrameAnswer:
		return Descriptor{Kind: KindAnswer, SDP: f.Text}, true
	}
	return Descriptor{}, false
}

// EncodeFrame renders f as a single frame, terminator included.
func EncodeFrame(f Frame) []byte {
	var payload string
	if f.Type == FrameClose {
		payload = closeText(f.Text)
	} else {
		payload = base64.StdEncoding.EncodeToString([]byte(f.Text))
	}

	var b bytes.Buffer
	b.Grow(len(framePrefix) + len(f.Type) + 1 + len(payload) + len(frameSuffix))
	b.WriteString(framePrefix)
	b.WriteString(string(f.Type))
	b.WriteByte(':')
	b.WriteString(payload)
	b.WriteString(frameSuffix)
	return b.Bytes()
}

// closeText keeps a CLOSE reason on one line.
func closeText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// DecodeFrame parses one frame. Line endings and the trailing terminator
// are optional so both raw frames and scanner lines decode. It never fails
// loudly: anything malformed reports ok=false.
func DecodeFrame(raw []byte) (Frame, bool) {
	s := strings.TrimRight(string(raw), "\r\n")
	s, found := strings.CutPrefix(s, framePrefix)
	if !found {
		return Frame{}, false
	}
	s = strings.TrimSuffix(s, ".")

	tag, payload, found := strings.Cut(s, ":")
	if !found {
		return Frame{}, false
	}

	switch t := FrameType(tag); t {
	case FrameClose:
		return Frame{Type: t, Text: payload}, true
	case FrameOffer, FrameAnswer:
		sdp, ok := decodeBase64(payload)
		if !ok {
			return Frame{}, false
		}
		return Frame{Type: t, Text: sdp}, true
	}
	return Frame{}, false
}

// EncodeDescriptor renders d as an OFFER or ANSWER frame.
func EncodeDescriptor(d Descriptor) []byte {
	t := FrameOffer
	if d.Kind == KindAnswer {
		t = FrameAnswer
	}
	return EncodeFrame(Frame{Type: t, Text: d.SDP})
}

// DecodeDescriptor parses an OFFER or ANSWER frame. Malformed input and
// CLOSE frames decode to the absent descriptor.
func DecodeDescriptor(raw []byte) Descriptor {
	f, ok := DecodeFrame(raw)
	if !ok {
		return Descriptor{}
	}
	d, _ := f.Descriptor()
	return d
}

func decodeBase64(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}
