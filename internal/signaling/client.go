package signaling

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/lichon/screen-share-cli/internal/config"
	"github.com/vmihailenco/msgpack/v5"
)

const maxLineSize = 1024 * 1024

var ErrChannelClosed = errors.New("signaling channel closed")

// Transport moves whole frames out to the host and whole messages in.
type Transport interface {
	WriteFrame(frame []byte) error
	ReadMessage() (*Message, error)
	Close() error
}

// Client is the out-of-band channel to the host process.
type Client struct {
	transport Transport
	incoming  chan *Message
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new channel client over transport
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		incoming:  make(chan *Message, 8),
		logger:    slog.Default().With("component", "signaling"),
	}
}

// Start begins reading inbound messages from the host.
func (c *Client) Start() {
	go c.readPump()
}

// readPump reads messages from the transport until it fails.
func (c *Client) readPump() {
	defer close(c.incoming)

	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				c.logger.Warn("host channel read failed", "error", err)
			}
			return
		}
		c.incoming <- msg
	}
}

// Send writes one complete frame to the host. Delivery is best effort: the
// host is trusted to be reading. Once the channel is closed every Send
// fails with ErrChannelClosed.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if err := c.transport.WriteFrame(EncodeFrame(f)); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	c.logger.Debug("frame sent", "type", f.Type)
	return nil
}

// SendClose writes the CLOSE frame and closes the channel in one step, so
// no other frame can slip in after it.
func (c *Client) SendClose(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true

	werr := c.transport.WriteFrame(EncodeFrame(CloseFrame(reason)))
	cerr := c.transport.Close()
	if werr != nil {
		return fmt.Errorf("write CLOSE frame: %w", werr)
	}
	return cerr
}

// Incoming returns the channel for receiving host messages.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Close closes the channel without a CLOSE frame.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// StreamTransport carries frames over a byte stream pair, stdin/stdout in
// production.
type StreamTransport struct {
	w     io.Writer
	codec string

	scanner *bufio.Scanner
	decoder *msgpack.Decoder
}

// NewStreamTransport reads host messages from r using codec and writes
// frames to w.
func NewStreamTransport(r io.Reader, w io.Writer, codec string) *StreamTransport {
	t := &StreamTransport{w: w, codec: codec}
	if codec == config.CodecMsgpack {
		t.decoder = msgpack.NewDecoder(r)
	} else {
		t.scanner = bufio.NewScanner(r)
		t.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	}
	return t
}

// WriteFrame writes the frame in a single call so it cannot interleave.
func (t *StreamTransport) WriteFrame(frame []byte) error {
	_, err := t.w.Write(frame)
	return err
}

func (t *StreamTransport) ReadMessage() (*Message, error) {
	if t.decoder != nil {
		var msg Message
		if err := t.decoder.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	for t.scanner.Scan() {
		if msg, ok := ParseLine(t.scanner.Text()); ok {
			return msg, nil
		}
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close is a no-op: the process does not own stdin/stdout.
func (t *StreamTransport) Close() error {
	return nil
}
