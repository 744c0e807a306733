package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lichon/screen-share-cli/internal/dns"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// WebSocketTransport carries frames to a host listening on a websocket.
// Outbound frames are text messages, one frame each. Inbound text messages
// use the frame codec, binary messages are msgpack.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// DialWebSocket connects to the host at rawURL.
func DialWebSocket(ctx context.Context, rawURL string, resolver *dns.Resolver) (*WebSocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid host URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid host URL scheme %q", u.Scheme)
	}

	dialer := *websocket.DefaultDialer
	if resolver != nil {
		dialer.NetDialContext = resolver.DialContext
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := &WebSocketTransport{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.pingPump()
	return t, nil
}

// pingPump keeps the connection alive while the host is quiet, which is
// most of the session once the answer has arrived.
func (t *WebSocketTransport) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) WriteFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WebSocketTransport) ReadMessage() (*Message, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch kind {
		case websocket.BinaryMessage:
			var msg Message
			if err := msgpack.Unmarshal(data, &msg); err != nil {
				continue
			}
			return &msg, nil
		case websocket.TextMessage:
			for _, line := range strings.Split(string(data), "\n") {
				if msg, ok := ParseLine(line); ok {
					return msg, nil
				}
			}
		}
	}
}

// Close says goodbye to the host and drops the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}
