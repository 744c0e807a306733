package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lichon/screen-share-cli/internal/dns"
	"github.com/vmihailenco/msgpack/v5"
)

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		received <- string(data)

		conn.WriteMessage(websocket.TextMessage, EncodeFrame(AnswerFrame("v=0 from host")))

		closeMsg, _ := NewMessage(MessageTypeClose, "host says bye")
		raw, _ := msgpack.Marshal(closeMsg)
		conn.WriteMessage(websocket.BinaryMessage, raw)

		// wait for the client close
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := DialWebSocket(ctx, url, dns.NewResolver())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}

	client := NewClient(transport)
	client.Start()

	if err := client.Send(OfferFrame("v=0 offer")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if d := DecodeDescriptor([]byte(got)); d.Kind != KindOffer || d.SDP != "v=0 offer" {
			t.Errorf("host received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host did not receive the offer")
	}

	msg := <-client.Incoming()
	if text, _ := msg.Text(); msg.Type != MessageTypeAnswer || text != "v=0 from host" {
		t.Errorf("first message = %s %q", msg.Type, text)
	}
	msg = <-client.Incoming()
	if text, _ := msg.Text(); msg.Type != MessageTypeClose || text != "host says bye" {
		t.Errorf("second message = %s %q", msg.Type, text)
	}

	if err := client.SendClose("user-closed"); err != nil {
		t.Logf("SendClose: %v", err)
	}
}

func TestDialWebSocketRejectsBadScheme(t *testing.T) {
	if _, err := DialWebSocket(context.Background(), "http://example.com", nil); err == nil {
		t.Fatal("expected error for http scheme")
	}
}
