package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// echoGateway answers "{}" with "{}" and echoes everything else prefixed
// with "echo:".
func echoGateway(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	protocols := make(chan string, 4)
	upgrader := websocket.Upgrader{Subprotocols: []string{"lc.json.3"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		protocols <- ws.Subprotocol()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			reply := string(data)
			if reply != "{}" {
				reply = "echo:" + reply
			}
			if err := ws.WriteMessage(mt, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, protocols
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, protocols := echoGateway(t)

	c := New(Config{Logger: zap.NewNop()})
	defer c.Close()
	msgs := collect(c, EventMessage)

	c.SendText("{}")
	c.SendText("hello")
	c.Connect(wsURL(srv), "lc.json.3")

	select {
	case p := <-protocols:
		if p != "lc.json.3" {
			t.Errorf("negotiated subprotocol = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never saw a connection")
	}

	// The pong for "{}" is absorbed, so the first message is the echo.
	ev := recv(t, msgs)
	if got := ev.Frame.Text(); got != "echo:hello" {
		t.Fatalf("message = %q, want echo:hello", got)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := &WebSocketDialer{HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background(), wsURL(srv), "json")
	if err == nil {
		t.Fatal("expected error dialing a non-websocket endpoint")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("err = %v, want the HTTP status", err)
	}
}

func TestWebSocketBinaryFrames(t *testing.T) {
	srv, _ := echoGateway(t)

	d := &WebSocketDialer{}
	sock, err := d.Dial(context.Background(), wsURL(srv), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	if err := sock.WriteFrame(BinaryFrame([]byte{1, 2})); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err := sock.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !f.Binary {
		t.Error("reply lost the binary flag")
	}
	if got := f.Text(); got != "echo:\x01\x02" {
		t.Errorf("reply = %q", got)
	}
}

func TestWebSocketWriteAfterCloseFails(t *testing.T) {
	srv, _ := echoGateway(t)

	d := &WebSocketDialer{WriteTimeout: time.Second}
	sock, err := d.Dial(context.Background(), wsURL(srv), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sock.Close()

	if err := sock.WriteFrame(TextFrame("late")); err == nil {
		t.Fatal("WriteFrame on a closed socket returned nil")
	}
}
