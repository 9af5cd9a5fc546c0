package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/lmkapp/lmk/internal/errors"
	"github.com/lmkapp/lmk/internal/rpc"
)

// echoHost acks every request and answers it with success, and records the
// Authorization header of the handshake.
func echoHost(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth <- r.Header.Get("Authorization")
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// Garbage first; the client must skip it.
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`))

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := rpc.ParseFrame(data)
			if err != nil || f.Type != rpc.FrameRequest {
				continue
			}
			_ = ws.WriteJSON(rpc.NewAckFrame(f.CorrelationID))
			resp, _ := rpc.NewSuccessFrame(f.CorrelationID, nil)
			_ = ws.WriteJSON(resp)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextFrame(t *testing.T, c *Conn) rpc.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("frames channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return rpc.Frame{}
	}
}

// TestConnRoundTrip verifies frames flow both ways and malformed inbound
// frames are skipped.
func TestConnRoundTrip(t *testing.T) {
	auth := make(chan string, 1)
	srv := echoHost(t, auth)

	c, err := Dial(context.Background(), wsURL(srv), DialOptions{Token: "tok"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := <-auth; got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}

	req := rpc.NewRequestFrame(rpc.Request{CorrelationID: "id-1", Method: rpc.MethodCancelAuth})
	if err := c.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ack := nextFrame(t, c)
	if ack.Type != rpc.FrameAck || ack.CorrelationID != "id-1" {
		t.Errorf("first frame = %+v, want ack", ack)
	}
	resp := nextFrame(t, c)
	if resp.Type != rpc.FrameResponse || !resp.Response().Success {
		t.Errorf("second frame = %+v, want success response", resp)
	}
}

// TestConnSendAfterClose verifies Send reports transport.unavailable.
func TestConnSendAfterClose(t *testing.T) {
	srv := echoHost(t, nil)
	c, err := Dial(context.Background(), wsURL(srv), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
	c.Close()

	err = c.Send(context.Background(), rpc.NewAckFrame("x"))
	if !apperrors.IsCode(err, apperrors.CodeTransportUnavailable) {
		t.Fatalf("Send after Close = %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

// TestDialFailure verifies an unreachable host is transport.unavailable.
func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", DialOptions{})
	if !apperrors.IsCode(err, apperrors.CodeTransportUnavailable) {
		t.Fatalf("Dial error = %v", err)
	}
}

// TestServerCloseEndsFrames verifies the frames channel closes when the
// host hangs up.
func TestServerCloseEndsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		ws.Close()
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case _, ok := <-c.Frames():
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frames not closed after host hung up")
	}
}

// TestCloseFlushesQueued verifies frames sent just before Close reach the
// host.
func TestCloseFlushesQueued(t *testing.T) {
	got := make(chan rpc.Frame, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if f, err := rpc.ParseFrame(data); err == nil {
				got <- f
			}
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	for _, v := range []string{"a", "b", "c"} {
		f, _ := rpc.NewUpdateFrame("notebook_name", v)
		if err := c.Send(context.Background(), f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	c.Close()

	for i := 0; i < 3; i++ {
		select {
		case f := <-got:
			if f.Type != rpc.FrameUpdate {
				t.Errorf("frame %d type = %s", i, f.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("host received %d of 3 frames", i)
		}
	}
}
