package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var upgrader = websocket.Upgrader{}

// wsServer runs a scripted socket-mode endpoint and records acks.
func wsServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionReceivesAndAcksEvents(t *testing.T) {
	acks := make(chan string, 4)
	wsURL := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "hello"})
		conn.WriteJSON(map[string]any{
			"envelope_id": "env-1",
			"type":        "events_api",
			"payload": map[string]any{
				"event_id": "Ev123",
				"event": map[string]any{
					"type":      "app_mention",
					"channel":   "C1",
					"user":      "U1",
					"text":      "<@U0BOT> revenue",
					"ts":        "1.0",
					"thread_ts": "0.5",
				},
			},
		})

		var a ack
		if err := conn.ReadJSON(&a); err != nil {
			t.Errorf("reading ack failed: %v", err)
			return
		}
		acks <- a.EnvelopeID

		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	s := NewSession(SessionConfig{WSURL: wsURL})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case ev := <-s.Events():
		if ev.ID != "Ev123" {
			t.Errorf("event id = %q, want Ev123", ev.ID)
		}
		if ev.Kind != "app_mention" || ev.Channel != "C1" || ev.ThreadTS != "0.5" {
			t.Errorf("event not normalized: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case id := <-acks:
		if id != "env-1" {
			t.Errorf("acked %q, want env-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was never acked")
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	// The event channel closes when Run exits.
	if _, ok := <-s.Events(); ok {
		t.Error("events channel should be closed after Run returns")
	}
}

func TestSessionFallsBackToEnvelopeID(t *testing.T) {
	wsURL := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"envelope_id": "env-only",
			"type":        "events_api",
			"payload": map[string]any{
				"event": map[string]any{"type": "message", "channel": "C1", "user": "U1", "text": "hi", "ts": "1.0"},
			},
		})
		conn.ReadMessage() // ack
		conn.ReadMessage() // block until close
	})

	s := NewSession(SessionConfig{WSURL: wsURL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case ev := <-s.Events():
		if ev.ID != "env-only" {
			t.Errorf("event id = %q, want the envelope id", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	cancel()
	<-done
}

func TestSessionReconnectsAfterDisconnectEnvelope(t *testing.T) {
	connects := make(chan struct{}, 4)
	wsURL := wsServer(t, func(conn *websocket.Conn) {
		connects <- struct{}{}
		conn.WriteJSON(map[string]any{"type": "disconnect", "reason": "refresh_requested"})
	})

	s := NewSession(SessionConfig{WSURL: wsURL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-connects:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
	cancel()
	<-done
}

func TestReconnectDelayBounds(t *testing.T) {
	for _, backoff := range []time.Duration{backoffBase, 4 * time.Second, backoffCap} {
		for i := 0; i < 200; i++ {
			d := reconnectDelay(backoff)
			if d < backoff/2 || d > backoff {
				t.Fatalf("delay %v for backoff %v, want within [%v, %v]", d, backoff, backoff/2, backoff)
			}
		}
	}
}

func TestNextBackoffDoublesUpToCeiling(t *testing.T) {
	backoff := backoffBase
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		backoff = nextBackoff(backoff)
		if backoff != w {
			t.Fatalf("step %d: backoff = %v, want %v", i, backoff, w)
		}
	}
}

func TestConnectOnceReportsHealthyConnection(t *testing.T) {
	wsURL := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "hello"})
	})

	s := NewSession(SessionConfig{WSURL: wsURL})
	connected, err := s.connectOnce(context.Background())
	if !connected {
		t.Error("a session that saw hello must report connected, resetting the backoff")
	}
	if err == nil {
		t.Error("an abrupt close after hello should surface the read error")
	}
}

func TestConnectOnceDialFailureNotConnected(t *testing.T) {
	s := NewSession(SessionConfig{WSURL: "ws://127.0.0.1:1/socket"})
	connected, err := s.connectOnce(context.Background())
	if connected {
		t.Error("a failed dial must not count as connected")
	}
	if err == nil {
		t.Error("dial failure must return an error")
	}
}

func TestOpenConnectionRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer xapp-token" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv.Close()

	s := NewSession(SessionConfig{AppToken: "xapp-token", APIBase: srv.URL})
	_, err := s.openConnection(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("got %v, want invalid_auth rejection", err)
	}
}
