package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustFrame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return frame
}

func TestWSChannelConnectAndDispatch(t *testing.T) {
	frames := [][]byte{
		[]byte(`{broken`), // must be dropped without killing the stream
		mustFrame(t, EvMessageNew, MessageNewPayload{Message: Message{
			ID: "m-1", ContextID: "room-1", SenderID: "alice", Body: TextBody("one"),
		}}),
		mustFrame(t, EvMessageNew, MessageNewPayload{Message: Message{
			ID: "m-2", ContextID: "room-1", SenderID: "alice", Body: TextBody("two"),
		}}),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, f); err != nil {
				return
			}
		}
		conn.Read(ctx) // hold the link open until the client closes
	}))
	defer srv.Close()

	ch := NewWSChannel(wsURL(srv), nil)
	defer ch.Close()

	events := make(chan string, 8)
	ch.On(EvEstablished, func(json.RawMessage) { events <- EvEstablished })
	ch.On(EvMessageNew, func(data json.RawMessage) {
		var p MessageNewPayload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("decode dispatched payload: %v", err)
			return
		}
		events <- p.Message.ID
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !ch.IsConnected() {
		t.Fatal("channel should report connected")
	}

	want := []string{EvEstablished, "m-1", "m-2"}
	for _, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("out of order: got %s want %s", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}

	// A second Connect while up is a no-op, not a second handshake.
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("re-connect should be a no-op: %v", err)
	}
}

func TestWSChannelEmit(t *testing.T) {
	got := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			got <- env
		}
		conn.Read(ctx)
	}))
	defer srv.Close()

	ch := NewWSChannel(wsURL(srv), nil)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	err := ch.Emit(EvSendMessage, SendMessagePayload{
		ContextID: "room-1",
		ClientID:  "local-abc",
		SenderID:  "me",
		Body:      TextBody("hello"),
	})
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	select {
	case env := <-got:
		if env.Event != EvSendMessage {
			t.Fatalf("wrong event on the wire: %s", env.Event)
		}
		var p SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("decode wire payload: %v", err)
		}
		if p.ClientID != "local-abc" || p.Body.Text != "hello" {
			t.Fatalf("unexpected wire payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestWSChannelEmitFaults(t *testing.T) {
	t.Run("down channel rejects", func(t *testing.T) {
		ch := NewWSChannel("ws://127.0.0.1:0", nil)
		err := ch.Emit(EvSendMessage, SendMessagePayload{ContextID: "room-1"})
		if FaultCode(err) != FaultNotConnected {
			t.Fatalf("expected not_connected, got %v", err)
		}
	})

	t.Run("outbound limiter throttles", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			for {
				if _, _, err := conn.Read(r.Context()); err != nil {
					return
				}
			}
		}))
		defer srv.Close()

		ch := NewWSChannel(wsURL(srv), &ChannelOptions{
			OutboundRate:  rate.Limit(1),
			OutboundBurst: 1,
		})
		defer ch.Close()
		if err := ch.Connect(context.Background()); err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		if err := ch.Emit(EvSendMessage, SendMessagePayload{ContextID: "room-1", Body: TextBody("a")}); err != nil {
			t.Fatalf("first emit should pass: %v", err)
		}
		err := ch.Emit(EvSendMessage, SendMessagePayload{ContextID: "room-1", Body: TextBody("b")})
		if FaultCode(err) != FaultThrottled {
			t.Fatalf("expected throttled, got %v", err)
		}
	})
}

func TestWSChannelReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Kill the first connection immediately.
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ch := NewWSChannel(wsURL(srv), &ChannelOptions{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	defer ch.Close()

	lost := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	ch.On(EvLost, func(json.RawMessage) { lost <- struct{}{} })
	ch.On(EvReconnected, func(json.RawMessage) { reconnected <- struct{}{} })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("loss never signalled")
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never completed")
	}
	if !ch.IsConnected() {
		t.Fatal("channel should be connected after reconnect")
	}
}

func TestWSChannelClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ch := NewWSChannel(wsURL(srv), &ChannelOptions{AutoReconnect: true})
	lostCount := 0
	var mu sync.Mutex
	ch.On(EvLost, func(json.RawMessage) {
		mu.Lock()
		lostCount++
		mu.Unlock()
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if ch.IsConnected() {
		t.Fatal("channel should be down after close")
	}
	if err := ch.Emit(EvSendMessage, nil); FaultCode(err) != FaultNotConnected {
		t.Fatalf("expected not_connected after close, got %v", err)
	}

	// Intentional close must not look like a transport loss.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if lostCount != 0 {
		t.Fatalf("close dispatched %d loss events", lostCount)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	t.Run("delays grow and cap", func(t *testing.T) {
		r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: 300 * time.Millisecond}

		first := r.nextDelay()
		if first < 100*time.Millisecond || first > 150*time.Millisecond {
			t.Fatalf("first delay out of range: %v", first)
		}
		second := r.nextDelay()
		if second < 200*time.Millisecond || second > 250*time.Millisecond {
			t.Fatalf("second delay out of range: %v", second)
		}
		third := r.nextDelay()
		if third != 300*time.Millisecond {
			t.Fatalf("third delay should hit the cap, got %v", third)
		}
	})

	t.Run("attempt limit", func(t *testing.T) {
		r := &reconnector{baseDelay: time.Millisecond, maxDelay: time.Millisecond, maxAttempts: 2}
		if !r.shouldReconnect() {
			t.Fatal("fresh reconnector should allow attempts")
		}
		r.nextDelay()
		r.nextDelay()
		if r.shouldReconnect() {
			t.Fatal("attempts should be exhausted")
		}
		r.reset()
		if !r.shouldReconnect() {
			t.Fatal("reset should re-arm the reconnector")
		}
	})

	t.Run("unlimited when max is zero", func(t *testing.T) {
		r := &reconnector{baseDelay: time.Millisecond, maxDelay: time.Millisecond}
		for i := 0; i < 50; i++ {
			r.nextDelay()
		}
		if !r.shouldReconnect() {
			t.Fatal("zero maxAttempts means unlimited")
		}
	})
}
