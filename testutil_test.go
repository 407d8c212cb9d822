package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// fakeChannel is an in-process Channel for driving the session core in tests.
// Inbound events are injected with inject(); outbound emits are recorded.
type fakeChannel struct {
	mu            sync.Mutex
	connected     bool
	everConnected bool
	handlers      map[string][]Handler
	emitted       []Envelope
	emitErr       error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]Handler)}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	first := !f.everConnected
	f.everConnected = true
	f.mu.Unlock()
	if first {
		f.dispatch(EvEstablished, nil)
	} else {
		f.dispatch(EvReconnected, nil)
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) On(event string, h Handler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeChannel) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, Envelope{Event: event, Data: raw})
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// inject delivers an inbound event to registered handlers, in order, on the
// caller's goroutine — matching the single ordered inbound stream.
func (f *fakeChannel) inject(t *testing.T, event string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("inject %s: %v", event, err)
		}
		raw = b
	}
	f.dispatch(event, raw)
}

func (f *fakeChannel) dispatch(event string, data json.RawMessage) {
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

// dropLink simulates a transport loss.
func (f *fakeChannel) dropLink() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.dispatch(EvLost, nil)
}

func (f *fakeChannel) countEmits(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) lastEmit(t *testing.T, event string, v any) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].Event == event {
			if v != nil {
				if err := json.Unmarshal(f.emitted[i].Data, v); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return true
		}
	}
	return false
}
