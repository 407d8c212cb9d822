package chatsync

import (
	"sync"
	"testing"
	"time"
)

func staticLookup(senders map[string]string) SenderLookup {
	return func(messageID string) (string, bool) {
		s, ok := senders[messageID]
		return s, ok
	}
}

func TestLedgerMarkRead(t *testing.T) {
	senders := map[string]string{"m-1": "alice", "m-2": "bob"}

	t.Run("at most once per reader", func(t *testing.T) {
		l := NewReceiptLedger(staticLookup(senders), nil)
		if !l.MarkRead("m-1", "bob", "Bob", time.Now()) {
			t.Fatal("first mark should add an entry")
		}
		if l.MarkRead("m-1", "bob", "Bob", time.Now()) {
			t.Fatal("second mark should be a no-op")
		}
		if got := len(l.WhoRead("m-1")); got != 1 {
			t.Fatalf("expected exactly one receipt, got %d", got)
		}
	})

	t.Run("suppresses self reads", func(t *testing.T) {
		l := NewReceiptLedger(staticLookup(senders), nil)
		if l.MarkRead("m-1", "alice", "Alice", time.Now()) {
			t.Fatal("sender reading own message must not produce a receipt")
		}
		if got := len(l.WhoRead("m-1")); got != 0 {
			t.Fatalf("expected no receipts, got %d", got)
		}
	})

	t.Run("distinct readers accumulate in order", func(t *testing.T) {
		l := NewReceiptLedger(staticLookup(senders), nil)
		l.MarkRead("m-1", "bob", "Bob", time.Now())
		l.MarkRead("m-1", "carol", "Carol", time.Now())
		got := l.WhoRead("m-1")
		if len(got) != 2 || got[0].ReaderID != "bob" || got[1].ReaderID != "carol" {
			t.Fatalf("unexpected receipts %+v", got)
		}
	})

	t.Run("bulk returns only fresh ids", func(t *testing.T) {
		l := NewReceiptLedger(staticLookup(senders), nil)
		l.MarkRead("m-2", "carol", "Carol", time.Now())
		added := l.MarkAllRead([]string{"m-1", "m-2"}, "carol", "Carol", time.Now())
		if len(added) != 1 || added[0] != "m-1" {
			t.Fatalf("expected only m-1 added, got %v", added)
		}
	})

	t.Run("empty ids are ignored", func(t *testing.T) {
		l := NewReceiptLedger(nil, nil)
		if l.MarkRead("", "bob", "Bob", time.Now()) {
			t.Fatal("empty message id should not record")
		}
		if l.MarkRead("m-1", "", "Bob", time.Now()) {
			t.Fatal("empty reader id should not record")
		}
	})
}

func TestLedgerScheduleAutoRead(t *testing.T) {
	reader := Identity{UserID: "me", DisplayName: "Me"}
	mkMsgs := func() []Message {
		return []Message{
			{ID: "m-1", SenderID: "alice", Body: TextBody("a")},
			{ID: "m-2", SenderID: "me", Body: TextBody("mine")},
			{ID: localIDPrefix + "x", SenderID: "alice", Body: TextBody("pending")},
			{ID: "m-3", SenderID: "bob", Body: TextBody("b"), Deleted: true},
			{ID: "m-4", SenderID: "bob", Body: TextBody("c")},
		}
	}

	t.Run("fires after settle delay with filtered ids", func(t *testing.T) {
		l := NewReceiptLedger(nil, &LedgerOptions{SettleDelay: 20 * time.Millisecond})

		var mu sync.Mutex
		var got []string
		done := make(chan struct{})
		l.ScheduleAutoRead("room-1", mkMsgs(), reader, func(ids []string) {
			mu.Lock()
			got = ids
			mu.Unlock()
			close(done)
		})

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("auto-read never fired")
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 2 || got[0] != "m-1" || got[1] != "m-4" {
			t.Fatalf("expected [m-1 m-4], got %v", got)
		}
	})

	t.Run("cancel prevents firing", func(t *testing.T) {
		l := NewReceiptLedger(nil, &LedgerOptions{SettleDelay: 20 * time.Millisecond})
		fired := make(chan struct{}, 1)
		l.ScheduleAutoRead("room-1", mkMsgs(), reader, func([]string) {
			fired <- struct{}{}
		})
		l.CancelAutoRead("room-1")

		select {
		case <-fired:
			t.Fatal("cancelled auto-read must not fire")
		case <-time.After(80 * time.Millisecond):
		}
	})

	t.Run("reschedule replaces the pending timer", func(t *testing.T) {
		l := NewReceiptLedger(nil, &LedgerOptions{SettleDelay: 30 * time.Millisecond})
		var mu sync.Mutex
		count := 0
		for i := 0; i < 3; i++ {
			l.ScheduleAutoRead("room-1", mkMsgs(), reader, func([]string) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}
		time.Sleep(120 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if count != 1 {
			t.Fatalf("expected one firing, got %d", count)
		}
	})

	t.Run("nothing to mark means no timer", func(t *testing.T) {
		l := NewReceiptLedger(nil, &LedgerOptions{SettleDelay: 10 * time.Millisecond})
		l.ScheduleAutoRead("room-1", []Message{{ID: "m-2", SenderID: "me", Body: TextBody("mine")}}, reader, func([]string) {
			t.Error("should not fire for own messages")
		})
		time.Sleep(50 * time.Millisecond)
	})
}

func TestLedgerReset(t *testing.T) {
	l := NewReceiptLedger(nil, nil)
	l.MarkRead("m-1", "bob", "Bob", time.Now())
	l.Reset()
	if len(l.WhoRead("m-1")) != 0 {
		t.Fatal("reset should drop receipts")
	}
	if l.HasRead("m-1", "bob") {
		t.Fatal("reset should drop the seen set")
	}
}
