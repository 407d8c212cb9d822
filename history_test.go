package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHistoryFetch(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("decodes a page and passes paging params", func(t *testing.T) {
		var gotPath, gotLimit, gotOffset, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotLimit = r.URL.Query().Get("limit")
			gotOffset = r.URL.Query().Get("offset")
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(HistoryPage{
				ContextID: "room-1",
				Messages: []Message{
					{ID: "m-1", ContextID: "room-1", SenderID: "alice", Body: TextBody("one"), CreatedAt: base},
					{ID: "m-2", ContextID: "room-1", SenderID: "bob", Body: TextBody("two"), CreatedAt: base.Add(time.Second)},
				},
				HasMore: true,
			})
		}))
		defer srv.Close()

		c := NewHistoryClient(srv.URL, "tok-123")
		page, err := c.FetchHistory(context.Background(), "room-1", 50, 100)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if gotPath != "/api/contexts/room-1/messages" {
			t.Fatalf("wrong path %s", gotPath)
		}
		if gotLimit != "50" || gotOffset != "100" {
			t.Fatalf("paging params not passed: limit=%s offset=%s", gotLimit, gotOffset)
		}
		if gotAuth != "Bearer tok-123" {
			t.Fatalf("missing bearer token, got %q", gotAuth)
		}
		if len(page.Messages) != 2 || !page.HasMore {
			t.Fatalf("unexpected page %+v", page)
		}
		if page.Messages[0].ID != "m-1" || page.Messages[1].Body.Text != "two" {
			t.Fatalf("unexpected messages %+v", page.Messages)
		}
	})

	t.Run("missing context is a typed fault", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		c := NewHistoryClient(srv.URL, "")
		_, err := c.FetchHistory(context.Background(), "room-gone", 0, 0)
		if FaultCode(err) != FaultTargetMissing {
			t.Fatalf("expected target_not_found, got %v", err)
		}
	})

	t.Run("rate limiting surfaces without retry", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewHistoryClient(srv.URL, "")
		_, err := c.FetchHistory(context.Background(), "room-1", 0, 0)
		if FaultCode(err) != FaultThrottled {
			t.Fatalf("expected throttled, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("throttled request must not be retried, got %d calls", calls)
		}
	})

	t.Run("server errors are plain errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewHistoryClient(srv.URL, "")
		_, err := c.FetchHistory(context.Background(), "room-1", 0, 0)
		if err == nil {
			t.Fatal("expected an error")
		}
		if FaultCode(err) != "" {
			t.Fatalf("a 500 is not a typed fault: %v", err)
		}
	})
}

func TestHistoryLookupContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/contexts/GOLF" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Context{ID: "room-42", Kind: KindRoom, Code: "GOLF", Name: "general"})
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "")
	ctx, err := c.LookupContext(context.Background(), "GOLF")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if ctx.ID != "room-42" || ctx.Kind != KindRoom {
		t.Fatalf("unexpected context %+v", ctx)
	}

	if _, err := c.LookupContext(context.Background(), "NOPE"); FaultCode(err) != FaultTargetMissing {
		t.Fatalf("expected target_not_found, got %v", err)
	}
}

func TestHistoryCreateContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/contexts" {
			http.NotFound(w, r)
			return
		}
		var req CreateContextPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Context{ID: "room-77", Kind: req.Kind, Name: req.Name})
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "")
	ctx, err := c.CreateContext(context.Background(), CreateContextPayload{Kind: KindRoom, Name: "new-room"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ctx.ID != "room-77" || ctx.Name != "new-room" {
		t.Fatalf("unexpected context %+v", ctx)
	}
}

func TestHistoryParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ParticipantsPayload{
			ContextID: "room-1",
			Participants: []Participant{
				{UserID: "u-1", DisplayName: "Alice", Status: StatusOnline},
				{UserID: "u-2", DisplayName: "Bob"},
			},
		})
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, "")
	parts, err := c.Participants(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("participants failed: %v", err)
	}
	if len(parts) != 2 || parts[0].DisplayName != "Alice" {
		t.Fatalf("unexpected participants %+v", parts)
	}
}
