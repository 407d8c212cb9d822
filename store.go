package chatsync

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Change sets
// ============================================================================

// ChangeSet is the identity-based diff a mutation produced against the
// previous list. The presentation layer applies it as minimal updates: added
// messages render once, updated ones re-render in place, removed ones are
// excised. It is a return value, never a callback into presentation.
type ChangeSet struct {
	Added   []Message
	Updated []Message
	Removed []string
}

// Empty reports whether the mutation changed nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Updated) == 0 && len(cs.Removed) == 0
}

// MessagePatch replaces individual message fields. Nil fields are untouched.
type MessagePatch struct {
	Body     *Body
	EditedAt *time.Time
	Deleted  *bool
	State    *DeliveryState
	Readers  []Receipt // replaces the reader list when non-nil
}

// ============================================================================
// ContextStore
// ============================================================================

// ContextStore owns, per conversational context, an ordered message list,
// an unread counter and a cached snapshot. Messages are kept in
// non-decreasing CreatedAt order with stable insertion for ties. All writes
// are funneled through the session controller.
type ContextStore struct {
	mu        sync.RWMutex
	lists     map[string][]Message
	snapshots map[string][]Message
	unread    map[string]int
	log       zerolog.Logger
}

// NewContextStore creates an empty store.
func NewContextStore(log zerolog.Logger) *ContextStore {
	return &ContextStore{
		lists:     make(map[string][]Message),
		snapshots: make(map[string][]Message),
		unread:    make(map[string]int),
		log:       log,
	}
}

// AddMessage inserts msg in timestamp order. Idempotent: a second call with a
// known ID in that context is a no-op and returns an empty ChangeSet.
func (s *ContextStore) AddMessage(contextID string, msg Message) ChangeSet {
	if err := msg.validate(); err != nil {
		s.log.Warn().Err(err).Str("context", contextID).Msg("dropping invalid message")
		return ChangeSet{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[contextID]
	for _, m := range list {
		if m.ID == msg.ID {
			return ChangeSet{}
		}
	}

	idx := len(list)
	for idx > 0 && list[idx-1].CreatedAt.After(msg.CreatedAt) {
		idx--
	}
	list = append(list, Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	s.lists[contextID] = list

	return ChangeSet{Added: []Message{msg}}
}

// UpdateMessage applies patch to the message with the given ID and reports a
// diff for that message only. Unknown IDs are a no-op.
func (s *ContextStore) UpdateMessage(contextID, id string, patch MessagePatch) ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[contextID]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if patch.Body != nil {
			list[i].Body = *patch.Body
		}
		if patch.EditedAt != nil {
			t := *patch.EditedAt
			list[i].EditedAt = &t
		}
		if patch.Deleted != nil {
			list[i].Deleted = *patch.Deleted
		}
		if patch.State != nil {
			list[i].State = *patch.State
		}
		if patch.Readers != nil {
			list[i].Readers = patch.Readers
		}
		return ChangeSet{Updated: []Message{list[i]}}
	}
	return ChangeSet{}
}

// ReplaceMessage swaps the entry with oldID for msg, keeping its list
// position. Used by the reconciler to promote placeholder IDs. Returns false
// when oldID is unknown in that context.
func (s *ContextStore) ReplaceMessage(contextID, oldID string, msg Message) (ChangeSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[contextID]
	for i := range list {
		if list[i].ID == oldID {
			list[i] = msg
			return ChangeSet{Updated: []Message{msg}}, true
		}
	}
	return ChangeSet{}, false
}

// RemoveMessage deletes the entry regardless of delivery state. No tombstone
// is retained.
func (s *ContextStore) RemoveMessage(contextID, id string) ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[contextID]
	for i := range list {
		if list[i].ID == id {
			s.lists[contextID] = append(list[:i], list[i+1:]...)
			return ChangeSet{Removed: []string{id}}
		}
	}
	return ChangeSet{}
}

// SetMessages replaces a context's entire list, dropping structurally invalid
// entries. The returned ChangeSet is the identity diff against the previous
// list.
func (s *ContextStore) SetMessages(contextID string, msgs []Message) ChangeSet {
	kept := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if err := m.validate(); err != nil {
			s.log.Warn().Err(err).Str("context", contextID).Msg("dropping invalid history entry")
			continue
		}
		kept = append(kept, m)
	}
	sortMessages(kept)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lists[contextID]
	s.lists[contextID] = kept
	return diffLists(prev, kept)
}

// Messages returns a copy of a context's ordered list.
func (s *ContextStore) Messages(contextID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.lists[contextID]...)
}

// Get returns one message by ID.
func (s *ContextStore) Get(contextID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.lists[contextID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// SenderOf resolves a message ID to its sender across all contexts. IDs are
// unique within a context after reconciliation; server IDs do not collide
// across contexts in practice.
func (s *ContextStore) SenderOf(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.lists {
		for _, m := range list {
			if m.ID == messageID {
				return m.SenderID, true
			}
		}
	}
	return "", false
}

// Find returns the first message matching pred, scanning newest-first.
func (s *ContextStore) Find(contextID string, pred func(Message) bool) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[contextID]
	for i := len(list) - 1; i >= 0; i-- {
		if pred(list[i]) {
			return list[i], true
		}
	}
	return Message{}, false
}

// ============================================================================
// Snapshots
// ============================================================================

// SaveSnapshot caches a context's full list so navigating back needs no
// network re-fetch within the session.
func (s *ContextStore) SaveSnapshot(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[contextID] = append([]Message(nil), s.lists[contextID]...)
}

// RestoreSnapshot re-hydrates a context's list from its cached snapshot.
// Returns false (and leaves the list untouched) when no snapshot exists.
func (s *ContextStore) RestoreSnapshot(contextID string) (ChangeSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[contextID]
	if !ok {
		return ChangeSet{}, false
	}
	prev := s.lists[contextID]
	s.lists[contextID] = append([]Message(nil), snap...)
	return diffLists(prev, s.lists[contextID]), true
}

// ============================================================================
// Unread counters
// ============================================================================

// IncrementUnread bumps a non-current context's unread counter.
func (s *ContextStore) IncrementUnread(contextID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[contextID]++
	return s.unread[contextID]
}

// ResetUnread zeroes a context's unread counter.
func (s *ContextStore) ResetUnread(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, contextID)
}

// UnreadCount returns a context's unread counter.
func (s *ContextStore) UnreadCount(contextID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[contextID]
}

// Reset drops every list, snapshot and counter. Logout only.
func (s *ContextStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = make(map[string][]Message)
	s.snapshots = make(map[string][]Message)
	s.unread = make(map[string]int)
}

// ============================================================================
// Helpers
// ============================================================================

// sortMessages orders by CreatedAt, keeping the incoming order for ties.
func sortMessages(msgs []Message) {
	// Insertion sort: history pages arrive mostly ordered and stability
	// for equal timestamps is required.
	for i := 1; i < len(msgs); i++ {
		j := i
		for j > 0 && msgs[j-1].CreatedAt.After(msgs[j].CreatedAt) {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
			j--
		}
	}
}

func messageEqual(a, b Message) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func diffLists(prev, next []Message) ChangeSet {
	prevByID := make(map[string]Message, len(prev))
	for _, m := range prev {
		prevByID[m.ID] = m
	}
	nextIDs := make(map[string]struct{}, len(next))

	var cs ChangeSet
	for _, m := range next {
		nextIDs[m.ID] = struct{}{}
		old, ok := prevByID[m.ID]
		switch {
		case !ok:
			cs.Added = append(cs.Added, m)
		case !messageEqual(old, m):
			cs.Updated = append(cs.Updated, m)
		}
	}
	for _, m := range prev {
		if _, ok := nextIDs[m.ID]; !ok {
			cs.Removed = append(cs.Removed, m.ID)
		}
	}
	return cs
}
