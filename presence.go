package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// TrackerOptions configures a PresenceTracker.
type TrackerOptions struct {
	PollTimeout       time.Duration // default 2s
	HeartbeatInterval time.Duration // default 5s
	Logger            zerolog.Logger
}

func (o *TrackerOptions) defaults() {
	if o.PollTimeout == 0 {
		o.PollTimeout = 2 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
}

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker maintains known online/away/offline status per user, driven
// by push events and a periodic heartbeat poll while a room is active.
type PresenceTracker struct {
	ch   Channel
	opts TrackerOptions
	log  zerolog.Logger

	mu        sync.Mutex
	records   map[string]PresenceRecord
	waiters   map[string][]chan PresenceStatus
	lastParts map[string][]Participant

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbTarget string
}

// NewPresenceTracker creates a tracker issuing its requests over ch.
func NewPresenceTracker(ch Channel, opts *TrackerOptions) *PresenceTracker {
	var o TrackerOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &PresenceTracker{
		ch:        ch,
		opts:      o,
		log:       o.Logger,
		records:   make(map[string]PresenceRecord),
		waiters:   make(map[string][]chan PresenceStatus),
		lastParts: make(map[string][]Participant),
	}
}

// SetStatus records a status push and resolves any poll waiting on that user.
func (t *PresenceTracker) SetStatus(userID string, status PresenceStatus, lastSeen time.Time) {
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	t.mu.Lock()
	t.records[userID] = PresenceRecord{UserID: userID, Status: status, LastSeenAt: lastSeen}
	waiting := t.waiters[userID]
	delete(t.waiters, userID)
	t.mu.Unlock()

	for _, w := range waiting {
		w <- status
	}
}

// Status returns the last known record for a user.
func (t *PresenceTracker) Status(userID string) (PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[userID]
	return r, ok
}

// PollOnce issues a status request for one user and resolves with the pushed
// status, or Offline once the poll timeout elapses. Never blocks beyond the
// timeout and never propagates a transport error.
func (t *PresenceTracker) PollOnce(ctx context.Context, userID string) PresenceStatus {
	wait := make(chan PresenceStatus, 1)
	t.mu.Lock()
	t.waiters[userID] = append(t.waiters[userID], wait)
	t.mu.Unlock()

	if err := t.ch.Emit(EvReqPresence, RequestPresencePayload{UserID: userID}); err != nil {
		t.log.Warn().Err(err).Str("user", userID).Msg("presence request failed")
	}

	timer := time.NewTimer(t.opts.PollTimeout)
	defer timer.Stop()

	select {
	case status := <-wait:
		return status
	case <-timer.C:
	case <-ctx.Done():
	}

	t.dropWaiter(userID, wait)
	t.SetStatus(userID, StatusOffline, time.Time{})
	return StatusOffline
}

func (t *PresenceTracker) dropWaiter(userID string, wait chan PresenceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[userID]
	for i, w := range ws {
		if w == wait {
			t.waiters[userID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[userID]) == 0 {
		delete(t.waiters, userID)
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

// StartHeartbeat begins a periodic re-request of the full participant list
// for a room context. Only one heartbeat is ever active: starting a new one
// first cancels any prior timer, so a re-entrant start never leaks.
func (t *PresenceTracker) StartHeartbeat(contextID string, interval time.Duration) {
	if interval <= 0 {
		interval = t.opts.HeartbeatInterval
	}

	t.hbMu.Lock()
	if t.hbCancel != nil {
		t.hbCancel()
		t.hbCancel = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.hbCancel = cancel
	t.hbTarget = contextID
	t.hbMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.ch.Emit(EvReqParts, RequestParticipantsPayload{ContextID: contextID}); err != nil {
					t.log.Warn().Err(err).Str("context", contextID).Msg("participants request failed")
				}
			}
		}
	}()
}

// StopHeartbeat cancels the active heartbeat, if any.
func (t *PresenceTracker) StopHeartbeat() {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	if t.hbCancel != nil {
		t.hbCancel()
		t.hbCancel = nil
		t.hbTarget = ""
	}
}

// HeartbeatTarget returns the context the active heartbeat polls, or "".
func (t *PresenceTracker) HeartbeatTarget() string {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	return t.hbTarget
}

// ============================================================================
// Participant diffing
// ============================================================================

// ApplyParticipants records a freshly received participant list for a room
// and derives joined/left display names by diffing against the previous list.
// Names are compared case-insensitively and the diff tolerates reordering and
// duplicate entries. Statuses carried on the list are folded into the records.
func (t *PresenceTracker) ApplyParticipants(contextID string, parts []Participant) (joined, left []string) {
	t.mu.Lock()
	prev := t.lastParts[contextID]
	t.lastParts[contextID] = append([]Participant(nil), parts...)

	now := time.Now()
	for _, p := range parts {
		if p.UserID != "" && p.Status != "" {
			t.records[p.UserID] = PresenceRecord{UserID: p.UserID, Status: p.Status, LastSeenAt: now}
		}
	}
	t.mu.Unlock()

	prevSet := normalizeNames(prev)
	nextSet := normalizeNames(parts)

	for key, name := range nextSet {
		if _, ok := prevSet[key]; !ok {
			joined = append(joined, name)
		}
	}
	for key, name := range prevSet {
		if _, ok := nextSet[key]; !ok {
			left = append(left, name)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// normalizeNames maps the normalized form of each display name to its first
// original spelling, collapsing duplicates.
func normalizeNames(parts []Participant) map[string]string {
	set := make(map[string]string, len(parts))
	for _, p := range parts {
		key := strings.ToLower(strings.TrimSpace(p.DisplayName))
		if key == "" {
			continue
		}
		if _, ok := set[key]; !ok {
			set[key] = p.DisplayName
		}
	}
	return set
}

// Participants returns the last received participant list for a room.
func (t *PresenceTracker) Participants(contextID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Participant(nil), t.lastParts[contextID]...)
}

// Reset drops all presence state and stops the heartbeat. Logout only.
func (t *PresenceTracker) Reset() {
	t.StopHeartbeat()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]PresenceRecord)
	t.lastParts = make(map[string][]Participant)
	for user, ws := range t.waiters {
		for _, w := range ws {
			w <- StatusOffline
		}
		delete(t.waiters, user)
	}
}
