package chatsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// SenderLookup resolves a message ID to its sender, so the ledger can
// suppress a sender's read of their own message.
type SenderLookup func(messageID string) (senderID string, ok bool)

// LedgerOptions configures a ReceiptLedger.
type LedgerOptions struct {
	SettleDelay time.Duration // delay before bulk-on-load marking, default 500ms
	Logger      zerolog.Logger
}

func (o *LedgerOptions) defaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
}

// ============================================================================
// ReceiptLedger
// ============================================================================

// ReceiptLedger records, per message, the set of readers with timestamps.
// Entries are unique per (messageID, readerID) and a sender's own read of
// their own message never surfaces as a receipt.
type ReceiptLedger struct {
	lookup SenderLookup
	opts   LedgerOptions
	log    zerolog.Logger

	mu       sync.Mutex
	receipts map[string][]Receipt
	seen     map[string]map[string]struct{}

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewReceiptLedger creates a ledger. lookup may be nil, in which case
// self-read suppression only applies when the caller's reader is known to be
// the sender by other means.
func NewReceiptLedger(lookup SenderLookup, opts *LedgerOptions) *ReceiptLedger {
	var o LedgerOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ReceiptLedger{
		lookup:   lookup,
		opts:     o,
		log:      o.Logger,
		receipts: make(map[string][]Receipt),
		seen:     make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// MarkRead appends a receipt unless the reader is the message's own sender or
// a receipt for this (message, reader) pair already exists. Reports whether
// an entry was added.
func (l *ReceiptLedger) MarkRead(messageID, readerID, readerName string, readAt time.Time) bool {
	if messageID == "" || readerID == "" {
		return false
	}
	if l.lookup != nil {
		if sender, ok := l.lookup(messageID); ok && sender == readerID {
			return false
		}
	}
	if readAt.IsZero() {
		readAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	readers := l.seen[messageID]
	if readers == nil {
		readers = make(map[string]struct{})
		l.seen[messageID] = readers
	}
	if _, dup := readers[readerID]; dup {
		return false
	}
	readers[readerID] = struct{}{}
	l.receipts[messageID] = append(l.receipts[messageID], Receipt{
		ReaderID:    readerID,
		DisplayName: readerName,
		ReadAt:      readAt,
	})
	return true
}

// MarkAllRead applies MarkRead to a batch and returns the IDs that actually
// gained an entry.
func (l *ReceiptLedger) MarkAllRead(messageIDs []string, readerID, readerName string, readAt time.Time) []string {
	var added []string
	for _, id := range messageIDs {
		if l.MarkRead(id, readerID, readerName, readAt) {
			added = append(added, id)
		}
	}
	return added
}

// WhoRead returns the receipts recorded for a message, in read order.
func (l *ReceiptLedger) WhoRead(messageID string) []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Receipt(nil), l.receipts[messageID]...)
}

// HasRead reports whether a reader already has a receipt on a message.
func (l *ReceiptLedger) HasRead(messageID, readerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[messageID][readerID]
	return ok
}

// ============================================================================
// Bulk-on-load
// ============================================================================

// ScheduleAutoRead arms the "displayed means read" rule for a context: after
// the settle delay, every candidate message authored by someone other than
// reader and not already read by reader is handed to apply. A newer schedule
// or a cancel for the same context replaces the pending timer. This models
// viewport visibility deliberately coarsely; it is not intersection tracking.
func (l *ReceiptLedger) ScheduleAutoRead(contextID string, candidates []Message, reader Identity, apply func(messageIDs []string)) {
	var ids []string
	for _, m := range candidates {
		if m.SenderID == reader.UserID || m.Deleted {
			continue
		}
		if IsLocalID(m.ID) || l.HasRead(m.ID, reader.UserID) {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return
	}

	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if prev, ok := l.timers[contextID]; ok {
		prev.Stop()
	}
	l.timers[contextID] = time.AfterFunc(l.opts.SettleDelay, func() {
		l.timerMu.Lock()
		delete(l.timers, contextID)
		l.timerMu.Unlock()
		apply(ids)
	})
}

// CancelAutoRead drops a pending auto-read for a context, so a stale timer
// cannot mark messages in a context the user already left.
func (l *ReceiptLedger) CancelAutoRead(contextID string) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if t, ok := l.timers[contextID]; ok {
		t.Stop()
		delete(l.timers, contextID)
	}
}

// Reset drops all receipts and pending timers. Logout only.
func (l *ReceiptLedger) Reset() {
	l.timerMu.Lock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.timerMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts = make(map[string][]Receipt)
	l.seen = make(map[string]map[string]struct{})
}
