package chatsync

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler matches locally created optimistic messages against their
// server-confirmed echoes, promotes placeholder IDs to server IDs and is the
// sole writer of delivery-state transitions.
type Reconciler struct {
	store *ContextStore
	ch    Channel
	log   zerolog.Logger
}

// NewReconciler creates a reconciler writing through store and emitting
// sends over ch.
func NewReconciler(store *ContextStore, ch Channel, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, ch: ch, log: log}
}

func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// SendOptimistic immediately materializes a Pending message under a locally
// generated placeholder ID, then emits the outbound send carrying that ID as
// the correlation key. The message is materialized even when the emit fails;
// the returned fault tells the caller the send did not go out.
func (r *Reconciler) SendOptimistic(contextID string, sender Identity, body Body) (Message, ChangeSet, error) {
	id := newLocalID()
	msg := Message{
		ID:         id,
		ClientID:   id,
		ContextID:  contextID,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName,
		Body:       body,
		CreatedAt:  time.Now(),
		State:      StatePending,
	}
	cs := r.store.AddMessage(contextID, msg)

	err := r.ch.Emit(EvSendMessage, SendMessagePayload{
		ContextID:  contextID,
		ClientID:   id,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName,
		Body:       body,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("context", contextID).Msg("optimistic send not emitted")
	}
	return msg, cs, err
}

// Reconcile folds a server-confirmed message into its context. The author's
// own echo replaces the matching Pending entry in place — same list position,
// promoted ID — so it never creates a duplicate. Without a match the message
// is appended normally.
func (r *Reconciler) Reconcile(confirmed Message) ChangeSet {
	contextID := confirmed.ContextID
	if confirmed.State == "" || confirmed.State == StatePending {
		confirmed.State = StateDelivered
	}
	if len(confirmed.Readers) > 0 {
		confirmed.State = StateRead
	}

	if pending, ok := r.matchPending(confirmed); ok {
		// Keep the local timestamp: the entry stays in place, and a server
		// clock ahead of ours cannot break the list's timestamp order.
		confirmed.CreatedAt = pending.CreatedAt
		cs, replaced := r.store.ReplaceMessage(contextID, pending.ID, confirmed)
		if replaced {
			return cs
		}
	}
	return r.store.AddMessage(contextID, confirmed)
}

// matchPending locates the optimistic entry a confirmation corresponds to.
// The carried client correlation ID is authoritative; the sender+body
// equality match remains as a fallback for servers that do not echo it. The
// fallback can misfire on two rapid identical sends, which the source
// behavior accepts.
func (r *Reconciler) matchPending(confirmed Message) (Message, bool) {
	if confirmed.ClientID != "" {
		if m, ok := r.store.Find(confirmed.ContextID, func(m Message) bool {
			return m.State == StatePending && (m.ClientID == confirmed.ClientID || m.ID == confirmed.ClientID)
		}); ok {
			return m, true
		}
	}
	return r.store.Find(confirmed.ContextID, func(m Message) bool {
		return m.State == StatePending &&
			IsLocalID(m.ID) &&
			m.SenderID == confirmed.SenderID &&
			m.Body.Kind == confirmed.Body.Kind &&
			m.Body.Text == confirmed.Body.Text
	})
}

// ConfirmEdit applies an edit confirmation, located by real ID.
func (r *Reconciler) ConfirmEdit(p MessageEditedPayload) ChangeSet {
	editedAt := p.EditedAt
	if editedAt.IsZero() {
		editedAt = time.Now()
	}
	return r.store.UpdateMessage(p.ContextID, p.MessageID, MessagePatch{
		Body:     &p.Body,
		EditedAt: &editedAt,
	})
}

// ConfirmDelete removes the entry entirely. No tombstone survives in this
// layer; presentation may animate removal from the returned diff.
func (r *Reconciler) ConfirmDelete(p MessageDeletedPayload) ChangeSet {
	return r.store.RemoveMessage(p.ContextID, p.MessageID)
}

// ApplyReceipts attaches reader receipts to a message and promotes it to
// Read. Delivered and Read are independent of local rendering: Delivered
// comes from the server accepting the send, Read strictly from a non-empty
// reader set.
func (r *Reconciler) ApplyReceipts(contextID, messageID string, readers []Receipt) ChangeSet {
	if len(readers) == 0 {
		return ChangeSet{}
	}
	state := StateRead
	return r.store.UpdateMessage(contextID, messageID, MessagePatch{
		State:   &state,
		Readers: readers,
	})
}
