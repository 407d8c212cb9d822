package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session states
// ============================================================================

// SessionState is the controller's lifecycle state.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"  // connected, no context
	SessionInContext    SessionState = "in-context" // connected, context current
	SessionReconnecting SessionState = "reconnecting"
	SessionLoggedOut    SessionState = "logged-out" // terminal
)

// ============================================================================
// Options and notifications
// ============================================================================

// SessionOptions configures a Session.
type SessionOptions struct {
	History           *HistoryClient // nil means history arrives via the channel only
	Cache             *SessionCache  // nil creates a fresh one
	HistoryPageSize   int            // default 50
	HeartbeatInterval time.Duration  // default 5s
	PollTimeout       time.Duration  // default 2s
	SettleDelay       time.Duration  // default 500ms
	Logger            zerolog.Logger
}

func (o *SessionOptions) defaults() {
	if o.HistoryPageSize == 0 {
		o.HistoryPageSize = 50
	}
	if o.Cache == nil {
		o.Cache = NewSessionCache()
	}
}

// Notice is a normalized, user-visible event (recoverable errors, presence
// transitions) for the presentation layer.
type Notice struct {
	Code    string
	Message string
}

// ============================================================================
// Session
// ============================================================================

// Session orchestrates the store, tracker, ledger and reconciler over one
// channel. It exclusively owns which context is current, and every write into
// the owned components is funneled through its dispatch so diff/notify
// semantics stay consistent. One Session per connection; cross-session
// delivery belongs to a server-side router, not here.
type Session struct {
	ch      Channel
	history *HistoryClient
	cache   *SessionCache
	store   *ContextStore
	tracker *PresenceTracker
	ledger  *ReceiptLedger
	recon   *Reconciler
	opts    SessionOptions
	log     zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	ident   Identity
	current *Context
	wired   bool

	backfillMu     sync.Mutex
	backfillCancel context.CancelFunc

	cbMu       sync.RWMutex
	onChange   []func(contextID string, cs ChangeSet)
	onUnread   []func(contextID string, count int)
	onPresence []func(contextID string, joined, left []string)
	onNotice   []func(Notice)
	onState    []func(SessionState)
}

// NewSession creates a session for the given identity over ch. The identity
// must come from the auth layer before any transport events are issued.
func NewSession(ch Channel, ident Identity, opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	store := NewContextStore(o.Logger)
	s := &Session{
		ch:      ch,
		history: o.History,
		cache:   o.Cache,
		store:   store,
		opts:    o,
		log:     o.Logger,
		state:   SessionDisconnected,
		ident:   ident,
	}
	s.tracker = NewPresenceTracker(ch, &TrackerOptions{
		PollTimeout:       o.PollTimeout,
		HeartbeatInterval: o.HeartbeatInterval,
		Logger:            o.Logger,
	})
	s.ledger = NewReceiptLedger(store.SenderOf, &LedgerOptions{
		SettleDelay: o.SettleDelay,
		Logger:      o.Logger,
	})
	s.recon = NewReconciler(store, ch, o.Logger)
	return s
}

// Store exposes the session's context store for read-only consumption.
func (s *Session) Store() *ContextStore { return s.store }

// Tracker exposes the presence tracker.
func (s *Session) Tracker() *PresenceTracker { return s.tracker }

// Ledger exposes the read-receipt ledger.
func (s *Session) Ledger() *ReceiptLedger { return s.ledger }

// Identity returns the session's user identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// State returns the controller state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentContext returns the current context, or nil.
func (s *Session) CurrentContext() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	ctxCopy := *s.current
	return &ctxCopy
}

// ============================================================================
// Observer registration
// ============================================================================

// OnChange registers a consumer of per-context message diffs.
func (s *Session) OnChange(h func(contextID string, cs ChangeSet)) {
	s.cbMu.Lock()
	s.onChange = append(s.onChange, h)
	s.cbMu.Unlock()
}

// OnUnread registers a consumer of unread-counter updates.
func (s *Session) OnUnread(h func(contextID string, count int)) {
	s.cbMu.Lock()
	s.onUnread = append(s.onUnread, h)
	s.cbMu.Unlock()
}

// OnPresence registers a consumer of joined/left transitions for the current
// room.
func (s *Session) OnPresence(h func(contextID string, joined, left []string)) {
	s.cbMu.Lock()
	s.onPresence = append(s.onPresence, h)
	s.cbMu.Unlock()
}

// OnNotice registers a consumer of user-visible notices.
func (s *Session) OnNotice(h func(Notice)) {
	s.cbMu.Lock()
	s.onNotice = append(s.onNotice, h)
	s.cbMu.Unlock()
}

// OnStateChange registers a consumer of controller state transitions.
func (s *Session) OnStateChange(h func(SessionState)) {
	s.cbMu.Lock()
	s.onState = append(s.onState, h)
	s.cbMu.Unlock()
}

func (s *Session) notifyChange(contextID string, cs ChangeSet) {
	if cs.Empty() {
		return
	}
	s.cbMu.RLock()
	handlers := append([]func(string, ChangeSet){}, s.onChange...)
	s.cbMu.RUnlock()
	for _, h := range handlers {
		h(contextID, cs)
	}
}

func (s *Session) notifyUnread(contextID string, count int) {
	s.cbMu.RLock()
	handlers := append([]func(string, int){}, s.onUnread...)
	s.cbMu.RUnlock()
	for _, h := range handlers {
		h(contextID, count)
	}
}

func (s *Session) notifyPresence(contextID string, joined, left []string) {
	if len(joined) == 0 && len(left) == 0 {
		return
	}
	s.cbMu.RLock()
	handlers := append([]func(string, []string, []string){}, s.onPresence...)
	s.cbMu.RUnlock()
	for _, h := range handlers {
		h(contextID, joined, left)
	}
}

func (s *Session) notifyNotice(n Notice) {
	s.cbMu.RLock()
	handlers := append([]func(Notice){}, s.onNotice...)
	s.cbMu.RUnlock()
	for _, h := range handlers {
		h(n)
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.cbMu.RLock()
	handlers := append([]func(SessionState){}, s.onState...)
	s.cbMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start wires the inbound dispatch and connects the channel. Safe to call
// again after a manual disconnect; a second call while connected is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionLoggedOut {
		s.mu.Unlock()
		return faultf(FaultInvalid, "session is logged out")
	}
	if !s.ident.valid() {
		s.mu.Unlock()
		return faultf(FaultNoIdentity, "identity must be set before connecting")
	}
	if !s.wired {
		s.wired = true
		s.mu.Unlock()
		s.wireHandlers()
	} else {
		s.mu.Unlock()
	}

	s.setState(SessionConnecting)
	if err := s.ch.Connect(ctx); err != nil {
		s.setState(SessionDisconnected)
		return err
	}
	return nil
}

// Restore re-joins the cached last context when the cached session is fresh
// enough (see SessionMaxAge). Returns false when there is nothing to restore;
// a stale target clears the cache and surfaces a recoverable notice instead
// of retrying.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	ident, last, ok := s.cache.RestoreSession(0)
	if !ok || last == nil {
		return false, nil
	}

	s.mu.Lock()
	s.ident = ident
	s.mu.Unlock()

	if s.history != nil {
		if _, err := s.history.LookupContext(ctx, last.ID); err != nil {
			if FaultCode(err) == FaultTargetMissing {
				s.cache.Clear()
				s.notifyNotice(Notice{Code: FaultTargetMissing, Message: "your last conversation no longer exists"})
				return false, err
			}
			return false, err
		}
	}
	if err := s.SwitchContext(ctx, *last); err != nil {
		return false, err
	}
	return true, nil
}

// Logout is terminal: it leaves the current context, closes the channel and
// clears every cached snapshot, presence record and ledger entry.
func (s *Session) Logout() {
	s.cancelBackfill()

	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current != nil {
		s.ledger.CancelAutoRead(current.ID)
		_ = s.ch.Emit(EvLeaveContext, LeaveContextPayload{ContextID: current.ID})
	}
	_ = s.ch.Close()

	s.tracker.Reset()
	s.ledger.Reset()
	s.store.Reset()
	s.cache.Clear()
	s.setState(SessionLoggedOut)
}

// ============================================================================
// Context switching
// ============================================================================

// SwitchContext moves the session to a new context: the outgoing context's
// list is snapshotted, any cached snapshot for the target is restored so a
// revisit needs no re-fetch, the target's unread counter resets and a
// backfill is issued for whatever arrived while the target was inactive.
func (s *Session) SwitchContext(ctx context.Context, target Context) error {
	if target.ID == "" {
		return faultf(FaultInvalid, "context missing id")
	}

	s.mu.Lock()
	if s.state == SessionLoggedOut {
		s.mu.Unlock()
		return faultf(FaultInvalid, "session is logged out")
	}
	outgoing := s.current
	targetCopy := target
	s.current = &targetCopy
	ident := s.ident
	s.mu.Unlock()

	// Leaving: stop anything that could mutate the old context late.
	s.cancelBackfill()
	s.tracker.StopHeartbeat()
	if outgoing != nil && outgoing.ID != target.ID {
		s.ledger.CancelAutoRead(outgoing.ID)
		s.store.SaveSnapshot(outgoing.ID)
	}

	s.store.ResetUnread(target.ID)
	s.notifyUnread(target.ID, 0)
	s.cache.RememberContext(target)
	s.cache.SaveSession(ident, &targetCopy)

	if cs, ok := s.store.RestoreSnapshot(target.ID); ok {
		s.notifyChange(target.ID, cs)
	}

	if err := s.ch.Emit(EvJoinContext, JoinContextPayload{ContextID: target.ID, Code: target.Code}); err != nil {
		s.log.Warn().Err(err).Str("context", target.ID).Msg("join not emitted")
	}
	if target.Kind == KindRoom {
		s.tracker.StartHeartbeat(target.ID, s.opts.HeartbeatInterval)
		_ = s.ch.Emit(EvReqParts, RequestParticipantsPayload{ContextID: target.ID})
	}

	s.setState(SessionInContext)
	s.requestBackfill(target)
	return nil
}

// requestBackfill fetches the target's authoritative history. The request is
// cancellable and its response is dropped unless the target is still current.
func (s *Session) requestBackfill(target Context) {
	if s.history == nil {
		// History will arrive as a messages-history event after the join.
		return
	}

	s.backfillMu.Lock()
	if s.backfillCancel != nil {
		s.backfillCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.backfillCancel = cancel
	s.backfillMu.Unlock()

	go func() {
		defer cancel()
		page, err := s.history.FetchHistory(ctx, target.ID, s.opts.HistoryPageSize, 0)
		if err != nil {
			if FaultCode(err) == FaultTargetMissing {
				s.handleTargetMissing(target.ID, "conversation not found")
			} else if ctx.Err() == nil {
				s.log.Warn().Err(err).Str("context", target.ID).Msg("backfill failed")
			}
			return
		}
		s.applyHistory(target.ID, page.Messages)
	}()
}

func (s *Session) cancelBackfill() {
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	if s.backfillCancel != nil {
		s.backfillCancel()
		s.backfillCancel = nil
	}
}

// applyHistory replaces a context's list from an authoritative page, guarded
// so a stale response cannot mutate a context the user already left.
func (s *Session) applyHistory(contextID string, msgs []Message) {
	s.mu.Lock()
	current := s.current
	ident := s.ident
	s.mu.Unlock()
	if current == nil || current.ID != contextID {
		s.log.Debug().Str("context", contextID).Msg("dropping stale history response")
		return
	}

	cs := s.store.SetMessages(contextID, msgs)
	s.notifyChange(contextID, cs)
	s.ledger.ScheduleAutoRead(contextID, s.store.Messages(contextID), ident, func(ids []string) {
		s.autoReadFire(contextID, ids)
	})
}

// autoReadFire applies the settled "displayed means read" batch: local ledger
// entries, store promotion and one bulk mark-read on the wire.
func (s *Session) autoReadFire(contextID string, ids []string) {
	s.mu.Lock()
	current := s.current
	ident := s.ident
	s.mu.Unlock()
	if current == nil || current.ID != contextID {
		return
	}

	added := s.ledger.MarkAllRead(ids, ident.UserID, ident.DisplayName, time.Now())
	for _, id := range added {
		cs := s.recon.ApplyReceipts(contextID, id, s.ledger.WhoRead(id))
		s.notifyChange(contextID, cs)
	}
	if len(added) > 0 {
		_ = s.ch.Emit(EvMarkReadBulk, MarkReadPayload{
			ContextID:  contextID,
			MessageIDs: added,
			ReaderID:   ident.UserID,
			ReaderName: ident.DisplayName,
		})
	}
	s.store.ResetUnread(contextID)
	s.notifyUnread(contextID, 0)
}

// ============================================================================
// Outbound actions
// ============================================================================

// Send materializes an optimistic message in the current context and emits
// the send. The returned message carries the placeholder ID until the server
// echo promotes it.
func (s *Session) Send(body Body) (Message, error) {
	s.mu.Lock()
	current := s.current
	ident := s.ident
	state := s.state
	s.mu.Unlock()

	if current == nil {
		return Message{}, faultf(FaultNoContext, "no current context")
	}
	if state != SessionInContext && state != SessionReconnecting {
		return Message{}, faultf(FaultNotConnected, "session is %s", state)
	}

	msg, cs, err := s.recon.SendOptimistic(current.ID, ident, body)
	s.notifyChange(current.ID, cs)
	return msg, err
}

// Edit emits an edit for a message in the current context. The store mutates
// only on the server's confirmation.
func (s *Session) Edit(messageID string, body Body) error {
	current := s.CurrentContext()
	if current == nil {
		return faultf(FaultNoContext, "no current context")
	}
	return s.ch.Emit(EvEditMessage, EditMessagePayload{
		ContextID: current.ID,
		MessageID: messageID,
		Body:      body,
	})
}

// Delete emits a delete for a message in the current context.
func (s *Session) Delete(messageID string) error {
	current := s.CurrentContext()
	if current == nil {
		return faultf(FaultNoContext, "no current context")
	}
	return s.ch.Emit(EvDeleteMessage, DeleteMessagePayload{
		ContextID: current.ID,
		MessageID: messageID,
	})
}

// Vote emits a poll vote for a message in the current context.
func (s *Session) Vote(messageID string, option int) error {
	s.mu.Lock()
	current := s.current
	ident := s.ident
	s.mu.Unlock()
	if current == nil {
		return faultf(FaultNoContext, "no current context")
	}
	return s.ch.Emit(EvVotePoll, VotePollPayload{
		ContextID: current.ID,
		MessageID: messageID,
		Option:    option,
		VoterID:   ident.UserID,
	})
}

// MarkRead explicitly marks messages in the current context read by this
// user, locally and on the wire.
func (s *Session) MarkRead(messageIDs ...string) error {
	s.mu.Lock()
	current := s.current
	ident := s.ident
	s.mu.Unlock()
	if current == nil {
		return faultf(FaultNoContext, "no current context")
	}

	added := s.ledger.MarkAllRead(messageIDs, ident.UserID, ident.DisplayName, time.Now())
	for _, id := range added {
		cs := s.recon.ApplyReceipts(current.ID, id, s.ledger.WhoRead(id))
		s.notifyChange(current.ID, cs)
	}
	if len(added) == 0 {
		return nil
	}
	event := EvMarkReadBulk
	if len(added) == 1 {
		event = EvMarkRead
	}
	return s.ch.Emit(event, MarkReadPayload{
		ContextID:  current.ID,
		MessageIDs: added,
		ReaderID:   ident.UserID,
		ReaderName: ident.DisplayName,
	})
}

// CreateContext asks the backend for a new room or DM thread. With a remote
// store configured the context is created there and switched to immediately.
// Without one the request goes out over the channel and the returned context
// is nil; the server's context-joined confirmation lands it in the known set.
func (s *Session) CreateContext(ctx context.Context, opts CreateContextPayload) (*Context, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == SessionDisconnected || state == SessionLoggedOut {
		return nil, faultf(FaultNotConnected, "session is %s", state)
	}

	if s.history != nil {
		created, err := s.history.CreateContext(ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := s.SwitchContext(ctx, *created); err != nil {
			return nil, err
		}
		return created, nil
	}
	if err := s.ch.Emit(EvCreateContext, opts); err != nil {
		return nil, err
	}
	return nil, nil
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func (s *Session) wireHandlers() {
	s.ch.On(EvEstablished, func(json.RawMessage) { s.handleConnected(false) })
	s.ch.On(EvReconnected, func(json.RawMessage) { s.handleConnected(true) })
	s.ch.On(EvLost, func(json.RawMessage) { s.handleLost() })

	s.ch.On(EvContextJoined, s.handleContextJoined)
	s.ch.On(EvMessageNew, s.handleMessageNew)
	s.ch.On(EvMessageEdited, s.handleMessageEdited)
	s.ch.On(EvMessageDel, s.handleMessageDeleted)
	s.ch.On(EvHistory, s.handleHistory)
	s.ch.On(EvReadReceipt, s.handleReadReceipt)
	s.ch.On(EvPresencePush, s.handlePresencePush)
	s.ch.On(EvParticipants, s.handleParticipants)
	s.ch.On(EvError, s.handleServerError)
}

// handleConnected runs on first connect and on every reconnect: re-announce
// identity so the server-side routing tables map this connection to the user
// again, then resync the current context from the source of truth. Locally
// cached state is never assumed valid across a reconnect.
func (s *Session) handleConnected(resync bool) {
	s.mu.Lock()
	ident := s.ident
	current := s.current
	s.mu.Unlock()

	if err := s.ch.Emit(EvRegisterIdent, RegisterIdentityPayload{
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
	}); err != nil {
		s.log.Warn().Err(err).Msg("identity announce failed")
	}

	if current == nil {
		s.setState(SessionConnected)
		return
	}

	s.setState(SessionInContext)
	_ = s.ch.Emit(EvJoinContext, JoinContextPayload{ContextID: current.ID, Code: current.Code})
	if current.Kind == KindRoom {
		s.tracker.StartHeartbeat(current.ID, s.opts.HeartbeatInterval)
		_ = s.ch.Emit(EvReqParts, RequestParticipantsPayload{ContextID: current.ID})
	}
	s.requestBackfill(*current)

	if resync {
		s.log.Info().Str("context", current.ID).Msg("resynced after reconnect")
	}
}

func (s *Session) handleLost() {
	s.setState(SessionReconnecting)
	s.notifyNotice(Notice{Code: FaultTransport, Message: "connection lost, reconnecting"})
}

func (s *Session) handleContextJoined(data json.RawMessage) {
	var p ContextJoinedPayload
	if !s.decode(EvContextJoined, data, &p, p.Validate) {
		return
	}
	s.cache.RememberContext(p.Context)
	if len(p.Participants) > 0 {
		joined, left := s.tracker.ApplyParticipants(p.Context.ID, p.Participants)
		s.notifyPresence(p.Context.ID, joined, left)
	}
}

func (s *Session) handleMessageNew(data json.RawMessage) {
	var p MessageNewPayload
	if !s.decode(EvMessageNew, data, &p, p.Validate) {
		return
	}

	contextID := p.Message.ContextID
	cs := s.recon.Reconcile(p.Message)
	s.notifyChange(contextID, cs)

	s.mu.Lock()
	current := s.current
	ident := s.ident
	s.mu.Unlock()

	if current == nil || current.ID != contextID {
		// A redelivered duplicate never moves the counter.
		if len(cs.Added) > 0 {
			count := s.store.IncrementUnread(contextID)
			s.notifyUnread(contextID, count)
		}
		return
	}
	if p.Message.SenderID != ident.UserID {
		// Live message in the viewed context settles into "read". The whole
		// current list is the candidate set: rescheduling replaces the pending
		// timer, so a single new message as candidate would drop any earlier
		// arrivals still inside the settle window.
		s.ledger.ScheduleAutoRead(contextID, s.store.Messages(contextID), ident, func(ids []string) {
			s.autoReadFire(contextID, ids)
		})
	}
}

func (s *Session) handleMessageEdited(data json.RawMessage) {
	var p MessageEditedPayload
	if !s.decode(EvMessageEdited, data, &p, p.Validate) {
		return
	}
	s.notifyChange(p.ContextID, s.recon.ConfirmEdit(p))
}

func (s *Session) handleMessageDeleted(data json.RawMessage) {
	var p MessageDeletedPayload
	if !s.decode(EvMessageDel, data, &p, p.Validate) {
		return
	}
	s.notifyChange(p.ContextID, s.recon.ConfirmDelete(p))
}

func (s *Session) handleHistory(data json.RawMessage) {
	var p HistoryPayload
	if !s.decode(EvHistory, data, &p, p.Validate) {
		return
	}
	s.applyHistory(p.ContextID, p.Messages)
}

func (s *Session) handleReadReceipt(data json.RawMessage) {
	var p ReadReceiptPayload
	if !s.decode(EvReadReceipt, data, &p, p.Validate) {
		return
	}
	for _, id := range p.MessageIDs {
		if !s.ledger.MarkRead(id, p.ReaderID, p.ReaderName, p.ReadAt) {
			continue
		}
		cs := s.recon.ApplyReceipts(p.ContextID, id, s.ledger.WhoRead(id))
		s.notifyChange(p.ContextID, cs)
	}
}

func (s *Session) handlePresencePush(data json.RawMessage) {
	var p PresencePushPayload
	if !s.decode(EvPresencePush, data, &p, p.Validate) {
		return
	}
	s.tracker.SetStatus(p.UserID, p.Status, p.LastSeenAt)
}

func (s *Session) handleParticipants(data json.RawMessage) {
	var p ParticipantsPayload
	if !s.decode(EvParticipants, data, &p, p.Validate) {
		return
	}
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil || current.ID != p.ContextID {
		return
	}
	joined, left := s.tracker.ApplyParticipants(p.ContextID, p.Participants)
	s.notifyPresence(p.ContextID, joined, left)
}

func (s *Session) handleServerError(data json.RawMessage) {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" {
		s.log.Warn().Msg("dropping malformed error event")
		return
	}
	if p.Code == FaultTargetMissing {
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()
		if current != nil {
			s.handleTargetMissing(current.ID, p.Message)
		}
		return
	}
	s.notifyNotice(Notice{Code: p.Code, Message: p.Message})
}

// handleTargetMissing clears a stale context reference and surfaces a
// recoverable notice instead of retrying indefinitely.
func (s *Session) handleTargetMissing(contextID, message string) {
	if message == "" {
		message = "conversation no longer exists"
	}
	s.cache.ForgetContext(contextID)
	s.tracker.StopHeartbeat()
	s.ledger.CancelAutoRead(contextID)

	s.mu.Lock()
	if s.current != nil && s.current.ID == contextID {
		s.current = nil
	}
	s.mu.Unlock()
	s.setState(SessionConnected)
	s.notifyNotice(Notice{Code: FaultTargetMissing, Message: message})
}

// decode unmarshals and validates an inbound payload; malformed payloads are
// dropped at the boundary with a logged warning and never reach the stores.
func (s *Session) decode(event string, data json.RawMessage, v any, validate func() error) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("dropping malformed payload")
		return false
	}
	if err := validate(); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("dropping invalid payload")
		return false
	}
	return true
}
