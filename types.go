// Package chatsync implements the session and message-synchronization core of
// a multi-context chat client: one logical real-time connection multiplexed
// across rooms and direct-message threads, with per-context message stores,
// optimistic-send reconciliation, read receipts, presence tracking and
// reconnect resync.
//
// Example:
//
//	ch := chatsync.NewWSChannel("wss://chat.example.com/ws", nil)
//	sess := chatsync.NewSession(ch, chatsync.Identity{UserID: "u-1", DisplayName: "Ada"}, nil)
//	sess.Start(ctx)
//	sess.SwitchContext(ctx, chatsync.NewRoomContext("room-42", "GOLF", "general"))
//	sess.Send(chatsync.TextBody("hello"))
package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Faults
// ============================================================================

// Fault codes for typed failures surfaced by controller-facing actions.
const (
	FaultNotConnected  = "not_connected"
	FaultNoIdentity    = "no_identity"
	FaultNoContext     = "no_context"
	FaultTargetMissing = "target_not_found"
	FaultThrottled     = "throttled"
	FaultInvalid       = "invalid_payload"
	FaultTransport     = "transport_lost"
)

// Fault is a typed failure. Store, ledger and presence internals never return
// faults past their own boundary; only outward-facing session actions do.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return f.Code + ": " + f.Message
}

func faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FaultCode extracts the code from an error produced by this package, or ""
// if the error is not a Fault.
func FaultCode(err error) string {
	if f, ok := err.(*Fault); ok {
		return f.Code
	}
	return ""
}

// ============================================================================
// Identity
// ============================================================================

// Identity is the current user's stable ID and display name, supplied by the
// auth layer before any transport events are issued.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (id Identity) valid() bool {
	return id.UserID != "" && id.DisplayName != ""
}

// ============================================================================
// Contexts
// ============================================================================

// ContextKind distinguishes group rooms from 1:1 direct-message threads.
type ContextKind string

const (
	KindRoom   ContextKind = "room"
	KindDirect ContextKind = "direct"
)

// Context identifies one conversational context. At most one context is
// current per session. Contexts are cached for the whole session and evicted
// only on logout.
type Context struct {
	ID         string      `json:"id"`
	Kind       ContextKind `json:"kind"`
	Code       string      `json:"code,omitempty"`
	Name       string      `json:"name,omitempty"`
	PeerHandle string      `json:"peerHandle,omitempty"`
}

// NewRoomContext builds a room context.
func NewRoomContext(id, code, name string) Context {
	return Context{ID: id, Kind: KindRoom, Code: code, Name: name}
}

// NewDirectContext builds a DM context. The ID is a synthetic key derived
// from the peer's handle so that opening the same DM twice yields the same
// context.
func NewDirectContext(peerHandle string) Context {
	return Context{
		ID:         "dm:" + strings.ToLower(strings.TrimSpace(peerHandle)),
		Kind:       KindDirect,
		PeerHandle: peerHandle,
	}
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState is the delivery lifecycle of a message. Pending is local-only;
// the reconciler is the sole writer of state transitions.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// BodyKind tags the typed message payload.
type BodyKind string

const (
	BodyText   BodyKind = "text"
	BodyImage  BodyKind = "image"
	BodyFile   BodyKind = "file"
	BodyVoice  BodyKind = "voice"
	BodyPoll   BodyKind = "poll"
	BodySystem BodyKind = "system"
	BodyInvite BodyKind = "invite"
)

// PollOption is one votable choice in a poll body.
type PollOption struct {
	Label  string   `json:"label"`
	Voters []string `json:"voters,omitempty"`
}

// PollBody carries poll question and tallies.
type PollBody struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
}

// Body is a typed message payload.
type Body struct {
	Kind BodyKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Poll *PollBody      `json:"poll,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// TextBody builds a plain text body.
func TextBody(text string) Body {
	return Body{Kind: BodyText, Text: text}
}

func (b Body) empty() bool {
	return b.Kind == "" || (b.Text == "" && b.Poll == nil && len(b.Meta) == 0)
}

// Receipt records that one reader has viewed one message.
type Receipt struct {
	ReaderID    string    `json:"readerId"`
	DisplayName string    `json:"displayName"`
	ReadAt      time.Time `json:"readAt"`
}

// Message is one entry in a context's ordered list. ID may be a short-lived
// local placeholder ("local-<uuid>") until the reconciler promotes it to the
// server-assigned ID. ClientID carries the placeholder through to the server
// and back so the echo can be matched without relying on body equality.
type Message struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"clientId,omitempty"`
	ContextID  string        `json:"contextId"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName"`
	Body       Body          `json:"body"`
	CreatedAt  time.Time     `json:"createdAt"`
	EditedAt   *time.Time    `json:"editedAt,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
	State      DeliveryState `json:"state"`
	Readers    []Receipt     `json:"readers,omitempty"`
}

// localIDPrefix marks placeholder IDs generated for optimistic sends.
const localIDPrefix = "local-"

// IsLocalID reports whether id is a locally generated placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

func (m *Message) validate() error {
	if m.ID == "" {
		return faultf(FaultInvalid, "message missing id")
	}
	if m.Body.empty() {
		return faultf(FaultInvalid, "message %s missing body", m.ID)
	}
	return nil
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's known availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is the last-known status of one user. Session-scope only.
type PresenceRecord struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

// Participant is one entry of a room's participant list.
type Participant struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Status      PresenceStatus `json:"status,omitempty"`
}

// ============================================================================
// Wire envelopes
// ============================================================================

// Inbound event names (transport → core).
const (
	EvContextJoined = "context-joined"
	EvMessageNew    = "message-new"
	EvMessageEdited = "message-edited"
	EvMessageDel    = "message-deleted"
	EvHistory       = "messages-history"
	EvReadReceipt   = "read-receipt"
	EvPresencePush  = "presence-status-push"
	EvParticipants  = "participants-list"
	EvError         = "error"
)

// Transport lifecycle signals, dispatched through the same handler registry.
const (
	EvEstablished = "connection-established"
	EvLost        = "connection-lost"
	EvReconnected = "connection-reconnected"
)

// Outbound event names (core → transport).
const (
	EvJoinContext   = "join-context"
	EvCreateContext = "create-context"
	EvSendMessage   = "send-message"
	EvEditMessage   = "edit-message"
	EvDeleteMessage = "delete-message"
	EvMarkRead      = "mark-read"
	EvMarkReadBulk  = "mark-read-bulk"
	EvVotePoll      = "vote-poll"
	EvReqPresence   = "request-presence"
	EvReqParts      = "request-participants"
	EvRegisterIdent = "register-identity"
	EvLeaveContext  = "leave-context"
)

// Envelope is the wire format for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Inbound payloads
// ============================================================================

// ContextJoinedPayload confirms a join/create and names the context.
type ContextJoinedPayload struct {
	Context      Context       `json:"context"`
	Participants []Participant `json:"participants,omitempty"`
}

func (p *ContextJoinedPayload) Validate() error {
	if p.Context.ID == "" {
		return faultf(FaultInvalid, "context-joined missing context id")
	}
	return nil
}

// MessageNewPayload carries one freshly delivered message.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

func (p *MessageNewPayload) Validate() error {
	if p.Message.ContextID == "" {
		return faultf(FaultInvalid, "message-new missing contextId")
	}
	return p.Message.validate()
}

// MessageEditedPayload carries an edit confirmation.
type MessageEditedPayload struct {
	ContextID string    `json:"contextId"`
	MessageID string    `json:"messageId"`
	Body      Body      `json:"body"`
	EditedAt  time.Time `json:"editedAt"`
}

func (p *MessageEditedPayload) Validate() error {
	if p.ContextID == "" || p.MessageID == "" {
		return faultf(FaultInvalid, "message-edited missing ids")
	}
	return nil
}

// MessageDeletedPayload carries a delete confirmation.
type MessageDeletedPayload struct {
	ContextID string `json:"contextId"`
	MessageID string `json:"messageId"`
}

func (p *MessageDeletedPayload) Validate() error {
	if p.ContextID == "" || p.MessageID == "" {
		return faultf(FaultInvalid, "message-deleted missing ids")
	}
	return nil
}

// HistoryPayload is a bulk history page for one context.
type HistoryPayload struct {
	ContextID string    `json:"contextId"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"hasMore,omitempty"`
}

func (p *HistoryPayload) Validate() error {
	if p.ContextID == "" {
		return faultf(FaultInvalid, "messages-history missing contextId")
	}
	return nil
}

// ReadReceiptPayload reports that a reader has read one or more messages.
type ReadReceiptPayload struct {
	ContextID  string    `json:"contextId"`
	MessageIDs []string  `json:"messageIds"`
	ReaderID   string    `json:"readerId"`
	ReaderName string    `json:"readerName"`
	ReadAt     time.Time `json:"readAt"`
}

func (p *ReadReceiptPayload) Validate() error {
	if p.ReaderID == "" || len(p.MessageIDs) == 0 {
		return faultf(FaultInvalid, "read-receipt missing reader or messages")
	}
	return nil
}

// PresencePushPayload is a server push of one user's status change.
type PresencePushPayload struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt,omitempty"`
}

func (p *PresencePushPayload) Validate() error {
	if p.UserID == "" || p.Status == "" {
		return faultf(FaultInvalid, "presence push missing user or status")
	}
	return nil
}

// ParticipantsPayload is the full participant list of a room context.
type ParticipantsPayload struct {
	ContextID    string        `json:"contextId"`
	Participants []Participant `json:"participants"`
}

func (p *ParticipantsPayload) Validate() error {
	if p.ContextID == "" {
		return faultf(FaultInvalid, "participants-list missing contextId")
	}
	return nil
}

// ErrorPayload is the generic server error event. Code differentiates
// handling; "target_not_found" marks a stale context reference.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

// RegisterIdentityPayload re-announces who this connection belongs to.
type RegisterIdentityPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// JoinContextPayload asks the server to subscribe this connection to a context.
type JoinContextPayload struct {
	ContextID string `json:"contextId"`
	Code      string `json:"code,omitempty"`
}

// CreateContextPayload asks the server to create a room or DM thread.
type CreateContextPayload struct {
	Kind       ContextKind `json:"kind"`
	Name       string      `json:"name,omitempty"`
	PeerHandle string      `json:"peerHandle,omitempty"`
}

// SendMessagePayload is an outbound send. ClientID is the local placeholder
// ID, carried end-to-end so the echo can be reconciled by correlation.
type SendMessagePayload struct {
	ContextID  string `json:"contextId"`
	ClientID   string `json:"clientId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       Body   `json:"body"`
}

// EditMessagePayload is an outbound edit.
type EditMessagePayload struct {
	ContextID string `json:"contextId"`
	MessageID string `json:"messageId"`
	Body      Body   `json:"body"`
}

// DeleteMessagePayload is an outbound delete.
type DeleteMessagePayload struct {
	ContextID string `json:"contextId"`
	MessageID string `json:"messageId"`
}

// MarkReadPayload marks one or more messages read by the current user.
type MarkReadPayload struct {
	ContextID  string   `json:"contextId"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
	ReaderName string   `json:"readerName"`
}

// VotePollPayload records one vote on a poll message option.
type VotePollPayload struct {
	ContextID string `json:"contextId"`
	MessageID string `json:"messageId"`
	Option    int    `json:"option"`
	VoterID   string `json:"voterId"`
}

// RequestPresencePayload asks for one user's current status.
type RequestPresencePayload struct {
	UserID string `json:"userId"`
}

// RequestParticipantsPayload asks for a room's full participant list.
type RequestParticipantsPayload struct {
	ContextID string `json:"contextId"`
}

// LeaveContextPayload unsubscribes this connection from a context.
type LeaveContextPayload struct {
	ContextID string `json:"contextId"`
}
