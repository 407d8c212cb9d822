package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channel contract
// ============================================================================

// Handler receives the raw data of one inbound event. Handlers registered for
// the same event run in registration order; the channel delivers events one
// at a time, in arrival order, so handlers need no internal locking for
// session state.
type Handler func(data json.RawMessage)

// Channel is the opaque bidirectional event link the session core runs on.
// Reconnection is automatic and transparent; the channel replays nothing on
// reconnect — resync is the session controller's job.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error
	On(event string, h Handler)
	Emit(event string, data any) error
	IsConnected() bool
}

// ChannelState is the link state of a channel.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Options
// ============================================================================

// ChannelOptions configures a WSChannel. Zero values fall back to defaults.
type ChannelOptions struct {
	AutoReconnect        bool
	MaxReconnectAttempts int           // 0 means unlimited
	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 30s
	WriteTimeout         time.Duration // default 10s
	OutboundRate         rate.Limit    // default Inf (no throttling)
	OutboundBurst        int
	Logger               zerolog.Logger
}

func (o *ChannelOptions) defaults() {
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.OutboundRate == 0 {
		o.OutboundRate = rate.Inf
	}
	if o.OutboundBurst == 0 {
		o.OutboundBurst = 1
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A minute of stable connection resets the backoff ladder.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is the WebSocket implementation of Channel with automatic
// reconnect and an optional client-side outbound rate limiter.
type WSChannel struct {
	url  string
	opts ChannelOptions
	log  zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	everConnected    bool
	cancelFn         context.CancelFunc

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	recon   *reconnector
	limiter *rate.Limiter
}

// NewWSChannel creates a WebSocket channel for url. Pass nil opts for
// defaults (no auto-reconnect, no outbound throttling).
func NewWSChannel(url string, opts *ChannelOptions) *WSChannel {
	var o ChannelOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &WSChannel{
		url:      url,
		opts:     o,
		log:      o.Logger,
		state:    ChannelDisconnected,
		handlers: make(map[string][]Handler),
		recon: &reconnector{
			baseDelay:   o.ReconnectBaseDelay,
			maxDelay:    o.ReconnectMaxDelay,
			maxAttempts: o.MaxReconnectAttempts,
		},
		limiter: rate.NewLimiter(o.OutboundRate, o.OutboundBurst),
	}
}

// On registers a handler for an event name. Multiple handlers per event are
// allowed and run in registration order.
func (c *WSChannel) On(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlerMu.Unlock()
}

// State returns the current link state.
func (c *WSChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the link is currently up.
func (c *WSChannel) IsConnected() bool {
	return c.State() == ChannelConnected
}

// Connect establishes or resumes the connection. A second call while
// connected or connecting is a no-op.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ChannelConnected || c.state == ChannelConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = ChannelDisconnected
		c.mu.Unlock()
		return faultf(FaultTransport, "dial %s: %v", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = ChannelConnected
	first := !c.everConnected
	c.everConnected = true
	c.mu.Unlock()
	c.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	if first {
		c.dispatch(EvEstablished, nil)
	} else {
		c.dispatch(EvReconnected, nil)
	}

	go c.readLoop(connCtx, conn)
	return nil
}

// Close tears the connection down for good; no reconnect is attempted.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = ChannelDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Emit sends a fire-and-forget event. Returns a throttled fault if the
// outbound limiter rejects the send; the caller decides whether to resubmit.
func (c *WSChannel) Emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return faultf(FaultNotConnected, "emit %s: channel is down", event)
	}

	if !c.limiter.Allow() {
		return faultf(FaultThrottled, "emit %s: outbound rate exceeded", event)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return faultf(FaultInvalid, "emit %s: %v", event, err)
	}
	env, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return faultf(FaultInvalid, "emit %s: %v", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		return faultf(FaultTransport, "emit %s: %v", event, err)
	}
	return nil
}

// dispatch invokes handlers synchronously, preserving arrival order.
func (c *WSChannel) dispatch(event string, data json.RawMessage) {
	c.handlerMu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.state = ChannelDisconnected
			c.conn = nil
			c.mu.Unlock()

			if intentional {
				return
			}

			c.log.Warn().Err(err).Msg("connection lost")
			c.dispatch(EvLost, nil)

			if c.opts.AutoReconnect && c.recon.shouldReconnect() {
				go c.reconnectLoop()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn().Msg("dropping malformed frame")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *WSChannel) reconnectLoop() {
	for {
		delay := c.recon.nextDelay()
		c.mu.Lock()
		c.state = ChannelReconnecting
		c.mu.Unlock()
		c.log.Info().Dur("delay", delay).Int("attempt", c.recon.attempt).Msg("reconnecting")

		time.Sleep(delay)

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = ChannelDisconnected
		c.mu.Unlock()

		if err := c.Connect(context.Background()); err == nil {
			return
		}
		if !c.recon.shouldReconnect() {
			c.mu.Lock()
			c.state = ChannelDisconnected
			c.mu.Unlock()
			c.log.Error().Msg("reconnect attempts exhausted")
			return
		}
	}
}
