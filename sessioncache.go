package chatsync

import (
	"encoding/json"
	"sync"
	"time"
)

// ============================================================================
// SessionCache
// ============================================================================

// SessionMaxAge bounds how old a cached session may be and still restore
// automatically.
const SessionMaxAge = 24 * time.Hour

// SessionCache is the best-effort, session-scope client cache: the current
// identity, the last-active context and the set of known contexts. Losing it
// only costs a re-fetch, never correctness. Everything is invalidated
// together on logout.
type SessionCache struct {
	mu          sync.RWMutex
	identity    *Identity
	lastContext *Context
	savedAt     time.Time
	known       map[string]Context
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{known: make(map[string]Context)}
}

// SaveSession records the identity and last-active context.
func (c *SessionCache) SaveSession(id Identity, ctx *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idCopy := id
	c.identity = &idCopy
	if ctx != nil {
		ctxCopy := *ctx
		c.lastContext = &ctxCopy
		c.known[ctx.ID] = ctxCopy
	} else {
		c.lastContext = nil
	}
	c.savedAt = time.Now()
}

// RestoreSession returns the cached identity and last context when the cache
// is younger than maxAge (SessionMaxAge when zero). A stale or empty cache
// returns ok=false.
func (c *SessionCache) RestoreSession(maxAge time.Duration) (Identity, *Context, bool) {
	if maxAge == 0 {
		maxAge = SessionMaxAge
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil || time.Since(c.savedAt) > maxAge {
		return Identity{}, nil, false
	}
	var ctx *Context
	if c.lastContext != nil {
		ctxCopy := *c.lastContext
		ctx = &ctxCopy
	}
	return *c.identity, ctx, true
}

// RememberContext adds a context to the known set.
func (c *SessionCache) RememberContext(ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[ctx.ID] = ctx
}

// ForgetContext drops a context from the cache, clearing the last-active
// reference when it pointed there. Used when a cached target turns out to be
// gone.
func (c *SessionCache) ForgetContext(contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, contextID)
	if c.lastContext != nil && c.lastContext.ID == contextID {
		c.lastContext = nil
	}
}

// KnownContexts lists every context visited this session.
func (c *SessionCache) KnownContexts() []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Context, 0, len(c.known))
	for _, ctx := range c.known {
		out = append(out, ctx)
	}
	return out
}

// LookupKnown returns a known context by ID.
func (c *SessionCache) LookupKnown(contextID string) (Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.known[contextID]
	return ctx, ok
}

// Clear wipes the cache. Logout only.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = nil
	c.lastContext = nil
	c.savedAt = time.Time{}
	c.known = make(map[string]Context)
}

// ============================================================================
// Serialization
// ============================================================================

type cacheSnapshot struct {
	Identity    *Identity `json:"identity,omitempty"`
	LastContext *Context  `json:"lastContext,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
	Known       []Context `json:"known,omitempty"`
}

// ExportJSON serializes the cache so a host can stash it in tab-scoped
// storage between page loads.
func (c *SessionCache) ExportJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := cacheSnapshot{
		Identity:    c.identity,
		LastContext: c.lastContext,
		SavedAt:     c.savedAt,
	}
	for _, ctx := range c.known {
		snap.Known = append(snap.Known, ctx)
	}
	return json.Marshal(snap)
}

// ImportJSON loads a previously exported cache. Malformed input leaves the
// cache untouched.
func (c *SessionCache) ImportJSON(data []byte) error {
	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return faultf(FaultInvalid, "session cache: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = snap.Identity
	c.lastContext = snap.LastContext
	c.savedAt = snap.SavedAt
	c.known = make(map[string]Context, len(snap.Known))
	for _, ctx := range snap.Known {
		c.known[ctx.ID] = ctx
	}
	return nil
}
