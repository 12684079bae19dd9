package transport

import (
	"container/list"
	"encoding/base64"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

// SessionMaxAge bounds how long an exported session may be imported again.
const SessionMaxAge = 24 * time.Hour

// DefaultSessionCacheSize is the number of tickets a SessionCache keeps.
const DefaultSessionCacheSize = 64

// SessionState is the serialisable form of one cached TLS session.
type SessionState struct {
	Ticket    string    `json:"ticket" yaml:"ticket"`
	State     string    `json:"state" yaml:"state"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SessionCache is an LRU utls.ClientSessionCache whose contents can be
// exported and imported again, so a later process resumes sessions the way
// a browser restart does.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	sessions map[string]*list.Element
}

type cachedSession struct {
	key       string
	state     *utls.ClientSessionState
	createdAt time.Time
}

// NewSessionCache returns a cache holding up to capacity sessions.
func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = DefaultSessionCacheSize
	}
	return &SessionCache{
		capacity: capacity,
		order:    list.New(),
		sessions: make(map[string]*list.Element),
	}
}

// Get implements utls.ClientSessionCache.
func (c *SessionCache) Get(sessionKey string) (*utls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.sessions[sessionKey]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cachedSession).state, true
	}
	return nil, false
}

// Put implements utls.ClientSessionCache. A nil state removes the entry.
func (c *SessionCache) Put(sessionKey string, cs *utls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(sessionKey, cs, time.Now())
}

func (c *SessionCache) putLocked(key string, cs *utls.ClientSessionState, created time.Time) {
	if el, ok := c.sessions[key]; ok {
		if cs == nil {
			c.order.Remove(el)
			delete(c.sessions, key)
			return
		}
		entry := el.Value.(*cachedSession)
		entry.state, entry.createdAt = cs, created
		c.order.MoveToFront(el)
		return
	}
	if cs == nil {
		return
	}
	c.sessions[key] = c.order.PushFront(&cachedSession{key: key, state: cs, createdAt: created})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.sessions, oldest.Value.(*cachedSession).key)
	}
}

// Export serialises every resumable session by key. Sessions that cannot be
// serialised are skipped.
func (c *SessionCache) Export() map[string]SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]SessionState, len(c.sessions))
	for key, el := range c.sessions {
		entry := el.Value.(*cachedSession)
		ticket, state, err := entry.state.ResumptionState()
		if err != nil || ticket == nil || state == nil {
			continue
		}
		raw, err := state.Bytes()
		if err != nil {
			continue
		}
		out[key] = SessionState{
			Ticket:    base64.StdEncoding.EncodeToString(ticket),
			State:     base64.StdEncoding.EncodeToString(raw),
			CreatedAt: entry.createdAt,
		}
	}
	return out
}

// Import loads sessions produced by Export and returns how many were
// accepted. Sessions older than SessionMaxAge or that fail to decode are
// skipped.
func (c *SessionCache) Import(sessions map[string]SessionState) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, s := range sessions {
		if time.Since(s.CreatedAt) > SessionMaxAge {
			continue
		}
		ticket, err := base64.StdEncoding.DecodeString(s.Ticket)
		if err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(s.State)
		if err != nil {
			continue
		}
		state, err := utls.ParseSessionState(raw)
		if err != nil {
			continue
		}
		cs, err := utls.NewResumptionState(ticket, state)
		if err != nil {
			continue
		}
		c.putLocked(key, cs, s.CreatedAt)
		n++
	}
	return n
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every session.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.sessions)
}
