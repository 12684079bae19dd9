package pool

import (
	"net"
	"sync"
	"time"

	"github.com/sardanioss/mimicry/transport"
)

// State is a pooled connection's lifecycle stage.
type State int32

const (
	StateEstablishing State = iota
	StateIdle
	StateInUse
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live transport connection owned by the pool.
type Conn struct {
	key     Key
	id      uint64
	rt      transport.RoundTripper
	h2      *transport.H2Session
	gate    *streamGate
	remote  net.Addr
	tlsInfo *transport.TLSInfo
	created time.Time

	mu         sync.Mutex
	state      State
	streams    int
	lastActive time.Time
	uses       int64
}

func newConn(key Key, id uint64, remote net.Addr) *Conn {
	now := time.Now()
	return &Conn{
		key:        key,
		id:         id,
		remote:     remote,
		created:    now,
		lastActive: now,
		state:      StateEstablishing,
	}
}

// Key returns the pool key the connection serves.
func (c *Conn) Key() Key { return c.key }

// Protocol returns transport.ProtoHTTP1 or transport.ProtoHTTP2.
func (c *Conn) Protocol() string { return c.rt.Protocol() }

// RemoteAddr returns the address actually connected to (the proxy when
// tunnelling).
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// TLSInfo returns the captured handshake details, or nil when capture is
// disabled or the connection is plaintext.
func (c *Conn) TLSInfo() *transport.TLSInfo { return c.tlsInfo }

func (c *Conn) CreatedAt() time.Time { return c.created }

func (c *Conn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Streams returns the number of requests currently using the connection.
func (c *Conn) Streams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

func (c *Conn) isH2() bool { return c.h2 != nil }

// usable reports whether new requests may be started on the connection.
func (c *Conn) usable() bool {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	return (st == StateIdle || st == StateInUse) && c.rt.Reusable()
}

// claimIdle moves an idle h1 connection to InUse.
func (c *Conn) claimIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle || c.streams > 0 || !c.rt.Reusable() {
		return false
	}
	c.state = StateInUse
	c.streams = 1
	c.uses++
	c.lastActive = time.Now()
	return true
}

// begin records a stream admitted by the gate.
func (c *Conn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle && c.state != StateInUse {
		return false
	}
	c.state = StateInUse
	c.streams++
	c.uses++
	c.lastActive = time.Now()
	return true
}

// end records a finished stream. It reports whether the connection should
// now be closed.
func (c *Conn) end() (closeNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams--
	c.lastActive = time.Now()
	if c.state == StateInUse && c.streams == 0 {
		c.state = StateIdle
	}
	if c.state == StateClosing && c.streams == 0 {
		return true
	}
	return false
}

// markClosing stops new requests. It reports whether no stream is open.
func (c *Conn) markClosing() (drained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosing
	return c.streams == 0
}

// idleFor reports whether the connection has had no stream for at least d.
func (c *Conn) idleFor(d time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle && c.streams == 0 && now.Sub(c.lastActive) >= d
}

// close tears the connection down. It is safe to call more than once.
func (c *Conn) close() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()

	if c.gate != nil {
		c.gate.fail(transport.ErrConnectionClosed)
	}
	c.rt.Close()
	return true
}

// ready moves a new connection out of Establishing, either straight to
// InUse for its dialer or to Idle. It fails if the peer already sent GOAWAY.
func (c *Conn) ready(inUse bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablishing {
		return false
	}
	c.lastActive = time.Now()
	if inUse {
		c.state = StateInUse
		c.streams = 1
		c.uses = 1
		return true
	}
	c.state = StateIdle
	return true
}
