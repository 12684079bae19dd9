// Package pool keeps live transport connections keyed by destination,
// profile and proxy, multiplexes HTTP/2 streams under the peer's ceiling and
// evicts idle connections in the background.
package pool

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/time/rate"

	"github.com/sardanioss/mimicry/dns"
	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/mimicry/logging"
	"github.com/sardanioss/mimicry/transport"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = transport.ErrPoolClosed

const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultSettingsTimeout = time.Second

	minSweepInterval = 50 * time.Millisecond
	maxSweepInterval = 30 * time.Second
)

// Key identifies connections that may be shared. Profiles are compared by
// identity.
type Key struct {
	Scheme  string
	Host    string
	Port    string
	Profile *fingerprint.Profile
	Proxy   string
}

// Addr returns host:port.
func (k Key) Addr() string { return net.JoinHostPort(k.Host, k.Port) }

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Scheme)
	b.WriteString("://")
	b.WriteString(k.Addr())
	if k.Profile != nil {
		b.WriteString(" profile=")
		b.WriteString(k.Profile.Name())
	}
	if k.Proxy != "" {
		b.WriteString(" proxy=")
		if u, err := url.Parse(k.Proxy); err == nil {
			b.WriteString(u.Redacted())
		} else {
			b.WriteString("invalid")
		}
	}
	return b.String()
}

func (k Key) normalize() (Key, error) {
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(strings.Trim(k.Host, "[]"))
	if k.Host == "" {
		return k, errors.New("pool: empty host")
	}
	switch k.Scheme {
	case "https":
		if k.Port == "" {
			k.Port = "443"
		}
	case "http":
		if k.Port == "" {
			k.Port = "80"
		}
	default:
		return k, fmt.Errorf("pool: unsupported scheme %q", k.Scheme)
	}
	return k, nil
}

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	Resolver        *dns.Resolver
	HeadStart       time.Duration
	ConnectTimeout  time.Duration
	IdleTimeout     time.Duration
	SettingsTimeout time.Duration
	// Interface returns the device new sockets are bound to; it is called
	// for every dial.
	Interface func() string

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	CaptureTLSInfo     bool
	SessionCache       utls.ClientSessionCache
	KeyLog             io.Writer

	// DialRate limits new connections per second; zero is unlimited.
	DialRate  rate.Limit
	DialBurst int

	H2ReadIdleTimeout time.Duration
	H2PingTimeout     time.Duration

	Registerer prometheus.Registerer
	Logger     logging.Logger
}

// Manager owns every pooled connection of a client.
type Manager struct {
	cfg      Config
	resolver *dns.Resolver
	limiter  *rate.Limiter
	metrics  *metrics
	log      logging.Logger
	nextID   atomic.Uint64

	mu     sync.Mutex
	hosts  map[Key]*hostPool
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type hostPool struct {
	mu    sync.Mutex
	conns []*Conn
}

// NewManager returns a manager and starts its idle sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SettingsTimeout <= 0 {
		cfg.SettingsTimeout = DefaultSettingsTimeout
	}
	if cfg.HeadStart <= 0 {
		cfg.HeadStart = dns.DefaultHeadStart
	}
	if cfg.SessionCache == nil {
		cfg.SessionCache = transport.NewSessionCache(transport.DefaultSessionCacheSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	m := &Manager{
		cfg:      cfg,
		resolver: cfg.Resolver,
		metrics:  newMetrics(cfg.Registerer),
		log:      cfg.Logger.With("component", "pool"),
		hosts:    make(map[Key]*hostPool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if m.resolver == nil {
		m.resolver = dns.NewResolver(dns.WithLogger(cfg.Logger))
	}
	if cfg.DialRate > 0 {
		burst := cfg.DialBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(cfg.DialRate, burst)
	}
	go m.sweepLoop(sweepInterval(cfg.IdleTimeout))
	return m
}

func sweepInterval(idle time.Duration) time.Duration {
	return min(max(idle/4, minSweepInterval), maxSweepInterval)
}

// Acquire returns a lease on a connection for key that may carry one
// request under pin. HTTP/2 connections with a free stream slot are
// shared; when every live HTTP/2 connection is at its ceiling the caller
// queues on the one with the shortest queue. Idle HTTP/1.1 connections are
// reused. Otherwise a new connection is established.
func (m *Manager) Acquire(ctx context.Context, key Key, pin transport.Pin) (*Lease, error) {
	key, err := key.normalize()
	if err != nil {
		return nil, err
	}
	for {
		hp, err := m.host(key)
		if err != nil {
			return nil, err
		}
		c, queue := hp.pick(pin)
		if c != nil {
			return m.lease(c, true), nil
		}
		if queue == nil {
			break
		}
		if l, err := m.wait(ctx, queue); l != nil || err != nil {
			return l, err
		}
	}

	c, err := m.dial(ctx, key, pin)
	if err != nil {
		return nil, err
	}
	return m.admit(ctx, c)
}

func (m *Manager) host(key Key) (*hostPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	hp, ok := m.hosts[key]
	if !ok {
		hp = &hostPool{}
		m.hosts[key] = hp
	}
	return hp, nil
}

// pick returns a connection it has claimed a slot on, or the saturated
// HTTP/2 connection with the shortest queue.
func (hp *hostPool) pick(pin transport.Pin) (claimed, queue *Conn) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	shortest := -1
	for _, c := range hp.conns {
		if !c.usable() {
			continue
		}
		if c.isH2() {
			if pin == transport.PinHTTP1 {
				continue
			}
			if c.gate.tryAcquire() {
				if c.begin() {
					return c, nil
				}
				c.gate.release()
				continue
			}
			if _, queued, _ := c.gate.stats(); shortest < 0 || queued < shortest {
				queue, shortest = c, queued
			}
			continue
		}
		if pin != transport.PinHTTP2 && c.claimIdle() {
			return c, nil
		}
	}
	return nil, queue
}

// wait queues for a stream slot on c. A nil lease and nil error mean the
// connection went away while queued and the caller should look again.
func (m *Manager) wait(ctx context.Context, c *Conn) (*Lease, error) {
	m.metrics.queueWaits.Inc()
	start := time.Now()
	err := c.gate.acquire(ctx)
	m.metrics.waitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nil
	}
	if !c.begin() {
		c.gate.release()
		return nil, nil
	}
	return m.lease(c, true), nil
}

// admit registers a freshly dialed connection and claims it for the caller.
func (m *Manager) admit(ctx context.Context, c *Conn) (*Lease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeConn(c, "pool closed")
		return nil, ErrPoolClosed
	}
	hp, ok := m.hosts[c.key]
	if !ok {
		hp = &hostPool{}
		m.hosts[c.key] = hp
	}
	hp.mu.Lock()
	ready := c.ready(!c.isH2())
	if ready {
		hp.conns = append(hp.conns, c)
	}
	hp.mu.Unlock()
	m.mu.Unlock()

	if !ready {
		m.closeConn(c, "goaway")
		return nil, &transport.ProtocolError{Protocol: c.Protocol(), Op: "setup", Err: transport.ErrConnectionClosed}
	}
	if !c.isH2() {
		return m.lease(c, false), nil
	}
	if err := c.gate.acquire(ctx); err != nil {
		return nil, err
	}
	if !c.begin() {
		c.gate.release()
		return nil, &transport.ProtocolError{Protocol: transport.ProtoHTTP2, Op: "setup", Err: transport.ErrConnectionClosed}
	}
	return m.lease(c, false), nil
}

func (m *Manager) lease(c *Conn, reused bool) *Lease {
	m.metrics.streams.Inc()
	return &Lease{m: m, conn: c, reused: reused}
}

// release returns a stream slot. err is the outcome of the exchange.
func (m *Manager) release(c *Conn, err error) {
	m.metrics.streams.Dec()
	if c.gate != nil {
		c.gate.release()
	}
	if !c.rt.Reusable() || (err != nil && transport.IsRetryable(err)) {
		c.markClosing()
	}
	if c.end() {
		m.closeConn(c, "broken")
	}
}

func (m *Manager) onGoAway(c *Conn, code fmt.Stringer) {
	m.log.Debug("peer sent GOAWAY", "conn", c.id, "key", c.key.String(), "code", code.String())
	c.markClosing()
}

func (m *Manager) closeConn(c *Conn, reason string) {
	if c.close() {
		m.metrics.closed.WithLabelValues(reason).Inc()
		m.log.Debug("connection closed", "conn", c.id, "key", c.key.String(), "reason", reason)
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep(time.Now(), false)
		}
	}
}

// sweep closes connections idle for longer than the idle timeout (or all
// idle connections when force is set) and drained closing connections, and
// forgets hosts left without connections.
func (m *Manager) sweep(now time.Time, force bool) {
	m.mu.Lock()
	hosts := make([]*hostPool, 0, len(m.hosts))
	for _, hp := range m.hosts {
		hosts = append(hosts, hp)
	}
	m.mu.Unlock()

	type victim struct {
		c      *Conn
		reason string
	}
	var victims []victim
	idle := m.cfg.IdleTimeout
	if force {
		idle = 0
	}
	for _, hp := range hosts {
		hp.mu.Lock()
		kept := hp.conns[:0]
		for _, c := range hp.conns {
			switch {
			case c.State() == StateClosed:
			case c.idleFor(idle, now):
				c.markClosing()
				victims = append(victims, victim{c, "idle"})
			case !c.rt.Reusable() && c.markClosing():
				victims = append(victims, victim{c, "unusable"})
			default:
				kept = append(kept, c)
			}
		}
		clear(hp.conns[len(kept):])
		hp.conns = kept
		hp.mu.Unlock()
	}
	for _, v := range victims {
		m.closeConn(v.c, v.reason)
	}

	m.mu.Lock()
	for key, hp := range m.hosts {
		hp.mu.Lock()
		if len(hp.conns) == 0 {
			delete(m.hosts, key)
		}
		hp.mu.Unlock()
	}
	m.mu.Unlock()
}

// CloseIdle closes every connection without an open stream.
func (m *Manager) CloseIdle() { m.sweep(time.Now(), true) }

// Close stops the sweeper and closes every connection. Queued acquires fail
// and later ones return ErrPoolClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var conns []*Conn
	for _, hp := range m.hosts {
		hp.mu.Lock()
		conns = append(conns, hp.conns...)
		hp.conns = nil
		hp.mu.Unlock()
	}
	m.hosts = make(map[Key]*hostPool)
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	for _, c := range conns {
		m.closeConn(c, "pool closed")
	}
	return nil
}

// Conns returns a snapshot of the pooled connections.
func (m *Manager) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conn
	for _, hp := range m.hosts {
		hp.mu.Lock()
		out = append(out, hp.conns...)
		hp.mu.Unlock()
	}
	return out
}

// Stats summarises the pool.
type Stats struct {
	Hosts      int
	Conns      int
	Idle       int
	InUse      int
	Closing    int
	Streams    int
	Queued     int
	ByProtocol map[string]int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	hosts := len(m.hosts)
	m.mu.Unlock()

	s := Stats{Hosts: hosts, ByProtocol: make(map[string]int)}
	for _, c := range m.Conns() {
		s.Conns++
		s.ByProtocol[c.Protocol()]++
		switch c.State() {
		case StateIdle:
			s.Idle++
		case StateInUse:
			s.InUse++
		case StateClosing:
			s.Closing++
		}
		s.Streams += c.Streams()
		if c.gate != nil {
			_, queued, _ := c.gate.stats()
			s.Queued += queued
		}
	}
	return s
}

// Lease is the right to run one request on a pooled connection. It is
// released when the response body is read to the end or closed, when the
// round trip fails, or by Release.
type Lease struct {
	m      *Manager
	conn   *Conn
	reused bool
	once   sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.conn }

// Reused reports whether the connection carried earlier requests.
func (l *Lease) Reused() bool { return l.reused }

// RoundTrip sends req on the leased connection. The lease ends with the
// response body.
func (l *Lease) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := l.conn.rt.RoundTrip(req)
	if err != nil {
		l.finish(err)
		return nil, err
	}
	transport.WatchBody(resp, l.finish)
	return resp, nil
}

// Release gives the lease back without sending a request.
func (l *Lease) Release() { l.finish(nil) }

func (l *Lease) finish(err error) {
	l.once.Do(func() { l.m.release(l.conn, err) })
}
