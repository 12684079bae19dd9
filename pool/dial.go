package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/sardanioss/net/http2"

	"github.com/sardanioss/mimicry/dns"
	"github.com/sardanioss/mimicry/proxy"
	"github.com/sardanioss/mimicry/transport"
)

// dial establishes a new connection for key: resolve, race the candidates
// (or tunnel through the proxy), handshake TLS for https and set up HTTP/2
// when ALPN or the pin selects it.
func (m *Manager) dial(ctx context.Context, key Key, pin transport.Pin) (*Conn, error) {
	if pin == transport.PinHTTP2 && key.Profile != nil && key.Profile.HTTP2Disabled() {
		return nil, &transport.ProtocolError{
			Protocol: transport.ProtoHTTP2,
			Op:       "setup",
			Err:      fmt.Errorf("%w: disabled by profile %s", transport.ErrHTTP2Unavailable, key.Profile.Name()),
		}
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	start := time.Now()

	raw, err := m.dialRaw(ctx, key)
	if err != nil {
		m.dialFailed(key, err)
		return nil, err
	}
	c := newConn(key, m.nextID.Add(1), raw.RemoteAddr())

	conn := raw
	useH2 := pin == transport.PinHTTP2
	if key.Scheme == "https" {
		uconn, err := transport.DialTLS(ctx, raw, transport.TLSParams{
			Profile:            key.Profile,
			ServerName:         key.Host,
			ALPN:               transport.ALPNFor(key.Profile, pin),
			InsecureSkipVerify: m.cfg.InsecureSkipVerify,
			RootCAs:            m.cfg.RootCAs,
			SessionCache:       m.cfg.SessionCache,
			KeyLogWriter:       m.cfg.KeyLog,
		})
		if err != nil {
			m.dialFailed(key, err)
			return nil, err
		}
		state := uconn.ConnectionState()
		if m.cfg.CaptureTLSInfo {
			c.tlsInfo = transport.NewTLSInfo(state)
		}
		conn = uconn
		useH2 = state.NegotiatedProtocol == transport.ALPNHTTP2
		if pin == transport.PinHTTP2 && !useH2 {
			uconn.Close()
			return nil, &transport.ProtocolError{
				Protocol: transport.ProtoHTTP2,
				Op:       "alpn",
				Err:      fmt.Errorf("%w: server selected %q", transport.ErrHTTP2Unavailable, state.NegotiatedProtocol),
			}
		}
	}

	if useH2 {
		if err := m.startH2(ctx, c, conn); err != nil {
			m.dialFailed(key, err)
			return nil, err
		}
	} else {
		c.rt = transport.NewH1Conn(conn, key.Profile)
	}

	m.metrics.opened.WithLabelValues(c.Protocol()).Inc()
	m.log.Debug("connection established",
		"conn", c.id,
		"key", key.String(),
		"protocol", c.Protocol(),
		"remote", c.remote.String(),
		"elapsed", time.Since(start),
	)
	return c, nil
}

func (m *Manager) startH2(ctx context.Context, c *Conn, conn net.Conn) error {
	c.gate = newStreamGate(transport.DefaultMaxConcurrentStreams)
	s, err := transport.NewH2Session(conn, c.key.Profile, transport.H2Options{
		ReadIdleTimeout: m.cfg.H2ReadIdleTimeout,
		PingTimeout:     m.cfg.H2PingTimeout,
		OnMaxStreams:    func(n uint32) { c.gate.setLimit(int(n)) },
		OnGoAway:        func(code http2.ErrCode) { m.onGoAway(c, code) },
	})
	if err != nil {
		conn.Close()
		return err
	}
	c.h2, c.rt = s, s
	if !s.WaitSettings(ctx, m.cfg.SettingsTimeout) {
		m.log.Debug("no SETTINGS from peer yet, using default stream ceiling",
			"conn", c.id, "ceiling", transport.DefaultMaxConcurrentStreams)
	}
	return nil
}

// dialRaw opens the TCP connection that TLS (or plaintext HTTP) runs over.
func (m *Manager) dialRaw(ctx context.Context, key Key) (net.Conn, error) {
	d := &dns.Dialer{Timeout: m.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	if m.cfg.Interface != nil {
		d.Interface = m.cfg.Interface()
	}

	if key.Proxy == "" {
		return m.race(ctx, key.Host, key.Port, d)
	}

	fail := func(err error) error {
		if transport.IsTimeout(err) {
			err = &transport.TimeoutError{Op: "proxy connect", Err: err}
		}
		return &transport.ConnectError{Phase: transport.PhaseTransport, Host: key.Host, Port: key.Port, Err: err}
	}
	u, err := proxy.Parse(key.Proxy)
	if err != nil {
		return nil, fail(err)
	}
	pd, err := proxy.New(u, proxy.Options{
		Forward: func(ctx context.Context, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			return m.race(ctx, host, port, d)
		},
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return m.resolver.LookupHost(ctx, host)
		},
		TLSConfig: &utls.Config{InsecureSkipVerify: m.cfg.InsecureSkipVerify, RootCAs: m.cfg.RootCAs},
	})
	if err != nil {
		return nil, fail(err)
	}
	conn, err := pd.DialContext(ctx, "tcp", key.Addr())
	if err != nil {
		return nil, fail(err)
	}
	return conn, nil
}

// race resolves host and connects to the first candidate that answers.
func (m *Manager) race(ctx context.Context, host, port string, d *dns.Dialer) (net.Conn, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, &transport.ConnectError{Phase: transport.PhaseTransport, Host: host, Port: port, Err: err}
	}
	candidates, err := m.resolver.Resolve(ctx, host, uint16(p))
	if err != nil {
		return nil, &transport.ConnectError{
			Phase: transport.PhaseDNS,
			Host:  host,
			Port:  port,
			Err:   &transport.ResolutionError{Host: host, Err: err},
		}
	}
	conn, addr, err := dns.Race(ctx, candidates, d.DialContext, m.cfg.HeadStart)
	if err != nil {
		if transport.IsTimeout(err) {
			err = &transport.TimeoutError{Op: "connect", Err: err}
		}
		return nil, &transport.ConnectError{Phase: transport.PhaseTransport, Host: host, Port: port, Err: err}
	}
	m.log.Debug("connected", "host", host, "addr", addr.String(), "candidates", len(candidates))
	return conn, nil
}

func (m *Manager) dialFailed(key Key, err error) {
	phase := "other"
	var ce *transport.ConnectError
	if errors.As(err, &ce) {
		phase = string(ce.Phase)
	}
	m.metrics.dialErrors.WithLabelValues(phase).Inc()
	m.log.Debug("connection failed", "key", key.String(), "phase", phase, "error", err)
}
