package dns

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	addr    string
	queries atomic.Int32
}

// startDNSServer serves A/AAAA answers for records on a local UDP port.
func startDNSServer(t *testing.T, records map[string][]string) *testServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{addr: pc.LocalAddr().String()}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		ts.queries.Add(1)
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		ips, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, s := range ips {
			ip := net.ParseIP(s)
			hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 120}
			switch {
			case ip.To4() != nil && q.Qtype == dns.TypeA:
				hdr.Rrtype = dns.TypeA
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip})
			case ip.To4() == nil && q.Qtype == dns.TypeAAAA:
				hdr.Rrtype = dns.TypeAAAA
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return ts
}

func TestResolverNetwork(t *testing.T) {
	ts := startDNSServer(t, map[string][]string{
		"dual.test.": {"192.0.2.1", "2001:db8::1", "192.0.2.2", "2001:db8::2"},
	})
	r := NewResolver(WithServers(ts.addr), WithQueryTimeout(time.Second))

	got, err := r.Resolve(context.Background(), "dual.test", 443)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[0].Addr().Is6(), "IPv6 goes first")
	assert.True(t, got[1].Addr().Is4())
	assert.True(t, got[2].Addr().Is6())
	assert.True(t, got[3].Addr().Is4())
	for _, a := range got {
		assert.Equal(t, uint16(443), a.Port())
	}

	// Served from cache.
	before := ts.queries.Load()
	_, err = r.Resolve(context.Background(), "DUAL.test", 80)
	require.NoError(t, err)
	assert.Equal(t, before, ts.queries.Load())
}

func TestResolverNXDomain(t *testing.T) {
	ts := startDNSServer(t, map[string][]string{})
	r := NewResolver(WithServers(ts.addr), WithQueryTimeout(time.Second))

	_, err := r.Resolve(context.Background(), "missing.test", 443)
	require.Error(t, err)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.True(t, dnsErr.IsNotFound)
}

func TestResolverSingleflight(t *testing.T) {
	ts := startDNSServer(t, map[string][]string{"once.test.": {"192.0.2.7"}})
	r := NewResolver(WithServers(ts.addr), WithQueryTimeout(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.LookupHost(context.Background(), "once.test")
			assert.NoError(t, err)
			assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.7")}, got)
		}()
	}
	wg.Wait()
	// One A and one AAAA query per lookup; sharing keeps it well under 20.
	assert.LessOrEqual(t, ts.queries.Load(), int32(20))
}

func TestResolverStaleOnFailure(t *testing.T) {
	r := NewResolver(WithServers("127.0.0.1:1"), WithQueryTimeout(200*time.Millisecond))
	stale := []netip.Addr{netip.MustParseAddr("192.0.2.9")}
	r.Cache().entries["stale.test"] = &Entry{Addrs: stale, ExpiresAt: time.Now().Add(-time.Minute)}

	got, err := r.LookupHost(context.Background(), "stale.test")
	require.NoError(t, err)
	assert.Equal(t, stale, got)
}

func TestResolverOverrides(t *testing.T) {
	r := NewResolver(
		WithServers("127.0.0.1:1"),
		WithOverrides(map[string][]netip.AddrPort{
			"Pinned.Test": {
				netip.MustParseAddrPort("[::1]:9999"),
				netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0),
			},
		}),
	)

	got, err := r.Resolve(context.Background(), "pinned.test", 8443)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("[::1]:9999"),
		netip.MustParseAddrPort("127.0.0.1:8443"),
	}, got)
}

func TestResolverLiteral(t *testing.T) {
	r := NewResolver(WithServers("127.0.0.1:1"))

	got, err := r.Resolve(context.Background(), "[2001:db8::5]", 443)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("[2001:db8::5]:443")}, got)

	got, err = r.Resolve(context.Background(), "10.0.0.1", 80)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:80")}, got)
}

func TestInterleave(t *testing.T) {
	in := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("192.0.2.3"),
		netip.MustParseAddr("2001:db8::1"),
	}
	got := Interleave(in)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("192.0.2.3"),
	}, got)
}

func TestCacheTTLClamp(t *testing.T) {
	c := NewCache()
	c.Put("a", []netip.Addr{netip.MustParseAddr("192.0.2.1")}, time.Second)
	c.Put("b", []netip.Addr{netip.MustParseAddr("192.0.2.2")}, 24*time.Hour)

	assert.WithinDuration(t, time.Now().Add(30*time.Second), c.entries["a"].ExpiresAt, 2*time.Second)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.entries["b"].ExpiresAt, 2*time.Second)

	c.entries["a"].ExpiresAt = time.Now().Add(-time.Second)
	_, fresh, ok := c.Get("a")
	assert.True(t, ok)
	assert.False(t, fresh)

	total, expired := c.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, expired)

	c.Cleanup()
	_, _, ok = c.Get("a")
	assert.False(t, ok)
}
