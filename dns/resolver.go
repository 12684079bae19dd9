package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sardanioss/mimicry/logging"
)

// ResolvConf is where nameservers are read from when none are configured.
const ResolvConf = "/etc/resolv.conf"

// ErrNoAddresses is returned when a name resolves to nothing.
var ErrNoAddresses = errors.New("no addresses found")

// Resolver turns host names into dial candidates. Lookups go, in order,
// through the override table, IP literals, the cache and finally the
// network.
type Resolver struct {
	overrides map[string][]netip.AddrPort
	cache     *Cache
	servers   []string
	conf      *dns.ClientConfig
	timeout   time.Duration
	system    *net.Resolver
	group     singleflight.Group
	log       logging.Logger

	confOnce sync.Once
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithOverrides pins host names to fixed socket addresses. Entries are used
// verbatim and in order; a zero port means the request's port.
func WithOverrides(overrides map[string][]netip.AddrPort) ResolverOption {
	return func(r *Resolver) {
		r.overrides = make(map[string][]netip.AddrPort, len(overrides))
		for host, addrs := range overrides {
			r.overrides[strings.ToLower(host)] = append([]netip.AddrPort(nil), addrs...)
		}
	}
}

// WithServers sets the nameservers ("host:port") queried directly,
// bypassing resolv.conf.
func WithServers(servers ...string) ResolverOption {
	return func(r *Resolver) {
		r.servers = append([]string(nil), servers...)
		// resolv.conf is never consulted once servers are explicit.
		r.confOnce.Do(func() {})
	}
}

// WithSystemResolver sets the resolver used when no nameserver is known.
func WithSystemResolver(sr *net.Resolver) ResolverOption {
	return func(r *Resolver) { r.system = sr }
}

// WithCache replaces the resolver's cache.
func WithCache(c *Cache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithQueryTimeout bounds each DNS exchange.
func WithQueryTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger sets the resolver's logger.
func WithLogger(l logging.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// NewResolver builds a resolver. Without WithServers the nameservers are
// read from resolv.conf on first use.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:   NewCache(),
		system:  net.DefaultResolver,
		timeout: 5 * time.Second,
		log:     logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the resolver's cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve returns the dial candidates for host:port in connection order.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16) ([]netip.AddrPort, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")

	if addrs, ok := r.overrides[strings.ToLower(host)]; ok {
		out := make([]netip.AddrPort, len(addrs))
		for i, a := range addrs {
			if a.Port() == 0 {
				a = netip.AddrPortFrom(a.Addr(), port)
			}
			out[i] = a
		}
		return out, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), port)}, nil
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, len(addrs))
	for i, a := range addrs {
		out[i] = netip.AddrPortFrom(a, port)
	}
	return out, nil
}

// LookupHost resolves host through the cache and the network. Concurrent
// lookups of one name share a single query.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	key := strings.ToLower(host)
	cached, fresh, exists := r.cache.Get(key)
	if exists && fresh {
		return cached, nil
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// Detached from the first caller so one cancellation does not fail
		// every waiter.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*r.timeout)
		defer cancel()
		addrs, ttl, err := r.lookup(lctx, host)
		if err != nil {
			return nil, err
		}
		addrs = Interleave(addrs)
		r.cache.Put(key, addrs, ttl)
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if exists {
				r.log.Debug("dns lookup failed, using stale entry", "host", host, "error", res.Err)
				return cached, nil
			}
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	}
}

func (r *Resolver) loadConf() {
	r.confOnce.Do(func() {
		conf, err := dns.ClientConfigFromFile(ResolvConf)
		if err != nil {
			r.log.Debug("no resolv.conf, using system resolver", "error", err)
			return
		}
		r.conf = conf
		for _, s := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
		}
		if conf.Timeout > 0 {
			r.timeout = time.Duration(conf.Timeout) * time.Second
		}
	})
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	r.loadConf()
	if len(r.servers) == 0 {
		return r.lookupSystem(ctx, host)
	}

	names := []string{dns.Fqdn(host)}
	if r.conf != nil {
		names = r.conf.NameList(host)
	}

	var lastErr error
	for _, name := range names {
		addrs, ttl, err := r.query(ctx, name)
		if err == nil && len(addrs) > 0 {
			return addrs, ttl, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAddresses
	}
	return nil, 0, &net.DNSError{Err: lastErr.Error(), Name: host, IsNotFound: errors.Is(lastErr, ErrNoAddresses)}
}

// query asks for A and AAAA records of name in parallel and merges them.
func (r *Resolver) query(ctx context.Context, name string) ([]netip.Addr, time.Duration, error) {
	var (
		mu    sync.Mutex
		addrs []netip.Addr
		ttl   uint32
		found int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		g.Go(func() error {
			got, minTTL, err := r.exchange(gctx, name, qtype)
			if err != nil {
				if errors.Is(err, ErrNoAddresses) {
					return nil
				}
				return err
			}
			mu.Lock()
			addrs = append(addrs, got...)
			if found == 0 || minTTL < ttl {
				ttl = minTTL
			}
			found++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil && len(addrs) == 0 {
		return nil, 0, err
	}
	if len(addrs) == 0 {
		return nil, 0, ErrNoAddresses
	}
	return addrs, time.Duration(ttl) * time.Second, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]netip.Addr, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)

	var lastErr error
	for _, server := range r.servers {
		c := &dns.Client{Net: "udp", Timeout: r.timeout}
		resp, _, err := c.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			c.Net = "tcp"
			resp, _, err = c.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, 0, ErrNoAddresses
		default:
			lastErr = fmt.Errorf("server %s: %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		addrs, ttl := parseAnswer(resp.Answer)
		if len(addrs) == 0 {
			return nil, 0, ErrNoAddresses
		}
		return addrs, ttl, nil
	}
	return nil, 0, lastErr
}

func parseAnswer(rrs []dns.RR) ([]netip.Addr, uint32) {
	var (
		addrs []netip.Addr
		ttl   uint32
	)
	for _, rr := range rrs {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, a.Unmap())
		if h := rr.Header(); len(addrs) == 1 || h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	return addrs, ttl
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	ips, err := r.system.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	if len(ips) == 0 {
		return nil, 0, &net.DNSError{Err: ErrNoAddresses.Error(), Name: host, IsNotFound: true}
	}
	for i := range ips {
		ips[i] = ips[i].Unmap()
	}
	return ips, 0, nil
}
