// Package proxy opens tunnels to a target through HTTP CONNECT and SOCKS5
// proxies. The TLS handshake with the target runs over the returned
// connection, so the fingerprint seen by the target is unchanged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
)

var (
	// ErrUnsupportedScheme is returned for proxy URLs other than http,
	// https, socks5 and socks5h.
	ErrUnsupportedScheme = errors.New("unsupported proxy scheme")
	// ErrTunnelRefused is returned when the proxy answers CONNECT with a
	// non-2xx status.
	ErrTunnelRefused = errors.New("proxy refused tunnel")
)

// Dialer opens a connection to address ("host:port") through a proxy.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ForwardFunc opens the TCP connection to the proxy itself.
type ForwardFunc func(ctx context.Context, address string) (net.Conn, error)

// ResolveFunc resolves a target host for socks5 proxies, which expect an
// address rather than a name.
type ResolveFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Options configures how a Dialer reaches its proxy.
type Options struct {
	// Forward dials the proxy. Nil uses a plain net.Dialer.
	Forward ForwardFunc
	// Resolve is used by socks5:// proxies. Nil sends the host name, as
	// socks5h:// does.
	Resolve ResolveFunc
	// TLSConfig is used to reach https:// proxies. Nil verifies the proxy
	// against the system roots.
	TLSConfig *utls.Config
}

var defaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// Parse reads a proxy URL of the form scheme://[user:pass@]host[:port].
// A missing scheme means http and a missing port the scheme's default.
func Parse(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid proxy URL: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// New returns the Dialer for u, which should come from Parse.
func New(u *url.URL, opts Options) (Dialer, error) {
	if opts.Forward == nil {
		var nd net.Dialer
		opts.Forward = func(ctx context.Context, address string) (net.Conn, error) {
			return nd.DialContext(ctx, "tcp", address)
		}
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPDialer(u, opts), nil
	case "socks5", "socks5h":
		return newSOCKS5Dialer(u, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// IsSOCKS5 reports whether u names a SOCKS5 proxy.
func IsSOCKS5(u *url.URL) bool {
	return u != nil && (u.Scheme == "socks5" || u.Scheme == "socks5h")
}
