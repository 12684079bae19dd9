package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"

	xproxy "golang.org/x/net/proxy"
)

// SOCKS5Dialer tunnels TCP through a SOCKS5 proxy with the CONNECT command.
// For socks5:// the target is resolved locally and sent as an address; for
// socks5h:// the proxy resolves it.
type SOCKS5Dialer struct {
	proxy   xproxy.ContextDialer
	resolve ResolveFunc
	addr    string
}

// forwardDialer adapts a ForwardFunc to the x/net proxy forwarder.
type forwardDialer ForwardFunc

func (f forwardDialer) Dial(network, address string) (net.Conn, error) {
	return f(context.Background(), address)
}

func (f forwardDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, address)
}

func newSOCKS5Dialer(u *url.URL, opts Options) (*SOCKS5Dialer, error) {
	var auth *xproxy.Auth
	if u.User != nil {
		auth = &xproxy.Auth{User: u.User.Username()}
		auth.Password, _ = u.User.Password()
	}
	d, err := xproxy.SOCKS5("tcp", u.Host, auth, forwardDialer(opts.Forward))
	if err != nil {
		return nil, err
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", u.Host)
	}
	s := &SOCKS5Dialer{proxy: cd, addr: u.Host}
	if u.Scheme == "socks5" {
		s.resolve = opts.Resolve
	}
	return s, nil
}

// DialContext connects to address through the proxy.
func (d *SOCKS5Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	target := address
	if d.resolve != nil {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("invalid target address: %w", err)
		}
		if _, err := netip.ParseAddr(host); err != nil {
			addrs, err := d.resolve(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(addrs) == 0 {
				return nil, fmt.Errorf("resolve %s: no addresses", host)
			}
			target = net.JoinHostPort(addrs[0].String(), port)
		}
	}
	conn, err := d.proxy.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", d.addr, err)
	}
	return conn, nil
}
