package dns

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Dialer opens TCP connections, optionally bound to a network interface.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	// Interface binds sockets to the named device when non-empty.
	Interface string
}

// DialContext connects to addr.
func (d *Dialer) DialContext(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return d.DialAddr(ctx, addr.String())
}

// DialAddr dials a "host:port" string; proxies given by name go through here.
func (d *Dialer) DialAddr(ctx context.Context, address string) (net.Conn, error) {
	nd := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
	if d.Interface != "" {
		nd.Control = bindControl(d.Interface)
	}
	return nd.DialContext(ctx, "tcp", address)
}
