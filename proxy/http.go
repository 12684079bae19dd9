package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

// HTTPDialer tunnels through an HTTP proxy with the CONNECT method.
type HTTPDialer struct {
	addr      string
	secure    bool
	auth      string
	forward   ForwardFunc
	tlsConfig *utls.Config
}

func newHTTPDialer(u *url.URL, opts Options) *HTTPDialer {
	d := &HTTPDialer{
		addr:      u.Host,
		secure:    u.Scheme == "https",
		forward:   opts.Forward,
		tlsConfig: opts.TLSConfig,
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
	}
	return d
}

// DialContext opens a tunnel to address.
func (d *HTTPDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.forward(ctx, d.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy %s: %w", d.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if d.secure {
		cfg := &utls.Config{}
		if d.tlsConfig != nil {
			cfg = d.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName, _, _ = net.SplitHostPort(d.addr)
		}
		tlsConn := utls.UClient(conn, cfg, utls.HelloGolang)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls to proxy %s: %w", d.addr, err)
		}
		conn = tlsConn
	}

	tunnel, err := d.connect(conn, address)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return tunnel, nil
}

func (d *HTTPDialer) connect(conn net.Conn, address string) (net.Conn, error) {
	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if d.auth != "" {
		fmt.Fprintf(bw, "Proxy-Authorization: %s\r\n", d.auth)
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s via %s", ErrTunnelRefused, resp.Status, d.addr)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the proxy sent right after its CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
