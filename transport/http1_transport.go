package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sardanioss/mimicry/fingerprint"
)

var errConnBusy = errors.New("connection busy")

// H1Conn carries HTTP/1.1 exchanges over one connection, one at a time.
// Request headers are written in the profile's order with the caller's
// casing.
type H1Conn struct {
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	order []string

	inUse  atomic.Bool
	broken atomic.Bool
}

// NewH1Conn wraps an established (and, for https, handshaken) connection.
func NewH1Conn(conn net.Conn, p *fingerprint.Profile) *H1Conn {
	c := &H1Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 4096),
		bw:   bufio.NewWriterSize(conn, 4096),
	}
	if p != nil {
		for _, name := range p.HeaderOrder() {
			c.order = append(c.order, strings.ToLower(name))
		}
	}
	return c
}

// RoundTrip writes req and reads the response head. The connection stays
// busy until the response body has been read to EOF.
func (c *H1Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	if !c.inUse.CompareAndSwap(false, true) {
		return nil, &ProtocolError{Protocol: ProtoHTTP1, Op: "round trip", Err: errConnBusy}
	}
	if c.broken.Load() {
		c.inUse.Store(false)
		return nil, &ProtocolError{Protocol: ProtoHTTP1, Op: "round trip", Err: ErrConnectionClosed}
	}

	ctx := req.Context()
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks any read or write in progress.
		c.conn.SetDeadline(time.Unix(1, 0))
	})

	fail := func(op string, err error) (*http.Response, error) {
		stop()
		c.broken.Store(true)
		c.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, classify(ProtoHTTP1, op, err)
	}

	if err := c.writeRequest(req); err != nil {
		return fail("write request", err)
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return fail("read response", err)
	}

	keepAlive := !resp.Close && !req.Close
	guardBody(resp)
	WatchBody(resp, func(err error) {
		stop()
		if err != nil || !keepAlive {
			c.broken.Store(true)
			c.conn.Close()
			return
		}
		c.conn.SetDeadline(time.Time{})
		c.inUse.Store(false)
	})
	return resp, nil
}

// writeRequest writes the request line, Host, Connection, the remaining
// headers in profile order and the body. Framing headers are derived from
// the body; caller values for them are ignored.
func (c *H1Conn) writeRequest(req *http.Request) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, uri)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	fmt.Fprintf(c.bw, "Host: %s\r\n", host)

	hasBody := req.Body != nil && req.Body != http.NoBody
	if vv, ok := lookupHeader(req.Header, "connection"); ok {
		for _, v := range vv {
			fmt.Fprintf(c.bw, "Connection: %s\r\n", v)
		}
	} else {
		c.bw.WriteString("Connection: keep-alive\r\n")
	}

	for _, name := range orderedNames(req.Header, c.order) {
		switch strings.ToLower(name) {
		case "host", "connection", "content-length", "transfer-encoding":
			continue
		}
		for _, v := range req.Header[name] {
			fmt.Fprintf(c.bw, "%s: %s\r\n", name, v)
		}
	}

	chunked := false
	if hasBody {
		if req.ContentLength > 0 {
			fmt.Fprintf(c.bw, "Content-Length: %s\r\n", strconv.FormatInt(req.ContentLength, 10))
		} else {
			chunked = true
			c.bw.WriteString("Transfer-Encoding: chunked\r\n")
		}
	}
	c.bw.WriteString("\r\n")

	if hasBody {
		var w io.Writer = c.bw
		var cw io.WriteCloser
		if chunked {
			cw = httputil.NewChunkedWriter(c.bw)
			w = cw
		}
		_, err := io.Copy(w, req.Body)
		req.Body.Close()
		if err != nil {
			return err
		}
		if cw != nil {
			if err := cw.Close(); err != nil {
				return err
			}
			c.bw.WriteString("\r\n")
		}
	}
	return c.bw.Flush()
}

// orderedNames returns the header keys of h: names listed in order first,
// in that order, then the rest sorted case-insensitively.
func orderedNames(h http.Header, order []string) []string {
	byLower := make(map[string][]string, len(h))
	for name := range h {
		lower := strings.ToLower(name)
		byLower[lower] = append(byLower[lower], name)
	}
	out := make([]string, 0, len(h))
	for _, lower := range order {
		if names, ok := byLower[lower]; ok {
			sort.Strings(names)
			out = append(out, names...)
			delete(byLower, lower)
		}
	}
	rest := make([]string, 0, len(byLower))
	for lower := range byLower {
		rest = append(rest, lower)
	}
	sort.Strings(rest)
	for _, lower := range rest {
		names := byLower[lower]
		sort.Strings(names)
		out = append(out, names...)
	}
	return out
}

func lookupHeader(h http.Header, lower string) ([]string, bool) {
	for name, vv := range h {
		if strings.ToLower(name) == lower {
			return vv, true
		}
	}
	return nil, false
}

func (c *H1Conn) Protocol() string { return ProtoHTTP1 }

// Reusable reports whether the connection survived its exchanges so far.
func (c *H1Conn) Reusable() bool { return !c.broken.Load() }

// Busy reports whether an exchange is in progress.
func (c *H1Conn) Busy() bool { return c.inUse.Load() }

func (c *H1Conn) Close() error {
	c.broken.Store(true)
	return c.conn.Close()
}

// bodyGuard reports a body that ends before its declared length as a
// truncated BodyError rather than a short successful read.
type bodyGuard struct {
	body io.ReadCloser
}

func (g *bodyGuard) Read(p []byte) (int, error) {
	n, err := g.body.Read(p)
	if err != nil && err != io.EOF {
		if errors.Is(err, io.ErrUnexpectedEOF) || connBroken(err) {
			err = &BodyError{Err: fmt.Errorf("%w: %v", ErrTruncatedBody, err)}
		} else if !errors.As(err, new(*BodyError)) {
			err = &BodyError{Err: err}
		}
	}
	return n, err
}

func (g *bodyGuard) Close() error { return g.body.Close() }

func guardBody(resp *http.Response) {
	if resp.Body != nil && resp.Body != http.NoBody {
		resp.Body = &bodyGuard{body: resp.Body}
	}
}
