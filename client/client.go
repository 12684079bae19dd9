// Package client is the request dispatcher of mimicry. It turns a Request
// into wire traffic that looks like the configured browser: headers from
// the fingerprint profile, connections from the pool (with the profile's
// TLS ClientHello and HTTP/2 preface), redirects decided by the redirect
// engine and one retry when a connection breaks under a request.
//
// # Basic Usage
//
//	p, _ := fingerprint.Default().Lookup("chrome131")
//	c, err := client.New(client.WithProfile(p))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "https://example.com", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(resp.Text())
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	utls "github.com/refraction-networking/utls"
	"github.com/samber/lo"

	"github.com/sardanioss/mimicry/dns"
	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/mimicry/keylog"
	"github.com/sardanioss/mimicry/logging"
	"github.com/sardanioss/mimicry/pool"
	"github.com/sardanioss/mimicry/proxy"
	"github.com/sardanioss/mimicry/redirect"
	"github.com/sardanioss/mimicry/transport"
)

// drainLimit is how much of a redirect body is read so that its connection
// can be reused.
const drainLimit = 64 << 10

// Client sends requests with a browser fingerprint over pooled
// connections. It is safe for concurrent use.
type Client struct {
	cfg   Config
	proxy string
	pool  *pool.Manager
	iface *InterfaceCell
	log   logging.Logger
}

// New creates a client from DefaultConfig and opts.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a client from cfg as given. Zero durations select
// the pool defaults; a zero Redirect policy follows nothing.
func NewWithConfig(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}

	var proxyURL string
	if cfg.Proxy != "" {
		u, err := proxy.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		proxyURL = u.String()
	}

	ropts := []dns.ResolverOption{dns.WithLogger(cfg.Logger)}
	if len(cfg.DNSOverrides) > 0 {
		ropts = append(ropts, dns.WithOverrides(cfg.DNSOverrides))
	}
	if len(cfg.Nameservers) > 0 {
		ropts = append(ropts, dns.WithServers(cfg.Nameservers...))
	}

	keyLog := cfg.KeyLog
	if keyLog == nil {
		if w := keylog.Default(); w != nil {
			keyLog = w
		}
	}

	c := &Client{
		cfg:   cfg,
		proxy: proxyURL,
		iface: &InterfaceCell{},
		log:   cfg.Logger.With("component", "client"),
	}
	c.iface.Set(cfg.Interface)
	var sessions utls.ClientSessionCache
	if cfg.SessionCache != nil {
		sessions = cfg.SessionCache
	}
	c.pool = pool.NewManager(pool.Config{
		Resolver:           dns.NewResolver(ropts...),
		HeadStart:          cfg.HeadStart,
		ConnectTimeout:     cfg.ConnectTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		Interface:          c.iface.Get,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		CaptureTLSInfo:     cfg.TLSInfo,
		KeyLog:             keyLog,
		SessionCache:       sessions,
		DialRate:           cfg.DialRate,
		DialBurst:          cfg.DialBurst,
		H2ReadIdleTimeout:  cfg.H2ReadIdleTimeout,
		Registerer:         cfg.Registerer,
		Logger:             cfg.Logger,
	})
	return c, nil
}

// Profile returns the impersonated profile, nil for none.
func (c *Client) Profile() *fingerprint.Profile { return c.cfg.Profile }

// SetInterface binds connections opened from now on to the named device.
// Pooled connections keep their binding; call CloseIdle to drop them.
func (c *Client) SetInterface(name string) {
	c.iface.Set(name)
	c.log.Info("bound interface changed", "interface", name)
}

// Interface returns the device new connections bind to.
func (c *Client) Interface() string { return c.iface.Get() }

// Stats summarises the connection pool.
func (c *Client) Stats() pool.Stats { return c.pool.Stats() }

// CloseIdle closes pooled connections that carry no request.
func (c *Client) CloseIdle() { c.pool.CloseIdle() }

// Close closes every pooled connection. The client cannot be used
// afterwards.
func (c *Client) Close() error { return c.pool.Close() }

// Get is a shortcut for a GET request.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url, Header: header})
}

// Post is a shortcut for a POST request.
func (c *Client) Post(ctx context.Context, url string, body io.Reader, header http.Header) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: url, Header: header, Body: body})
}

// Do sends req, following redirects under the request's (or the client's)
// policy. The returned body streams from the connection and is decoded
// when its Content-Encoding is supported.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	id := uuid.NewString()
	log := c.log.With("request_id", id)

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL %q: unsupported scheme %q", req.URL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", req.URL)
	}

	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	resp, err := c.do(ctx, req, u, cancel, log)
	if err != nil {
		cancel()
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) && !transport.IsTimeout(err) {
			err = &transport.TimeoutError{Op: "request", Err: err}
		}
		log.Debug("request failed", "url", u.Redacted(), "error", err)
		return nil, err
	}
	resp.RequestID = id
	return resp, nil
}

// do runs the exchange loop. cancel is called once the returned body is
// finished with.
func (c *Client) do(ctx context.Context, req *Request, u *url.URL, cancel context.CancelFunc, log logging.Logger) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	hreq.Header = c.header(req.Header, hasBody(hreq))
	if vv, key := lookupFold(hreq.Header, "host"); key != "" {
		if len(vv) > 0 {
			hreq.Host = vv[0]
		}
		delete(hreq.Header, key)
	}

	pin := req.Pin
	if pin == transport.PinAuto {
		pin = c.cfg.Pin
	}
	policy := c.cfg.Redirect
	if req.Redirect != nil {
		policy = *req.Redirect
	}
	auth := req.Auth
	if auth == nil {
		auth = c.cfg.Auth
	}
	origin := *hreq.URL

	var (
		history    []RedirectInfo
		challenged bool
	)
	for hops := 0; ; {
		var reqAuth Auth
		if auth != nil && redirect.SameOrigin(&origin, hreq.URL) {
			reqAuth = auth
		}
		log.Debug("sending request", "method", hreq.Method, "url", hreq.URL.Redacted(), "pin", pin.String())
		hresp, lease, err := c.send(ctx, hreq, pin, reqAuth, log)
		if err != nil {
			return nil, err
		}
		if c.cfg.Jar != nil {
			if cookies := hresp.Cookies(); len(cookies) > 0 {
				c.cfg.Jar.SetCookies(hreq.URL, cookies)
			}
		}

		if hresp.StatusCode == http.StatusUnauthorized && reqAuth != nil && !challenged && replayable(hreq) {
			retry, err := reqAuth.HandleChallenge(hresp)
			if err != nil {
				discard(hresp)
				return nil, err
			}
			if retry {
				challenged = true
				discard(hresp)
				log.Debug("answering authentication challenge", "url", hreq.URL.Redacted())
				continue
			}
		}

		prev := &redirect.Request{
			Method:     hreq.Method,
			URL:        hreq.URL,
			Header:     hreq.Header,
			HasBody:    hasBody(hreq),
			Replayable: replayable(hreq),
		}
		location := hresp.Header.Get("Location")
		act := redirect.Decide(prev, hresp.StatusCode, location, policy, hops)
		switch act.Kind {
		case redirect.Fail:
			discard(hresp)
			return nil, act.Err
		case redirect.Follow:
			history = append(history, RedirectInfo{
				StatusCode: hresp.StatusCode,
				URL:        hreq.URL.String(),
				Location:   location,
				Header:     hresp.Header,
			})
			discard(hresp)
			log.Debug("following redirect",
				"status", hresp.StatusCode,
				"method", act.Next.Method,
				"to", act.Next.URL.Redacted(),
				"hop", hops+1,
			)
			hreq = nextRequest(ctx, hreq, act.Next)
			hops++
			continue
		}
		return c.response(hresp, lease, hreq.URL, history, cancel), nil
	}
}

// send runs one exchange, retrying once on another connection when the
// first one broke or refused the stream and the body can be sent again.
func (c *Client) send(ctx context.Context, hreq *http.Request, pin transport.Pin, auth Auth, log logging.Logger) (*http.Response, *pool.Lease, error) {
	key := pool.Key{
		Scheme:  hreq.URL.Scheme,
		Host:    hreq.URL.Hostname(),
		Port:    hreq.URL.Port(),
		Profile: c.cfg.Profile,
		Proxy:   c.proxy,
	}
	for attempt := 1; ; attempt++ {
		wire, err := c.wireRequest(hreq, auth)
		if err != nil {
			return nil, nil, err
		}
		lease, err := c.pool.Acquire(ctx, key, pin)
		if err != nil {
			if wire.Body != nil {
				wire.Body.Close()
			}
			return nil, nil, err
		}
		start := time.Now()
		resp, err := lease.RoundTrip(wire)
		if err == nil {
			log.Debug("response received",
				"status", resp.StatusCode,
				"protocol", lease.Conn().Protocol(),
				"reused", lease.Reused(),
				"elapsed", time.Since(start),
			)
			return resp, lease, nil
		}
		if attempt > 1 || !transport.IsRetryable(err) || !replayable(hreq) || ctx.Err() != nil {
			return nil, nil, err
		}
		log.Debug("connection failed under request, retrying", "reused", lease.Reused(), "error", err)
	}
}

// wireRequest copies hreq for one attempt with a fresh body, the jar's
// cookies and credentials.
func (c *Client) wireRequest(hreq *http.Request, auth Auth) (*http.Request, error) {
	w := hreq.Clone(hreq.Context())
	if hreq.GetBody != nil {
		body, err := hreq.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		w.Body = body
	}
	if c.cfg.Jar != nil {
		if cookies := c.cfg.Jar.Cookies(w.URL); len(cookies) > 0 {
			pairs := lo.Map(cookies, func(ck *http.Cookie, _ int) string { return ck.String() })
			vv, key := lookupFold(w.Header, "cookie")
			if key == "" {
				key = "Cookie"
			}
			w.Header[key] = []string{strings.Join(append(slices.Clone(vv), pairs...), "; ")}
		}
	}
	if auth != nil {
		if err := auth.Apply(w); err != nil {
			return nil, fmt.Errorf("failed to apply authentication: %w", err)
		}
	}
	return w, nil
}

func (c *Client) response(hresp *http.Response, lease *pool.Lease, u *url.URL, history []RedirectInfo, cancel context.CancelFunc) *Response {
	transport.DecodeBody(hresp)
	// The request context lives until the body is done.
	transport.WatchBody(hresp, func(error) { cancel() })
	conn := lease.Conn()
	return &Response{
		StatusCode:    hresp.StatusCode,
		Status:        hresp.Status,
		Header:        hresp.Header,
		Body:          hresp.Body,
		ContentLength: hresp.ContentLength,
		Protocol:      conn.Protocol(),
		URL:           u,
		RemoteAddr:    conn.RemoteAddr(),
		TLSInfo:       conn.TLSInfo(),
		Reused:        lease.Reused(),
		History:       history,
	}
}

// header builds the request header: the profile's defaults (or, without a
// profile, only Accept-Encoding), the User-Agent, then the caller's
// headers, which win. Body-describing headers are dropped when there is no
// body.
func (c *Client) header(caller http.Header, body bool) http.Header {
	h := make(http.Header, len(caller)+16)
	p := c.cfg.Profile
	if p != nil {
		for _, d := range p.Headers() {
			if _, key := lookupFold(caller, d.Name); key == "" {
				h[d.Name] = append(h[d.Name], d.Value)
			}
		}
	} else if _, key := lookupFold(caller, "accept-encoding"); key == "" {
		h["Accept-Encoding"] = []string{strings.Join(transport.SupportedEncodings(), ", ")}
	}

	ua := c.cfg.UserAgent
	if ua == "" && p != nil {
		ua = p.UserAgent()
	}
	if _, key := lookupFold(caller, "user-agent"); key == "" {
		if ua != "" {
			h["User-Agent"] = []string{ua}
		} else {
			// An empty value keeps the HTTP/2 layer from adding its own.
			h["User-Agent"] = []string{}
		}
	}

	for k, vv := range caller {
		h[k] = slices.Clone(vv)
	}
	if !body {
		for _, name := range []string{"content-length", "content-type", "transfer-encoding"} {
			if _, key := lookupFold(h, name); key != "" {
				delete(h, key)
			}
		}
	}
	return h
}

func nextRequest(ctx context.Context, prev *http.Request, next *redirect.Request) *http.Request {
	r := prev.Clone(ctx)
	r.Method = next.Method
	r.URL = next.URL
	r.Host = ""
	r.Header = next.Header
	if !next.HasBody {
		r.Body, r.GetBody, r.ContentLength = http.NoBody, nil, 0
	}
	return r
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody
}

func replayable(r *http.Request) bool {
	return !hasBody(r) || r.GetBody != nil
}

func lookupFold(h http.Header, name string) ([]string, string) {
	for k, vv := range h {
		if strings.EqualFold(k, name) {
			return vv, k
		}
	}
	return nil, ""
}

// discard reads what is left of a body we do not return, up to
// drainLimit, and closes it.
func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	resp.Body.Close()
}
