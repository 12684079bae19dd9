// Command mimicryd serves the mimicry client over a line-delimited JSON
// protocol on stdin/stdout (see package protocol), so SDKs in other
// languages can share sessions and connection pools with a Go process.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/publicsuffix"

	"github.com/sardanioss/mimicry"
	"github.com/sardanioss/mimicry/client"
	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/mimicry/logging"
	"github.com/sardanioss/mimicry/protocol"
	"github.com/sardanioss/mimicry/redirect"
	"github.com/sardanioss/mimicry/transport"
)

const (
	version       = "1.0.0"
	defaultPreset = "chrome131"
)

// Daemon manages IPC communication and sessions
type Daemon struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	in       *bufio.Reader
	out      *json.Encoder
	outputMu sync.Mutex
	inflight sync.WaitGroup
	log      logging.Logger
}

// Session is a client with its own cookie jar and connection pool.
type Session struct {
	ID        string
	Client    *client.Client
	Jar       http.CookieJar
	Preset    string
	CreatedAt time.Time
}

// NewDaemon creates a daemon reading messages from in and writing
// responses to out.
func NewDaemon(in io.Reader, out io.Writer, log logging.Logger) *Daemon {
	return &Daemon{
		sessions: make(map[string]*Session),
		in:       bufio.NewReader(in),
		out:      json.NewEncoder(out),
		log:      log,
	}
}

// Run serves messages until the input ends or a shutdown message arrives.
// HTTP requests run concurrently; every other message is answered in order.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeAll()
	defer d.inflight.Wait()

	for {
		line, err := d.in.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if !d.dispatch(ctx, line) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// dispatch routes one message. It reports false on shutdown.
func (d *Daemon) dispatch(ctx context.Context, data []byte) bool {
	var msg protocol.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid JSON: "+err.Error())
		return true
	}

	switch msg.Type {
	case protocol.TypePing:
		d.send(&protocol.PingResponse{ID: msg.ID, Type: protocol.TypePong, Version: version})
	case protocol.TypeShutdown:
		d.log.Info("shutdown requested")
		return false
	case protocol.TypePresetList:
		d.send(&protocol.PresetListResponse{ID: msg.ID, Type: protocol.TypePresetList, Presets: mimicry.Presets()})
	case protocol.TypeSessionCreate:
		d.handleSessionCreate(data)
	case protocol.TypeSessionClose:
		d.handleSessionClose(data)
	case protocol.TypeSessionList:
		d.handleSessionList(msg.ID)
	case protocol.TypeSessionStats:
		d.handleSessionStats(data)
	case protocol.TypeRequest:
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.handleRequest(ctx, data)
		}()
	case protocol.TypeCookieGet:
		d.handleCookieGet(data)
	case protocol.TypeCookieSet:
		d.handleCookieSet(data)
	default:
		d.sendError(msg.ID, protocol.ErrCodeInvalidRequest, "Unknown message type: "+string(msg.Type))
	}
	return true
}

// handleSessionCreate creates a new session
func (d *Daemon) handleSessionCreate(data []byte) {
	var req protocol.SessionCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid session create request: "+err.Error())
		return
	}
	cfg := req.Options
	if cfg == nil {
		cfg = &protocol.SessionConfig{}
	}

	s, err := d.newSession(cfg)
	if err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}

	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()
	d.log.Info("session created", "session", s.ID, "preset", s.Preset)

	d.send(&protocol.SessionCreateResponse{
		ID:      req.ID,
		Type:    protocol.TypeSessionCreate,
		Session: s.ID,
		Preset:  s.Preset,
	})
}

func (d *Daemon) newSession(cfg *protocol.SessionConfig) (*Session, error) {
	preset := cfg.Preset
	if preset == "" {
		preset = defaultPreset
	}
	p, err := mimicry.LookupProfile(preset)
	if err != nil {
		return nil, err
	}
	opts, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	opts = append(opts, client.WithCookieJar(jar), client.WithLogger(d.log))

	c, err := mimicry.NewWithProfile(p, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        uuid.NewString(),
		Client:    c,
		Jar:       jar,
		Preset:    preset,
		CreatedAt: time.Now(),
	}, nil
}

// sessionOptions translates a session config into client options.
func sessionOptions(cfg *protocol.SessionConfig) ([]client.Option, error) {
	var opts []client.Option

	if cfg.UserAgent != "" {
		opts = append(opts, client.WithUserAgent(cfg.UserAgent))
	}
	if cfg.Proxy != "" {
		opts = append(opts, client.WithProxy(cfg.Proxy))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, client.WithTimeout(time.Duration(cfg.Timeout)*time.Millisecond))
	}
	if p, ok := redirectPolicy(cfg.FollowRedirects, cfg.MaxRedirects); ok {
		opts = append(opts, client.WithRedirectPolicy(p))
	}

	pin, err := parsePin(cfg.ForceProtocol)
	if err != nil {
		return nil, err
	}
	switch pin {
	case transport.PinHTTP1:
		opts = append(opts, client.WithHTTP1Only())
	case transport.PinHTTP2:
		opts = append(opts, client.WithHTTP2Only())
	}

	if cfg.InsecureSkipVerify {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if cfg.CaptureTLS {
		opts = append(opts, client.WithTLSInfo())
	}
	if cfg.Interface != "" {
		opts = append(opts, client.WithInterface(cfg.Interface))
	}
	if len(cfg.Nameservers) > 0 {
		opts = append(opts, client.WithNameservers(cfg.Nameservers...))
	}
	for host, raw := range cfg.ConnectTo {
		addrs := make([]netip.AddrPort, 0, len(raw))
		for _, s := range raw {
			ap, err := netip.ParseAddrPort(s)
			if err != nil {
				return nil, fmt.Errorf("invalid connectTo address for %s: %w", host, err)
			}
			addrs = append(addrs, ap)
		}
		opts = append(opts, client.WithDNSOverride(host, addrs...))
	}

	if cfg.Auth != nil {
		a, err := buildAuth(cfg.Auth)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithAuth(a))
	}
	return opts, nil
}

// handleSessionClose closes a session
func (d *Daemon) handleSessionClose(data []byte) {
	var req protocol.SessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid session close request: "+err.Error())
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[req.Session]
	delete(d.sessions, req.Session)
	d.mu.Unlock()

	if !ok {
		d.sendError(req.ID, protocol.ErrCodeInvalidSession, "Session not found: "+req.Session)
		return
	}
	s.Client.Close()
	d.log.Info("session closed", "session", s.ID)

	d.send(&protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeSessionClose,
		Session: req.Session,
	})
}

// handleSessionList lists all active sessions
func (d *Daemon) handleSessionList(reqID string) {
	d.mu.RLock()
	ids := lo.Keys(d.sessions)
	d.mu.RUnlock()
	slices.Sort(ids)

	d.send(&protocol.SessionListResponse{
		ID:       reqID,
		Type:     protocol.TypeSessionList,
		Sessions: ids,
	})
}

func (d *Daemon) handleSessionStats(data []byte) {
	var req protocol.SessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid session stats request: "+err.Error())
		return
	}
	s, ok := d.session(req.ID, req.Session)
	if !ok {
		return
	}
	st := s.Client.Stats()
	d.send(&protocol.SessionStatsResponse{
		ID:         req.ID,
		Type:       protocol.TypeSessionStats,
		Session:    s.ID,
		Conns:      st.Conns,
		Idle:       st.Idle,
		InUse:      st.InUse,
		Streams:    st.Streams,
		Queued:     st.Queued,
		ByProtocol: st.ByProtocol,
	})
}

// handleRequest executes an HTTP request
func (d *Daemon) handleRequest(ctx context.Context, data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid request: "+err.Error())
		return
	}

	var c *client.Client
	if req.Session != "" {
		s, ok := d.session(req.ID, req.Session)
		if !ok {
			return
		}
		c = s.Client
	} else {
		// One-shot request without session
		oneShot, err := mimicry.New(defaultPreset, client.WithLogger(d.log))
		if err != nil {
			d.sendError(req.ID, errorCode(err), err.Error())
			return
		}
		defer oneShot.Close()
		c = oneShot
	}

	creq, err := buildRequest(&req)
	if err != nil {
		d.sendError(req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return
	}

	start := time.Now()
	resp, err := c.Do(ctx, creq)
	if err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}
	body, err := resp.Bytes()
	if err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}

	out := &protocol.Response{
		ID:        req.ID,
		Type:      protocol.TypeResponse,
		Session:   req.Session,
		RequestID: resp.RequestID,
		Status:    resp.StatusCode,
		Headers:   resp.Header,
		URL:       resp.URL.String(),
		Protocol:  resp.Protocol,
		Reused:    resp.Reused,
		BodySize:  len(body),
		Timing:    &protocol.Timing{Total: float64(time.Since(start).Microseconds()) / 1000},
	}
	if resp.RemoteAddr != nil {
		out.RemoteAddr = resp.RemoteAddr.String()
	}
	for _, h := range resp.History {
		out.Redirects = append(out.Redirects, protocol.Redirect{Status: h.StatusCode, URL: h.URL, Location: h.Location})
	}
	if ti := resp.TLSInfo; ti != nil {
		out.TLS = &protocol.TLSInfo{
			Version:     ti.Version,
			CipherSuite: ti.CipherSuite,
			ALPN:        ti.NegotiatedProtocol,
			ServerName:  ti.ServerName,
			Resumed:     ti.DidResume,
			PeerCerts:   lo.Map(ti.PeerCertificates, func(der []byte, _ int) string { return base64.StdEncoding.EncodeToString(der) }),
		}
	}
	if isTextContent(resp.Header.Get("Content-Type")) {
		out.Body = string(body)
		out.BodyEncoding = "text"
	} else {
		out.Body = base64.StdEncoding.EncodeToString(body)
		out.BodyEncoding = "base64"
	}
	d.send(out)
}

func buildRequest(req *protocol.Request) (*client.Request, error) {
	creq := &client.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: http.Header(req.Headers),
	}
	opts := req.Options
	if opts == nil {
		opts = &protocol.RequestOptions{}
	}

	if req.Body != "" {
		body := []byte(req.Body)
		if opts.BodyEncoding == "base64" {
			var err error
			if body, err = base64.StdEncoding.DecodeString(req.Body); err != nil {
				return nil, fmt.Errorf("invalid base64 body: %w", err)
			}
		}
		creq.Body = bytes.NewReader(body)
	}

	if opts.Timeout > 0 {
		creq.Timeout = time.Duration(opts.Timeout) * time.Millisecond
	}
	if p, ok := redirectPolicy(opts.FollowRedirects, opts.MaxRedirects); ok {
		creq.Redirect = &p
	}
	pin, err := parsePin(opts.ForceProtocol)
	if err != nil {
		return nil, err
	}
	creq.Pin = pin
	if opts.Auth != nil {
		if creq.Auth, err = buildAuth(opts.Auth); err != nil {
			return nil, err
		}
	}
	return creq, nil
}

// handleCookieGet gets cookies for a URL
func (d *Daemon) handleCookieGet(data []byte) {
	var req protocol.CookieGetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid cookie get request: "+err.Error())
		return
	}
	s, ok := d.session(req.ID, req.Session)
	if !ok {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		d.sendError(req.ID, protocol.ErrCodeInvalidURL, "Invalid URL: "+err.Error())
		return
	}

	cookies := make(map[string]string)
	for _, c := range s.Jar.Cookies(u) {
		cookies[c.Name] = c.Value
	}
	d.send(&protocol.CookieResponse{
		ID:      req.ID,
		Type:    protocol.TypeCookieGet,
		Session: s.ID,
		Cookies: cookies,
	})
}

// handleCookieSet sets a cookie
func (d *Daemon) handleCookieSet(data []byte) {
	var req protocol.CookieSetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "Invalid cookie set request: "+err.Error())
		return
	}
	s, ok := d.session(req.ID, req.Session)
	if !ok {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		d.sendError(req.ID, protocol.ErrCodeInvalidURL, "Invalid URL: "+req.URL)
		return
	}

	cookie := &http.Cookie{
		Name:   req.Name,
		Value:  req.Value,
		Domain: req.Domain,
		Path:   req.Path,
		Secure: req.Secure,
	}
	if req.Expires > 0 {
		cookie.Expires = time.Unix(req.Expires, 0)
	}
	s.Jar.SetCookies(u, []*http.Cookie{cookie})

	d.send(&protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeCookieSet,
		Session: s.ID,
	})
}

// session looks up id, answering reqID with an error when it is unknown.
func (d *Daemon) session(reqID, id string) (*Session, bool) {
	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok {
		d.sendError(reqID, protocol.ErrCodeInvalidSession, "Session not found: "+id)
	}
	return s, ok
}

func (d *Daemon) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.sessions {
		s.Client.Close()
		delete(d.sessions, id)
	}
}

// send writes a response to the output
func (d *Daemon) send(v any) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if err := d.out.Encode(v); err != nil {
		d.log.Error("failed to write response", "error", err)
	}
}

// sendError writes an error response
func (d *Daemon) sendError(reqID string, code string, message string) {
	d.send(protocol.NewErrorResponse(reqID, code, message))
}

func redirectPolicy(follow *bool, limit int) (redirect.Policy, bool) {
	switch {
	case follow != nil && !*follow:
		return redirect.None(), true
	case limit > 0:
		return redirect.Limited(limit), true
	case follow != nil:
		return redirect.Default(), true
	}
	return redirect.Policy{}, false
}

func parsePin(s string) (transport.Pin, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return transport.PinAuto, nil
	case "h1", "http1", "http/1.1":
		return transport.PinHTTP1, nil
	case "h2", "http2":
		return transport.PinHTTP2, nil
	}
	return transport.PinAuto, fmt.Errorf("unsupported protocol %q", s)
}

func buildAuth(cfg *protocol.AuthConfig) (client.Auth, error) {
	switch strings.ToLower(cfg.Type) {
	case "basic":
		return client.NewBasicAuth(cfg.Username, cfg.Password), nil
	case "bearer":
		return client.NewBearerAuth(cfg.Token), nil
	case "digest":
		return client.NewDigestAuth(cfg.Username, cfg.Password), nil
	}
	return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
}

// errorCode maps an error onto the protocol's error codes.
func errorCode(err error) string {
	var (
		ce *transport.ConnectError
		re *transport.RedirectError
		pe *transport.ProtocolError
	)
	switch {
	case transport.IsTimeout(err):
		return protocol.ErrCodeTimeout
	case errors.Is(err, fingerprint.ErrUnknownProfile):
		return protocol.ErrCodeUnknownPreset
	case errors.As(err, &ce):
		switch ce.Phase {
		case transport.PhaseDNS:
			return protocol.ErrCodeDNSFailure
		case transport.PhaseTLS:
			return protocol.ErrCodeTLSFailure
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return protocol.ErrCodeConnectionRefused
		}
	case errors.As(err, &re):
		if re.TooManyHops {
			return protocol.ErrCodeTooManyRedirects
		}
		return protocol.ErrCodeInvalidURL
	case errors.As(err, &pe):
		return protocol.ErrCodeProtocol
	case strings.HasPrefix(err.Error(), "invalid URL"):
		return protocol.ErrCodeInvalidURL
	}
	return protocol.ErrCodeInternal
}

// isTextContent checks if the content type indicates text
func isTextContent(contentType string) bool {
	if contentType == "" {
		return true // Assume text if no content type
	}
	contentType = strings.ToLower(contentType)
	return lo.ContainsBy([]string{
		"text/",
		"application/json",
		"application/xml",
		"application/javascript",
		"application/x-www-form-urlencoded",
	}, func(t string) bool { return strings.Contains(contentType, t) })
}

func main() {
	// stdout carries the protocol; logs go to stderr.
	logging.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), zapcore.Lock(os.Stderr))
	log := logging.GetLogger().With("component", "mimicryd")

	d := NewDaemon(os.Stdin, os.Stdout, log)
	if err := d.Run(context.Background()); err != nil {
		log.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
}
