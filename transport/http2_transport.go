package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	fhttp "github.com/sardanioss/http"
	"github.com/sardanioss/net/http2"

	"github.com/sardanioss/mimicry/fingerprint"
)

const (
	// DefaultMaxConcurrentStreams is the stream ceiling assumed until the
	// peer's first SETTINGS frame arrives.
	DefaultMaxConcurrentStreams = 100
	// unlimitedStreams is used when the peer's SETTINGS omit
	// MAX_CONCURRENT_STREAMS, matching the http2 package.
	unlimitedStreams = 1000
	// Receive window the protocol starts with before any SETTINGS.
	initialWindowSize = 65535
)

// H2Options configures an HTTP/2 session.
type H2Options struct {
	// ReadIdleTimeout starts a health check PING after that much silence
	// and PingTimeout bounds the reply. Zero disables health checks.
	ReadIdleTimeout time.Duration
	PingTimeout     time.Duration
	// OnMaxStreams is called whenever the peer announces
	// MAX_CONCURRENT_STREAMS, and once with the implied value when its
	// first SETTINGS frame omits it.
	OnMaxStreams func(n uint32)
	// OnGoAway is called when the peer sends GOAWAY.
	OnGoAway func(code http2.ErrCode)
}

// H2Session is an HTTP/2 client connection whose connection preface and
// request header blocks follow a fingerprint profile.
type H2Session struct {
	cc   *http2.ClientConn
	conn *frameConn
	opts H2Options

	// order is the lowercased regular header order of the profile.
	order []string

	settingsOnce sync.Once
	settingsSeen chan struct{}
	maxStreams   atomic.Uint32
	goAway       atomic.Bool
}

// NewH2Session starts HTTP/2 over conn. The preface, SETTINGS and
// WINDOW_UPDATE are written before it returns. With a nil profile the
// session uses the http2 package defaults.
func NewH2Session(conn net.Conn, p *fingerprint.Profile, opts H2Options) (*H2Session, error) {
	if p != nil && p.HTTP2Disabled() {
		return nil, &ProtocolError{Protocol: ProtoHTTP2, Op: "setup", Err: fmt.Errorf("%w: disabled by profile %s", ErrHTTP2Unavailable, p.Name())}
	}

	s := &H2Session{opts: opts, settingsSeen: make(chan struct{})}
	s.maxStreams.Store(DefaultMaxConcurrentStreams)
	if p != nil {
		s.order = lo.Map(p.HeaderOrder(), func(name string, _ int) string { return strings.ToLower(name) })
	}

	t2, err := newH2Transport(p, opts)
	if err != nil {
		return nil, err
	}
	s.conn = newFrameConn(conn, p, s.peerFrame)
	cc, err := t2.NewClientConn(s.conn)
	if err != nil {
		conn.Close()
		return nil, &ConnectError{Phase: PhaseTransport, Addr: conn.RemoteAddr().String(), Err: err}
	}
	s.cc = cc
	return s, nil
}

// newH2Transport builds a transport that writes the profile's SETTINGS in
// order, its connection WINDOW_UPDATE and its pseudo-header order. Receive
// windows and table sizes agree with the announced values so that
// flow-control accounting matches what the peer was told.
func newH2Transport(p *fingerprint.Profile, opts H2Options) (*http2.Transport, error) {
	t1 := &fhttp.Transport{DisableCompression: true}
	var h2 fingerprint.H2Template
	if p != nil {
		h2 = p.H2()
		cfg := &fhttp.HTTP2Config{MaxReceiveBufferPerStream: initialWindowSize}
		if v, ok := h2.Setting(http2.SettingInitialWindowSize); ok {
			cfg.MaxReceiveBufferPerStream = int(v)
		}
		if h2.WindowUpdate > 0 {
			cfg.MaxReceiveBufferPerConnection = int(h2.WindowUpdate)
		} else {
			cfg.MaxReceiveBufferPerConnection = initialWindowSize
		}
		t1.HTTP2 = cfg
	}
	t2, err := http2.ConfigureTransports(t1)
	if err != nil {
		return nil, err
	}
	t2.DisableCompression = true
	t2.ReadIdleTimeout = opts.ReadIdleTimeout
	t2.PingTimeout = opts.PingTimeout
	if p == nil {
		return t2, nil
	}

	t2.Settings = make(map[http2.SettingID]uint32, len(h2.Settings))
	for _, st := range h2.Settings {
		t2.Settings[st.ID] = st.Val
		t2.SettingsOrder = append(t2.SettingsOrder, st.ID)
	}
	t2.ConnectionFlow = h2.WindowUpdate
	t2.PseudoHeaderOrder = h2.PseudoOrder
	if len(t2.PseudoHeaderOrder) == 0 {
		t2.PseudoHeaderOrder = fingerprint.DefaultPseudoOrder()
	}
	if h2.Priority.Mode == fingerprint.PriorityHeaders {
		param := h2.Priority.Param()
		t2.HeaderPriority = &param
	}
	t2.UserAgent = p.UserAgent()
	if v, ok := h2.Setting(http2.SettingHeaderTableSize); ok && v > 0 {
		t2.MaxDecoderHeaderTableSize = v
	}
	if v, ok := h2.Setting(http2.SettingMaxFrameSize); ok {
		t2.MaxReadFrameSize = v
	}
	if v, ok := h2.Setting(http2.SettingMaxHeaderListSize); ok {
		t2.MaxHeaderListSize = v
	}
	return t2, nil
}

// toWire converts req for the http2 package, carrying the header order as
// its per-request order key.
func (s *H2Session) toWire(req *http.Request) *fhttp.Request {
	h := fhttp.Header(req.Header.Clone())
	if h == nil {
		h = fhttp.Header{}
	}
	if s.order != nil {
		h[http2.HeaderOrderKey] = orderedNames(req.Header, s.order)
	}
	body := req.Body
	if body == http.NoBody {
		body = nil
	}
	out := &fhttp.Request{
		Method:           req.Method,
		URL:              req.URL,
		Header:           h,
		Body:             body,
		GetBody:          req.GetBody,
		ContentLength:    req.ContentLength,
		TransferEncoding: req.TransferEncoding,
		Close:            req.Close,
		Host:             req.Host,
		Trailer:          fhttp.Header(req.Trailer),
	}
	return out.WithContext(req.Context())
}

func fromWire(resp *fhttp.Response, req *http.Request) *http.Response {
	return &http.Response{
		Status:           resp.Status,
		StatusCode:       resp.StatusCode,
		Proto:            resp.Proto,
		ProtoMajor:       resp.ProtoMajor,
		ProtoMinor:       resp.ProtoMinor,
		Header:           http.Header(resp.Header),
		Body:             resp.Body,
		ContentLength:    resp.ContentLength,
		TransferEncoding: resp.TransferEncoding,
		Close:            resp.Close,
		Uncompressed:     resp.Uncompressed,
		Trailer:          http.Header(resp.Trailer),
		Request:          req,
	}
}

func (s *H2Session) peerFrame(typ http2.FrameType, flags http2.Flags, payload []byte) {
	switch typ {
	case http2.FrameSettings:
		if flags.Has(http2.FlagSettingsAck) {
			return
		}
		first := false
		s.settingsOnce.Do(func() { first = true })
		announced := false
		for i := 0; i+6 <= len(payload); i += 6 {
			if http2.SettingID(binary.BigEndian.Uint16(payload[i:])) == http2.SettingMaxConcurrentStreams {
				announced = true
				s.setMaxStreams(binary.BigEndian.Uint32(payload[i+2:]))
			}
		}
		if first {
			if !announced {
				s.setMaxStreams(unlimitedStreams)
			}
			close(s.settingsSeen)
		}
	case http2.FrameGoAway:
		s.goAway.Store(true)
		if s.opts.OnGoAway != nil && len(payload) >= 8 {
			s.opts.OnGoAway(http2.ErrCode(binary.BigEndian.Uint32(payload[4:8])))
		}
	}
}

func (s *H2Session) setMaxStreams(n uint32) {
	s.maxStreams.Store(n)
	if s.opts.OnMaxStreams != nil {
		s.opts.OnMaxStreams(n)
	}
}

// WaitSettings blocks until the peer's first SETTINGS frame has been read,
// timeout passes or ctx is done. It reports whether SETTINGS arrived.
func (s *H2Session) WaitSettings(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.settingsSeen:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}

// MaxConcurrentStreams returns the current stream ceiling.
func (s *H2Session) MaxConcurrentStreams() uint32 { return s.maxStreams.Load() }

// RoundTrip sends req as a new stream.
func (s *H2Session) RoundTrip(req *http.Request) (*http.Response, error) {
	wresp, err := s.cc.RoundTrip(s.toWire(req))
	if err != nil {
		return nil, classify(ProtoHTTP2, "round trip", err)
	}
	resp := fromWire(wresp, req)
	guardBody(resp)
	return resp, nil
}

func (s *H2Session) Protocol() string { return ProtoHTTP2 }

// Reusable reports whether new streams may still be opened.
func (s *H2Session) Reusable() bool {
	if s.goAway.Load() {
		return false
	}
	st := s.cc.State()
	return !st.Closed && !st.Closing
}

// ActiveStreams returns the streams the connection currently has open.
func (s *H2Session) ActiveStreams() int { return s.cc.State().StreamsActive }

// Shutdown sends GOAWAY and waits for open streams to finish.
func (s *H2Session) Shutdown(ctx context.Context) error { return s.cc.Shutdown(ctx) }

func (s *H2Session) Close() error { return s.cc.Close() }
