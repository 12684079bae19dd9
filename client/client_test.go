package client

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/mimicry/logging"
	"github.com/sardanioss/mimicry/redirect"
	"github.com/sardanioss/mimicry/transport"
)

// echoed is what echoHandler reports about the request it received.
type echoed struct {
	Method string      `json:"method"`
	Host   string      `json:"host"`
	Proto  string      `json:"proto"`
	Header http.Header `json:"header"`
	Body   string      `json:"body"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(echoed{
		Method: r.Method,
		Host:   r.Host,
		Proto:  r.Proto,
		Header: r.Header,
		Body:   string(body),
	})
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := New(append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func getEcho(t *testing.T, c *Client, req *Request) (*Response, echoed) {
	t.Helper()
	resp, err := c.Do(testCtx(t), req)
	require.NoError(t, err)
	var e echoed
	require.NoError(t, resp.JSON(&e))
	return resp, e
}

func chrome(t *testing.T) *fingerprint.Profile {
	t.Helper()
	p, err := fingerprint.Default().Lookup("chrome131")
	require.NoError(t, err)
	return p
}

func addrPort(t *testing.T, l net.Listener) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(l.Addr().String())
	require.NoError(t, err)
	return ap
}

func TestPlainRequestHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t)

	resp, e := getEcho(t, c, &Request{URL: srv.URL + "/h"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.MethodGet, e.Method)
	assert.Empty(t, e.Header.Get("User-Agent"))
	for _, enc := range []string{"gzip", "deflate", "br", "zstd"} {
		assert.Contains(t, e.Header.Get("Accept-Encoding"), enc)
	}
	assert.Empty(t, e.Header.Get("Content-Length"))
	assert.Empty(t, e.Header.Get("Content-Type"))
	assert.Empty(t, e.Header.Get("Transfer-Encoding"))

	assert.Equal(t, transport.ProtoHTTP1, resp.Protocol)
	assert.Equal(t, srv.Listener.Addr().String(), resp.RemoteAddr.String())
	assert.Equal(t, "/h", resp.URL.Path)
	assert.NotEmpty(t, resp.RequestID)
	assert.Nil(t, resp.TLSInfo)
}

func TestProfileHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	p := chrome(t)
	c := newTestClient(t, WithProfile(p), WithHTTP1Only())

	_, e := getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, p.UserAgent(), e.Header.Get("User-Agent"))
	for _, h := range p.Headers() {
		assert.Contains(t, e.Header.Values(h.Name), h.Value, h.Name)
	}
	assert.Equal(t, "HTTP/1.1", e.Proto)
}

func TestCallerHeadersWin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t, WithProfile(chrome(t)), WithUserAgent("custom/1.0"))

	req := NewRequest(http.MethodGet, srv.URL, nil).
		SetHeader("accept", "x/y").
		AddHeader("X-Multi", "a").
		AddHeader("X-Multi", "b")
	_, e := getEcho(t, c, req)
	assert.Equal(t, "custom/1.0", e.Header.Get("User-Agent"))
	assert.Equal(t, []string{"x/y"}, e.Header.Values("Accept"))
	assert.Equal(t, []string{"a", "b"}, e.Header.Values("X-Multi"))

	req = NewRequest(http.MethodGet, srv.URL, nil).SetHeader("User-Agent", "caller")
	_, e = getEcho(t, c, req)
	assert.Equal(t, "caller", e.Header.Get("User-Agent"))
}

func TestHostHeaderOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t)

	_, e := getEcho(t, c, NewRequest(http.MethodGet, srv.URL, nil).SetHeader("host", "virtual.test"))
	assert.Equal(t, "virtual.test", e.Host)
}

func TestResponseBodyHelpers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json" {
			io.WriteString(w, `{"ok":true}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "s", Value: "1"})
		io.WriteString(w, "hello")
	}))
	defer srv.Close()
	c := newTestClient(t)

	resp, err := c.Get(testCtx(t), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.True(t, resp.IsSuccess())
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	b, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	require.Len(t, resp.Cookies(), 1)
	assert.Equal(t, "s", resp.Cookies()[0].Name)

	resp, err = c.Get(testCtx(t), srv.URL+"/json", nil)
	require.NoError(t, err)
	var v struct{ OK bool }
	require.NoError(t, resp.JSON(&v))
	assert.True(t, v.OK)
}

func TestPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t)

	resp, err := c.Post(testCtx(t), srv.URL, strings.NewReader("payload"), http.Header{"Content-Type": {"text/plain"}})
	require.NoError(t, err)
	var e echoed
	require.NoError(t, resp.JSON(&e))
	assert.Equal(t, http.MethodPost, e.Method)
	assert.Equal(t, "payload", e.Body)
	assert.Equal(t, "7", e.Header.Get("Content-Length"))
	assert.Equal(t, "text/plain", e.Header.Get("Content-Type"))
}

func TestInvalidURL(t *testing.T) {
	c := newTestClient(t)
	for _, raw := range []string{"ftp://example.com/", "http://", "://nope"} {
		_, err := c.Get(testCtx(t), raw, nil)
		assert.Error(t, err, raw)
	}
}

func TestDNSOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	ap := addrPort(t, srv.Listener)

	c := newTestClient(t, WithDNSOverride("service.test", ap))
	resp, e := getEcho(t, c, &Request{URL: "http://service.test/x"})
	assert.Equal(t, "service.test", e.Host)
	assert.Equal(t, ap.String(), resp.RemoteAddr.String())

	// A zero port takes the request's port; unreachable entries are skipped.
	c = newTestClient(t,
		WithDNSOverride("service.test",
			netip.MustParseAddrPort("[::1]:1"),
			netip.AddrPortFrom(ap.Addr(), 0),
		),
		WithHeadStart(20*time.Millisecond),
	)
	resp, _ = getEcho(t, c, &Request{URL: fmt.Sprintf("http://service.test:%d/", ap.Port())})
	assert.Equal(t, ap.String(), resp.RemoteAddr.String())
}

func TestHTTP2PriorKnowledgeMultiplexes(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(echoHandler), &http2.Server{MaxConcurrentStreams: 1}))
	defer srv.Close()
	c := newTestClient(t, WithHTTP2Only())

	resp, e := getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, transport.ProtoHTTP2, resp.Protocol)
	assert.Equal(t, "HTTP/2.0", e.Proto)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(testCtx(t), srv.URL, nil)
			if err != nil {
				errs <- err
				return
			}
			if _, err := resp.Bytes(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, c.Stats().Conns)
}

func TestQueuedRequestsSurviveBrokenConnection(t *testing.T) {
	var held atomic.Bool
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if held.CompareAndSwap(false, true) {
			<-r.Context().Done()
			return
		}
		echoHandler(w, r)
	}))
	srv.EnableHTTP2 = true
	srv.Config.HTTP2 = &http.HTTP2Config{MaxConcurrentStreams: 1}
	srv.StartTLS()
	defer srv.Close()
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	c := newTestClient(t,
		WithProfile(chrome(t)),
		WithRootCAs(roots),
		WithDNSOverride("example.com", addrPort(t, srv.Listener)),
	)
	held.Store(true)
	resp, _ := getEcho(t, c, &Request{URL: "https://example.com/"})
	require.Equal(t, transport.ProtoHTTP2, resp.Protocol)
	held.Store(false)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(testCtx(t), "https://example.com/", nil)
			if err != nil {
				errs <- err
				return
			}
			if _, err := resp.Bytes(); err != nil {
				errs <- err
			}
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().Queued == 3 }, 5*time.Second, 5*time.Millisecond)

	srv.CloseClientConnections()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestPerRequestPin(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(echoHandler), &http2.Server{}))
	defer srv.Close()
	c := newTestClient(t)

	resp, _ := getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, transport.ProtoHTTP1, resp.Protocol)
	resp, _ = getEcho(t, c, &Request{URL: srv.URL, Pin: transport.PinHTTP2})
	assert.Equal(t, transport.ProtoHTTP2, resp.Protocol)
	assert.Equal(t, 2, c.Stats().Conns)
}

func TestTLSWithProfile(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(echoHandler))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	ap := addrPort(t, srv.Listener)

	c := newTestClient(t,
		WithProfile(chrome(t)),
		WithRootCAs(roots),
		WithDNSOverride("example.com", ap),
		WithTLSInfo(),
	)
	resp, e := getEcho(t, c, &Request{URL: "https://example.com/"})
	assert.Equal(t, transport.ProtoHTTP2, resp.Protocol)
	assert.Equal(t, "HTTP/2.0", e.Proto)
	require.NotNil(t, resp.TLSInfo)
	assert.Equal(t, uint16(tls.VersionTLS13), resp.TLSInfo.Version)
	assert.Equal(t, "h2", resp.TLSInfo.NegotiatedProtocol)
	assert.NotEmpty(t, resp.TLSInfo.PeerCertificates)

	plain := newTestClient(t, WithProfile(chrome(t)), WithRootCAs(roots), WithDNSOverride("example.com", ap))
	resp, _ = getEcho(t, plain, &Request{URL: "https://example.com/"})
	assert.Nil(t, resp.TLSInfo)

	untrusted := newTestClient(t, WithProfile(chrome(t)), WithDNSOverride("example.com", ap))
	_, err := untrusted.Get(testCtx(t), "https://example.com/", nil)
	assert.Error(t, err)
}

func TestSharedSessionCache(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	ap := addrPort(t, srv.Listener)
	cache := transport.NewSessionCache(8)

	c := newTestClient(t, WithRootCAs(roots), WithDNSOverride("example.com", ap), WithSessionCache(cache))
	getEcho(t, c, &Request{URL: "https://example.com/"})
	require.Eventually(t, func() bool { return cache.Len() > 0 }, 2*time.Second, 20*time.Millisecond)

	other := newTestClient(t, WithRootCAs(roots), WithDNSOverride("example.com", ap), WithSessionCache(cache))
	getEcho(t, other, &Request{URL: "https://example.com/"})
	assert.Positive(t, cache.Len())
}

func TestGzipBodyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte("compressed hello"))
		zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()
	c := newTestClient(t)

	resp, err := c.Get(testCtx(t), srv.URL, nil)
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "compressed hello", text)
}

func redirectServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", echoHandler)
	for _, code := range []int{301, 302, 303, 307, 308} {
		mux.HandleFunc(fmt.Sprintf("/%d", code), func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Location", "/echo")
			w.WriteHeader(code)
		})
	}
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/loop")
		w.WriteHeader(http.StatusFound)
	})
	return httptest.NewServer(mux)
}

func TestRedirectMethodRewrite(t *testing.T) {
	srv := redirectServer()
	defer srv.Close()
	c := newTestClient(t)

	tests := []struct {
		code   int
		sent   string
		method string
		body   string
	}{
		{301, http.MethodPost, http.MethodGet, ""},
		{301, http.MethodPut, http.MethodGet, ""},
		{301, http.MethodDelete, http.MethodGet, ""},
		{302, http.MethodPost, http.MethodGet, ""},
		{302, http.MethodPut, http.MethodGet, ""},
		{302, http.MethodDelete, http.MethodGet, ""},
		{302, http.MethodPatch, http.MethodGet, ""},
		{303, http.MethodPost, http.MethodGet, ""},
		{303, http.MethodPut, http.MethodGet, ""},
		{307, http.MethodPost, http.MethodPost, "data"},
		{307, http.MethodPut, http.MethodPut, "data"},
		{308, http.MethodPost, http.MethodPost, "data"},
		{308, http.MethodDelete, http.MethodDelete, "data"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.code, tt.sent), func(t *testing.T) {
			req := NewRequest(tt.sent, fmt.Sprintf("%s/%d", srv.URL, tt.code), strings.NewReader("data")).
				SetHeader("Content-Type", "text/plain")
			resp, e := getEcho(t, c, req)
			assert.Equal(t, tt.method, e.Method)
			assert.Equal(t, tt.body, e.Body)
			if tt.body == "" {
				assert.Empty(t, e.Header.Get("Content-Type"))
			} else {
				assert.Equal(t, "text/plain", e.Header.Get("Content-Type"))
			}
			assert.Equal(t, "/echo", resp.URL.Path)
			require.Len(t, resp.History, 1)
			assert.Equal(t, tt.code, resp.History[0].StatusCode)
			assert.Equal(t, "/echo", resp.History[0].Location)
		})
	}
}

func TestRedirectLimit(t *testing.T) {
	srv := redirectServer()
	defer srv.Close()
	c := newTestClient(t, WithRedirectPolicy(redirect.Limited(3)))

	_, err := c.Get(testCtx(t), srv.URL+"/loop", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTooManyRedirects)
	var re *transport.RedirectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Hops)
}

func TestRedirectsDisabled(t *testing.T) {
	srv := redirectServer()
	defer srv.Close()
	c := newTestClient(t, WithoutRedirects())

	resp, err := c.Get(testCtx(t), srv.URL+"/302", nil)
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, resp.IsRedirect())
	assert.Empty(t, resp.History)

	// A per-request policy overrides the client's.
	p := redirect.Default()
	resp, e := getEcho(t, c, &Request{URL: srv.URL + "/302", Redirect: &p})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.MethodGet, e.Method)
}

func TestCrossOriginRedirectDropsCredentials(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer other.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.Redirect(w, r, other.URL+"/landing", http.StatusFound)
	}))
	defer srv.Close()
	c := newTestClient(t, WithAuth(NewBasicAuth("user", "pass")))

	req := NewRequest(http.MethodGet, srv.URL+"/start", nil).
		SetHeader("X-Api-Key", "k").
		SetHeader("Cookie", "session=1").
		SetHeader("X-Keep", "v")
	resp, e := getEcho(t, c, req)
	assert.Equal(t, "/landing", resp.URL.Path)
	assert.Empty(t, e.Header.Get("Authorization"))
	assert.Empty(t, e.Header.Get("X-Api-Key"))
	assert.Empty(t, e.Header.Get("Cookie"))
	assert.Equal(t, "v", e.Header.Get("X-Keep"))
	assert.Equal(t, srv.URL+"/start", e.Header.Get("Referer"))
}

func TestCookieJar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "abc", Path: "/"})
			http.Redirect(w, r, "/echo", http.StatusFound)
			return
		}
		echoHandler(w, r)
	}))
	defer srv.Close()
	c := newTestClient(t, WithCookies())

	// The cookie set on the redirect response is sent to the target.
	_, e := getEcho(t, c, &Request{URL: srv.URL + "/login"})
	assert.Equal(t, "token=abc", e.Header.Get("Cookie"))

	_, e = getEcho(t, c, NewRequest(http.MethodGet, srv.URL+"/echo", nil).SetHeader("Cookie", "extra=1"))
	assert.Equal(t, "extra=1; token=abc", e.Header.Get("Cookie"))

	noJar := newTestClient(t)
	_, e = getEcho(t, noJar, &Request{URL: srv.URL + "/login"})
	assert.Empty(t, e.Header.Get("Cookie"))
}

func TestBasicAndBearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	c := newTestClient(t, WithAuth(NewBasicAuth("user", "pass")))
	_, e := getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, "Basic dXNlcjpwYXNz", e.Header.Get("Authorization"))

	_, e = getEcho(t, c, &Request{URL: srv.URL, Auth: NewBearerAuth("tok")})
	assert.Equal(t, "Bearer tok", e.Header.Get("Authorization"))
}

func digestServer(user, pass string) *httptest.Server {
	const realm, nonce = "test", "abc123"
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := func() {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Digest realm=%q, nonce=%q, qop="auth", algorithm=MD5`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Digest ") {
			challenge()
			return
		}
		params := make(map[string]string)
		for _, part := range splitParams(h[len("Digest "):]) {
			k, v, _ := strings.Cut(part, "=")
			params[k] = strings.Trim(v, `"`)
		}
		ha1 := digest(md5.New, user+":"+realm+":"+pass)
		ha2 := digest(md5.New, r.Method+":"+params["uri"])
		want := digest(md5.New, strings.Join([]string{ha1, nonce, params["nc"], params["cnonce"], "auth", ha2}, ":"))
		if params["response"] != want || params["username"] != user {
			challenge()
			return
		}
		io.WriteString(w, "welcome")
	}))
}

func TestDigestAuth(t *testing.T) {
	srv := digestServer("user", "secret")
	defer srv.Close()

	c := newTestClient(t, WithAuth(NewDigestAuth("user", "secret")))
	resp, err := c.Get(testCtx(t), srv.URL+"/private?x=1", nil)
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "welcome", text)

	// The challenge is remembered for the next request.
	resp, err = c.Get(testCtx(t), srv.URL+"/again", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Close()

	wrong := newTestClient(t, WithAuth(NewDigestAuth("user", "wrong")))
	resp, err = wrong.Get(testCtx(t), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRetryOnClosedReusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	closed := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(conn)
			if _, err := http.ReadRequest(br); err == nil {
				// Keep-alive is implied, but the server hangs up anyway.
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}
			conn.Close()
			closed <- struct{}{}
		}
	}()
	c := newTestClient(t)
	url := "http://" + ln.Addr().String() + "/"

	resp, err := c.Get(testCtx(t), url, nil)
	require.NoError(t, err)
	_, err = resp.Bytes()
	require.NoError(t, err)
	<-closed

	resp, err = c.Get(testCtx(t), url, nil)
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.False(t, resp.Reused)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	c := newTestClient(t, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Get(testCtx(t), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, transport.IsTimeout(err), "%v", err)
	assert.Less(t, time.Since(start), time.Second)

	// A request timeout overrides the client's.
	resp, err := c.Do(testCtx(t), &Request{URL: srv.URL + "/", Timeout: 5 * time.Second, Header: http.Header{}})
	require.NoError(t, err)
	resp.Close()
}

func TestIdleConnectionsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t, WithIdleTimeout(200*time.Millisecond))

	getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, 1, c.Stats().Conns)
	require.Eventually(t, func() bool { return c.Stats().Conns == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestCloseIdleAndInterface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	c := newTestClient(t)

	assert.Empty(t, c.Interface())
	getEcho(t, c, &Request{URL: srv.URL})
	assert.Equal(t, 1, c.Stats().Idle)

	c.SetInterface("eth-test")
	assert.Equal(t, "eth-test", c.Interface())
	c.CloseIdle()
	assert.Equal(t, 0, c.Stats().Conns)
	c.SetInterface("")

	resp, _ := getEcho(t, c, &Request{URL: srv.URL})
	assert.False(t, resp.Reused)
	resp, _ = getEcho(t, c, &Request{URL: srv.URL})
	assert.True(t, resp.Reused)
}

func TestClosedClient(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.Close())
	_, err := c.Get(testCtx(t), "http://127.0.0.1:1/", nil)
	assert.ErrorIs(t, err, transport.ErrPoolClosed)
}

func TestInvalidProxy(t *testing.T) {
	_, err := New(WithProxy("ftp://proxy.test:21"), WithLogger(logging.Nop()))
	assert.Error(t, err)
}
