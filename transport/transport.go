// Package transport owns the wire side of the engine: the fingerprinted TLS
// handshake, the HTTP/2 session with its frame rewriter, the HTTP/1.1
// exchange, response body codecs and the error taxonomy shared by every
// layer above.
package transport

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

// Protocol strings as reported on responses.
const (
	ProtoHTTP1 = "HTTP/1.1"
	ProtoHTTP2 = "HTTP/2.0"
)

// Pin restricts the HTTP version used for a request.
type Pin int

const (
	// PinAuto lets ALPN decide.
	PinAuto Pin = iota
	// PinHTTP1 forces HTTP/1.1.
	PinHTTP1
	// PinHTTP2 forces HTTP/2; plain http:// uses prior knowledge (h2c).
	PinHTTP2
)

func (p Pin) String() string {
	switch p {
	case PinHTTP1:
		return "http/1.1"
	case PinHTTP2:
		return "h2"
	}
	return "auto"
}

// RoundTripper is one established connection able to carry requests. The
// HTTP/1.1 implementation carries one exchange at a time; the HTTP/2
// implementation multiplexes streams.
type RoundTripper interface {
	// RoundTrip sends req and returns the response headers. The body is
	// streamed from the connection.
	RoundTrip(req *http.Request) (*http.Response, error)
	// Protocol returns ProtoHTTP1 or ProtoHTTP2.
	Protocol() string
	// Reusable reports whether the connection is still healthy enough to
	// carry requests after the current ones. It says nothing about free
	// capacity.
	Reusable() bool
	// Close tears the connection down.
	Close() error
}

var (
	_ RoundTripper = (*H1Conn)(nil)
	_ RoundTripper = (*H2Session)(nil)
)

// bodyWatcher calls done exactly once: with nil when the body reached EOF,
// or with the read error or errBodyClosedEarly otherwise.
type bodyWatcher struct {
	body io.ReadCloser
	once sync.Once
	done func(error)
}

var errBodyClosedEarly = errors.New("body closed before EOF")

// WatchBody replaces resp.Body with a reader that reports its end to done.
// A nil done is ignored.
func WatchBody(resp *http.Response, done func(error)) {
	if done == nil {
		return
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		done(nil)
		return
	}
	resp.Body = &bodyWatcher{body: resp.Body, done: done}
}

func (b *bodyWatcher) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == io.EOF {
		b.finish(nil)
	} else if err != nil {
		b.finish(err)
	}
	return n, err
}

func (b *bodyWatcher) Close() error {
	err := b.body.Close()
	b.finish(errBodyClosedEarly)
	return err
}

func (b *bodyWatcher) finish(err error) {
	b.once.Do(func() { b.done(err) })
}
