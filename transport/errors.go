package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/net/http2"
)

// Profile errors are defined next to the registry and re-exported here so
// callers can match every engine failure from one package.
type ProfileError = fingerprint.ProfileError

var (
	ErrUnknownProfile               = fingerprint.ErrUnknownProfile
	ErrUnsupportedCipherOrExtension = fingerprint.ErrUnsupportedCipherOrExtension
	ErrUnsupportedOS                = fingerprint.ErrUnsupportedOS
)

var (
	// ErrConnectionClosed is returned for requests that were in flight or
	// queued on a connection that failed or was shut down by the peer.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStreamRefused is returned when the peer refused a stream before
	// processing it (REFUSED_STREAM).
	ErrStreamRefused = errors.New("stream refused by peer")
	// ErrTooManyRedirects is wrapped by RedirectError when the hop limit
	// is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.New("pool closed")
	// ErrTruncatedBody is wrapped by BodyError when the connection ends
	// before the declared body length.
	ErrTruncatedBody = errors.New("truncated body")
	// ErrHTTP2Unavailable is returned when HTTP/2 is pinned but cannot be
	// negotiated.
	ErrHTTP2Unavailable = errors.New("http/2 not available")
)

// Phase names the step of connection establishment that failed.
type Phase string

const (
	PhaseDNS       Phase = "dns"
	PhaseTLS       Phase = "tls-handshake"
	PhaseTransport Phase = "transport"
)

// ResolutionError reports that no candidate address was available for a
// host.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConnectError reports a failure while establishing a connection.
type ConnectError struct {
	Phase Phase
	Host  string
	Port  string
	Addr  string
	Err   error
}

func (e *ConnectError) Error() string {
	target := net.JoinHostPort(e.Host, e.Port)
	if e.Addr != "" && e.Addr != target {
		target += " (" + e.Addr + ")"
	}
	return fmt.Sprintf("connect %s: %s: %v", target, e.Phase, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a protocol violation, stream reset or failed
// negotiation.
type ProtocolError struct {
	Protocol string
	Op       string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RedirectError reports a redirect that could not be followed.
type RedirectError struct {
	TooManyHops bool
	Hops        int
	Location    string
	Err         error
}

func (e *RedirectError) Error() string {
	if e.TooManyHops {
		return fmt.Sprintf("redirect: stopped after %d hops", e.Hops)
	}
	return fmt.Sprintf("redirect to %q: %v", e.Location, e.Err)
}

func (e *RedirectError) Unwrap() error {
	if e.TooManyHops && e.Err == nil {
		return ErrTooManyRedirects
	}
	return e.Err
}

// BodyError reports a failure reading or decoding a response body.
type BodyError struct {
	Encoding string
	Err      error
}

func (e *BodyError) Error() string {
	if e.Encoding != "" {
		return fmt.Sprintf("body (%s): %v", e.Encoding, e.Err)
	}
	return "body: " + e.Err.Error()
}

func (e *BodyError) Unwrap() error { return e.Err }

// TimeoutError reports an expired connect, idle or request deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return e.Op + ": timeout: " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Timeout() bool { return true }

// IsRetryable reports whether err was caused by a connection that broke or
// refused the request, so that the request may be replayed once on a fresh
// connection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrStreamRefused)
}

// IsTimeout reports whether err is a deadline expiry of any kind.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// classify maps errors from a round trip on an established connection into
// the taxonomy. Errors that are already typed pass through.
func classify(proto, op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		pe *ProtocolError
		be *BodyError
		te *TimeoutError
	)
	if errors.As(err, &pe) || errors.As(err, &be) || errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsTimeout(err) {
		return &TimeoutError{Op: op, Err: err}
	}

	var se http2.StreamError
	if errors.As(err, &se) {
		if se.Code == http2.ErrCodeRefusedStream {
			return &ProtocolError{Protocol: proto, Op: op, Err: fmt.Errorf("%w: %v", ErrStreamRefused, err)}
		}
		return &ProtocolError{Protocol: proto, Op: op, Err: err}
	}
	var ga http2.GoAwayError
	if errors.As(err, &ga) {
		if ga.ErrCode == http2.ErrCodeNo {
			return &ProtocolError{Protocol: proto, Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionClosed, err)}
		}
		return &ProtocolError{Protocol: proto, Op: op, Err: err}
	}
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return &ProtocolError{Protocol: proto, Op: op, Err: err}
	}

	if connBroken(err) {
		return &ProtocolError{Protocol: proto, Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionClosed, err)}
	}
	return &ProtocolError{Protocol: proto, Op: op, Err: err}
}

func connBroken(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	// The http2 package keeps these unexported.
	msg := err.Error()
	return strings.Contains(msg, "client connection lost") ||
		strings.Contains(msg, "client conn is closed") ||
		strings.Contains(msg, "client conn not usable") ||
		strings.Contains(msg, "graceful shutdown GOAWAY")
}
