package client

import (
	"io"
	"net/http"
	"time"

	"github.com/sardanioss/mimicry/redirect"
	"github.com/sardanioss/mimicry/transport"
)

// Request represents an HTTP request
type Request struct {
	Method string
	URL    string
	// Header is sent as given: names keep their casing on HTTP/1.1 and
	// win over the profile's default headers.
	Header http.Header
	// Body is replayable (for redirects and the retry after a broken
	// connection) when it is a *bytes.Buffer, *bytes.Reader or
	// *strings.Reader. Other readers are streamed once.
	Body io.Reader

	// Timeout overrides the client's timeout.
	Timeout time.Duration
	// Pin overrides the client's protocol pin unless it is PinAuto.
	Pin transport.Pin
	// Redirect overrides the client's redirect policy.
	Redirect *redirect.Policy
	// Auth overrides the client's authentication.
	Auth Auth
}

// NewRequest returns a request with an empty header.
func NewRequest(method, url string, body io.Reader) *Request {
	return &Request{Method: method, URL: url, Header: make(http.Header), Body: body}
}

// SetHeader sets a header value, replacing any existing values. The name is
// stored as given.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header[key] = []string{value}
	return r
}

// AddHeader adds a header value, preserving existing values.
func (r *Request) AddHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header[key] = append(r.Header[key], value)
	return r
}

// RedirectInfo stores information about a followed redirect
type RedirectInfo struct {
	StatusCode int
	URL        string
	Location   string
	Header     http.Header
}
