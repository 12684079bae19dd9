package client

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/sardanioss/mimicry/transport"
)

// Response represents an HTTP response. Body streams from the connection;
// read it to the end or close it to return the connection to the pool.
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// Protocol is transport.ProtoHTTP1 or transport.ProtoHTTP2.
	Protocol   string
	URL        *url.URL
	RemoteAddr net.Addr
	// TLSInfo is set for https responses when the client captures it.
	TLSInfo *transport.TLSInfo
	// Reused reports whether the connection carried earlier requests.
	Reused bool
	// History lists the redirects followed to reach this response.
	History   []RedirectInfo
	RequestID string

	bodyBytes []byte
	bodyRead  bool
}

// Close closes the response body.
func (r *Response) Close() error {
	if r.Body != nil {
		return r.Body.Close()
	}
	return nil
}

// Bytes reads and returns the entire response body. Later calls return
// the same bytes.
func (r *Response) Bytes() ([]byte, error) {
	if r.bodyRead {
		return r.bodyBytes, nil
	}
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.bodyBytes = data
	r.bodyRead = true
	return data, nil
}

// Text returns the response body as a string
func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// JSON decodes the response body as JSON into v
func (r *Response) JSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Cookies parses the Set-Cookie headers.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}

// IsSuccess returns true if the status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect returns true if the status code is 3xx
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}
