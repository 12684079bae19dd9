// Package protocol defines the IPC messages exchanged with the mimicryd
// daemon, which lets programs in other languages drive the client.
//
// The daemon reads JSON messages from stdin and writes responses to stdout.
// Each message is a single JSON object followed by a newline. Responses
// carry the id of the message they answer and may arrive out of order.
package protocol

// MessageType represents the type of IPC message
type MessageType string

const (
	// Request/Response types
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"

	// Session management
	TypeSessionCreate MessageType = "session.create"
	TypeSessionClose  MessageType = "session.close"
	TypeSessionList   MessageType = "session.list"
	TypeSessionStats  MessageType = "session.stats"

	// Cookie management
	TypeCookieGet MessageType = "cookie.get"
	TypeCookieSet MessageType = "cookie.set"

	// Control messages
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeError    MessageType = "error"
	TypeShutdown MessageType = "shutdown"

	// Info
	TypePresetList MessageType = "preset.list"
)

// Envelope is decoded first to route a message by its type.
type Envelope struct {
	ID   string      `json:"id"`
	Type MessageType `json:"type"`
}

// Request represents an incoming HTTP request message
type Request struct {
	ID      string              `json:"id"`                // Unique request ID for correlation
	Type    MessageType         `json:"type"`              // Message type
	Session string              `json:"session,omitempty"` // Session ID (empty for one-shot requests)
	Method  string              `json:"method,omitempty"`  // HTTP method (GET, POST, etc.)
	URL     string              `json:"url,omitempty"`     // Target URL
	Headers map[string][]string `json:"headers,omitempty"` // Header values, names sent as given
	Body    string              `json:"body,omitempty"`    // Request body
	Options *RequestOptions     `json:"options,omitempty"` // Request options
}

// RequestOptions contains optional request configuration
type RequestOptions struct {
	// Timeout in milliseconds (0 = use session/default timeout)
	Timeout int `json:"timeout,omitempty"`

	// Redirect behavior
	FollowRedirects *bool `json:"followRedirects,omitempty"` // nil = use session default
	MaxRedirects    int   `json:"maxRedirects,omitempty"`

	// Protocol forcing: "auto", "h1", "h2"
	ForceProtocol string `json:"forceProtocol,omitempty"`

	// Authentication
	Auth *AuthConfig `json:"auth,omitempty"`

	// Body encoding: "text" (default), "base64" (for binary data)
	BodyEncoding string `json:"bodyEncoding,omitempty"`
}

// AuthConfig specifies authentication
type AuthConfig struct {
	Type     string `json:"type"`               // "basic", "bearer", "digest"
	Username string `json:"username,omitempty"` // For basic/digest
	Password string `json:"password,omitempty"` // For basic/digest
	Token    string `json:"token,omitempty"`    // For bearer
}

// Response represents an outgoing IPC response
type Response struct {
	ID         string              `json:"id"`                   // Correlates with request ID
	Type       MessageType         `json:"type"`                 // Message type
	Session    string              `json:"session,omitempty"`    // Session ID if applicable
	RequestID  string              `json:"requestId,omitempty"`  // Client-side request id, as logged
	Status     int                 `json:"status,omitempty"`     // HTTP status code
	Headers    map[string][]string `json:"headers,omitempty"`    // Response headers
	Body       string              `json:"body,omitempty"`       // Response body
	URL        string              `json:"url,omitempty"`        // Final URL after redirects
	Protocol   string              `json:"protocol,omitempty"`   // "HTTP/1.1" or "HTTP/2.0"
	RemoteAddr string              `json:"remoteAddr,omitempty"` // Address connected to
	Reused     bool                `json:"reused,omitempty"`     // Connection carried earlier requests
	Redirects  []Redirect          `json:"redirects,omitempty"`  // Redirects followed
	TLS        *TLSInfo            `json:"tls,omitempty"`        // Handshake details when captured
	Timing     *Timing             `json:"timing,omitempty"`     // Request timing
	Error      *ErrorInfo          `json:"error,omitempty"`      // Error details if failed

	// Body metadata
	BodyEncoding string `json:"bodyEncoding,omitempty"` // "text" or "base64"
	BodySize     int    `json:"bodySize,omitempty"`     // Decoded body size in bytes
}

// Redirect is one followed hop.
type Redirect struct {
	Status   int    `json:"status"`
	URL      string `json:"url"`
	Location string `json:"location"`
}

// TLSInfo summarises the handshake of the connection that served a
// response.
type TLSInfo struct {
	Version     uint16   `json:"version"`
	CipherSuite uint16   `json:"cipherSuite"`
	ALPN        string   `json:"alpn,omitempty"`
	ServerName  string   `json:"serverName,omitempty"`
	Resumed     bool     `json:"resumed,omitempty"`
	PeerCerts   []string `json:"peerCerts,omitempty"` // base64 DER, leaf first
}

// Timing contains request timing in milliseconds
type Timing struct {
	Total float64 `json:"total"` // Total request time including the body
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code"`              // Error code (e.g., "TIMEOUT", "CONNECTION_REFUSED")
	Message string `json:"message"`           // Human-readable error message
	Details string `json:"details,omitempty"` // Additional details
}

// SessionCreateRequest creates a new session with optional configuration
type SessionCreateRequest struct {
	ID      string         `json:"id"`
	Type    MessageType    `json:"type"`
	Options *SessionConfig `json:"options,omitempty"`
}

// SessionConfig contains session configuration
type SessionConfig struct {
	// Browser fingerprint preset (e.g., "chrome131", "firefox120-linux")
	Preset string `json:"preset,omitempty"`

	// User-Agent override (empty = use preset)
	UserAgent string `json:"userAgent,omitempty"`

	// Proxy URL (http://, https://, socks5://, socks5h://)
	Proxy string `json:"proxy,omitempty"`

	// Default timeout in milliseconds
	Timeout int `json:"timeout,omitempty"`

	// Redirect behavior; nil follows up to the default limit
	FollowRedirects *bool `json:"followRedirects,omitempty"`
	MaxRedirects    int   `json:"maxRedirects,omitempty"`

	// Protocol forcing: "auto", "h1", "h2"
	ForceProtocol string `json:"forceProtocol,omitempty"`

	// TLS options
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty"`
	CaptureTLS         bool `json:"captureTls,omitempty"`

	// Network options
	Interface   string   `json:"interface,omitempty"`
	Nameservers []string `json:"nameservers,omitempty"`

	// Host overrides: host -> ["ip:port", ...], tried in order
	ConnectTo map[string][]string `json:"connectTo,omitempty"`

	// Default authentication (can be overridden per-request)
	Auth *AuthConfig `json:"auth,omitempty"`
}

// SessionCreateResponse contains the created session info
type SessionCreateResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	Preset  string      `json:"preset,omitempty"`
}

// SessionRequest addresses an existing session.
type SessionRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// SessionListResponse lists all active sessions
type SessionListResponse struct {
	ID       string      `json:"id"`
	Type     MessageType `json:"type"`
	Sessions []string    `json:"sessions"`
}

// SessionStatsResponse reports a session's connection pool.
type SessionStatsResponse struct {
	ID         string         `json:"id"`
	Type       MessageType    `json:"type"`
	Session    string         `json:"session"`
	Conns      int            `json:"conns"`
	Idle       int            `json:"idle"`
	InUse      int            `json:"inUse"`
	Streams    int            `json:"streams"`
	Queued     int            `json:"queued"`
	ByProtocol map[string]int `json:"byProtocol,omitempty"`
}

// CookieGetRequest gets cookies for a URL
type CookieGetRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	URL     string      `json:"url"` // URL to get cookies for
}

// CookieSetRequest sets a cookie
type CookieSetRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	URL     string      `json:"url"`               // URL the cookie is set from
	Name    string      `json:"name"`              // Cookie name
	Value   string      `json:"value"`             // Cookie value
	Path    string      `json:"path"`              // Cookie path (optional)
	Domain  string      `json:"domain"`            // Cookie domain (optional)
	Secure  bool        `json:"secure"`            // Secure flag
	Expires int64       `json:"expires,omitempty"` // Unix timestamp (0 = session cookie)
}

// CookieResponse contains cookie data
type CookieResponse struct {
	ID      string            `json:"id"`
	Type    MessageType       `json:"type"`
	Session string            `json:"session,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"` // name -> value
}

// PresetListResponse lists available presets
type PresetListResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Presets []string    `json:"presets"`
}

// PingResponse responds to ping
type PingResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
}

// NewErrorResponse creates an error response
func NewErrorResponse(reqID string, code string, message string) *Response {
	return &Response{
		ID:   reqID,
		Type: TypeError,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// Common error codes
const (
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConnectionRefused = "CONNECTION_REFUSED"
	ErrCodeDNSFailure        = "DNS_FAILURE"
	ErrCodeTLSFailure        = "TLS_FAILURE"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeTooManyRedirects  = "TOO_MANY_REDIRECTS"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeInvalidSession    = "INVALID_SESSION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnknownPreset     = "UNKNOWN_PRESET"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
