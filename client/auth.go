package client

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"sync"
)

// Auth adds credentials to requests. Credentials are only sent to the
// origin of the request they were configured for; redirects elsewhere go
// without them.
type Auth interface {
	// Apply adds credentials to the outgoing request.
	Apply(req *http.Request) error
	// HandleChallenge inspects a 401 response and reports whether the
	// request should be sent once more with updated credentials.
	HandleChallenge(resp *http.Response) (bool, error)
}

// BasicAuth implements HTTP Basic authentication
type BasicAuth struct {
	Username string
	Password string
}

// NewBasicAuth creates a new BasicAuth
func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{Username: username, Password: password}
}

func (a *BasicAuth) Apply(req *http.Request) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+encoded)
	return nil
}

// HandleChallenge never retries: Basic credentials were already sent.
func (a *BasicAuth) HandleChallenge(*http.Response) (bool, error) { return false, nil }

// BearerAuth implements Bearer token authentication
type BearerAuth struct {
	Token string
}

// NewBearerAuth creates a new BearerAuth
func NewBearerAuth(token string) *BearerAuth {
	return &BearerAuth{Token: token}
}

func (a *BearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

func (a *BearerAuth) HandleChallenge(*http.Response) (bool, error) { return false, nil }

// DigestAuth implements HTTP Digest authentication (RFC 7616) with MD5 and
// SHA-256. The first request goes out without credentials; the server's
// challenge is answered on the retry and reused afterwards.
type DigestAuth struct {
	Username string
	Password string

	mu        sync.Mutex
	realm     string
	nonce     string
	qop       string
	opaque    string
	algorithm string
	nc        int
}

// NewDigestAuth creates a new DigestAuth
func NewDigestAuth(username, password string) *DigestAuth {
	return &DigestAuth{Username: username, Password: password}
}

// Apply adds the Authorization header once a challenge has been seen.
func (a *DigestAuth) Apply(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == "" {
		return nil
	}
	h, err := a.hasher()
	if err != nil {
		return err
	}

	a.nc++
	nc := fmt.Sprintf("%08x", a.nc)
	cnonce := generateCnonce()
	uri := req.URL.RequestURI()

	ha1 := digest(h, a.Username+":"+a.realm+":"+a.Password)
	if strings.HasSuffix(strings.ToLower(a.algorithm), "-sess") {
		ha1 = digest(h, ha1+":"+a.nonce+":"+cnonce)
	}
	ha2 := digest(h, req.Method+":"+uri)

	var response string
	if a.qop != "" {
		response = digest(h, strings.Join([]string{ha1, a.nonce, nc, cnonce, a.qop, ha2}, ":"))
	} else {
		response = digest(h, ha1+":"+a.nonce+":"+ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		a.Username, a.realm, a.nonce, uri, response)
	if a.qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, a.qop, nc, cnonce)
	}
	if a.opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, a.opaque)
	}
	if a.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, a.algorithm)
	}
	req.Header.Set("Authorization", b.String())
	return nil
}

// HandleChallenge records a Digest challenge from a 401.
func (a *DigestAuth) HandleChallenge(resp *http.Response) (bool, error) {
	if resp.StatusCode != http.StatusUnauthorized {
		return false, nil
	}
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		if len(v) < 7 || !strings.EqualFold(v[:7], "digest ") {
			continue
		}
		a.mu.Lock()
		stale := a.nonce != ""
		err := a.parseChallenge(v[7:])
		a.mu.Unlock()
		if err != nil {
			return false, err
		}
		// A second challenge for credentials already answered means they
		// were rejected, unless the server marked the nonce stale.
		if stale && !strings.Contains(strings.ToLower(v), "stale=true") {
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func (a *DigestAuth) parseChallenge(params string) error {
	a.realm, a.nonce, a.qop, a.opaque, a.algorithm = "", "", "", "", ""
	for _, part := range splitParams(params) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			a.realm = value
		case "nonce":
			a.nonce = value
		case "qop":
			// Prefer auth when the server offers several.
			for _, q := range strings.Split(value, ",") {
				if q = strings.TrimSpace(q); q == "auth" || a.qop == "" {
					a.qop = q
				}
			}
		case "opaque":
			a.opaque = value
		case "algorithm":
			a.algorithm = value
		}
	}
	a.nc = 0
	if a.nonce == "" {
		return fmt.Errorf("digest auth: missing nonce in challenge")
	}
	return nil
}

func (a *DigestAuth) hasher() (func() hash.Hash, error) {
	switch strings.ToUpper(strings.TrimSuffix(strings.ToLower(a.algorithm), "-sess")) {
	case "", "MD5":
		return md5.New, nil
	case "SHA-256":
		return sha256.New, nil
	}
	return nil, fmt.Errorf("digest auth: unsupported algorithm %q", a.algorithm)
}

// splitParams splits a challenge on commas outside quoted strings.
func splitParams(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func digest(h func() hash.Hash, s string) string {
	d := h()
	d.Write([]byte(s))
	return hex.EncodeToString(d.Sum(nil))
}

func generateCnonce() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
