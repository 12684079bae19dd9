// Package redirect decides how a 3xx response is followed. It performs no
// I/O: the caller sends the request it returns.
package redirect

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/sardanioss/mimicry/transport"
)

// DefaultLimit is the hop limit of Default.
const DefaultLimit = 10

// HeaderMode selects what happens to caller headers on a cross-origin hop.
// Credentials are removed in every mode.
type HeaderMode int

const (
	// StripOnCrossOrigin removes the headers named in Policy.Strip as well.
	StripOnCrossOrigin HeaderMode = iota
	// Preserve keeps every other header.
	Preserve
)

// MethodRule says how a status rewrites the method.
type MethodRule int

const (
	// KeepMethod resends the same method and body.
	KeepMethod MethodRule = iota
	// PostToGet turns POST into a GET without a body. Other methods are kept.
	PostToGet
	// ToGet turns every method except HEAD into a GET without a body.
	ToGet
)

// DefaultMethods is the method table browsers apply.
var DefaultMethods = map[int]MethodRule{
	http.StatusMovedPermanently:  ToGet,
	http.StatusFound:             ToGet,
	http.StatusSeeOther:          ToGet,
	http.StatusTemporaryRedirect: KeepMethod,
	http.StatusPermanentRedirect: KeepMethod,
}

// DefaultStrip lists token headers removed on cross-origin hops under
// StripOnCrossOrigin.
var DefaultStrip = []string{"X-Api-Key", "X-Auth-Token", "X-Csrf-Token", "X-Xsrf-Token"}

var (
	credentialHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}
	bodyHeaders       = []string{"Content-Type", "Content-Length", "Content-Encoding", "Content-Language", "Content-Location", "Transfer-Encoding"}
)

// Policy configures redirect following. A Limit of zero or less disables
// it, so the zero Policy never follows.
type Policy struct {
	Limit   int
	Headers HeaderMode
	// Methods overrides DefaultMethods per status.
	Methods map[int]MethodRule
	// Strip is used instead of DefaultStrip when non-nil.
	Strip []string
}

// Default follows up to DefaultLimit hops with browser method rules.
func Default() Policy {
	return Policy{Limit: DefaultLimit, Headers: StripOnCrossOrigin}
}

// None returns a policy that hands every 3xx back to the caller.
func None() Policy { return Policy{} }

// Limited is Default with a different hop limit.
func Limited(n int) Policy {
	p := Default()
	p.Limit = n
	return p
}

// Enabled reports whether the policy follows redirects at all.
func (p Policy) Enabled() bool { return p.Limit > 0 }

func (p Policy) rule(status int) MethodRule {
	if r, ok := p.Methods[status]; ok {
		return r
	}
	return DefaultMethods[status]
}

// Request is the part of a request a redirect decision needs.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// HasBody is set when the request carried a body and Replayable when
	// that body can be sent again.
	HasBody    bool
	Replayable bool
}

// Kind is the outcome of Decide.
type Kind int

const (
	// Stop returns the response to the caller as it is.
	Stop Kind = iota
	// Follow sends Action.Next.
	Follow
	// Fail ends the exchange with Action.Err.
	Fail
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Follow:
		return "follow"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Action is what to do with a response.
type Action struct {
	Kind Kind
	// Next is the request to send when Kind is Follow. Next.HasBody tells
	// whether the previous body goes with it.
	Next *Request
	Err  error
}

// IsRedirect reports whether status is one Decide may follow.
func IsRedirect(status int) bool {
	_, ok := DefaultMethods[status]
	return ok
}

// Decide looks at the response to prev and returns the next step. hops is
// the number of redirects already followed.
func Decide(prev *Request, status int, location string, p Policy, hops int) Action {
	if !IsRedirect(status) || !p.Enabled() || location == "" {
		return Action{Kind: Stop}
	}
	if hops >= p.Limit {
		return Action{Kind: Fail, Err: &transport.RedirectError{TooManyHops: true, Hops: hops, Location: location}}
	}

	target, err := prev.URL.Parse(location)
	if err != nil {
		return Action{Kind: Fail, Err: &transport.RedirectError{Hops: hops, Location: location, Err: err}}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return Action{Kind: Fail, Err: &transport.RedirectError{
			Hops:     hops,
			Location: location,
			Err:      fmt.Errorf("unsupported scheme %q", target.Scheme),
		}}
	}
	// A fragment-less Location inherits the previous fragment.
	if target.Fragment == "" && target.RawFragment == "" {
		target.Fragment, target.RawFragment = prev.URL.Fragment, prev.URL.RawFragment
	}

	method, keepBody := prev.Method, prev.HasBody
	switch p.rule(status) {
	case PostToGet:
		if prev.Method == http.MethodPost {
			method, keepBody = http.MethodGet, false
		}
	case ToGet:
		if prev.Method != http.MethodHead {
			method, keepBody = http.MethodGet, false
		}
	}
	if keepBody && !prev.Replayable {
		return Action{Kind: Stop}
	}

	header := prev.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if !keepBody {
		deleteFold(header, bodyHeaders)
	}
	if !SameOrigin(prev.URL, target) {
		deleteFold(header, credentialHeaders)
		deleteFold(header, []string{"Host"})
		if p.Headers == StripOnCrossOrigin {
			strip := p.Strip
			if strip == nil {
				strip = DefaultStrip
			}
			deleteFold(header, strip)
		}
	}
	deleteFold(header, []string{"Referer"})
	if ref := Referer(prev.URL, target); ref != "" {
		header.Set("Referer", ref)
	}

	return Action{Kind: Follow, Next: &Request{
		Method:     method,
		URL:        target,
		Header:     header,
		HasBody:    keepBody,
		Replayable: keepBody && prev.Replayable,
	}}
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

// Referer returns the Referer sent when moving from prev to next: prev
// without credentials or fragment, or nothing when https downgrades to
// http.
func Referer(prev, next *url.URL) string {
	if strings.EqualFold(prev.Scheme, "https") && strings.EqualFold(next.Scheme, "http") {
		return ""
	}
	ref := *prev
	ref.User = nil
	ref.Fragment, ref.RawFragment = "", ""
	return ref.String()
}

func deleteFold(h http.Header, names []string) {
	for key := range h {
		if lo.ContainsBy(names, func(n string) bool { return strings.EqualFold(n, key) }) {
			delete(h, key)
		}
	}
}
