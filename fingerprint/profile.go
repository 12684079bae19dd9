package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/sardanioss/net/http2"
)

// Browser identifies the browser family a profile imitates.
type Browser string

const (
	BrowserChrome  Browser = "chrome"
	BrowserEdge    Browser = "edge"
	BrowserFirefox Browser = "firefox"
	BrowserSafari  Browser = "safari"
)

// OS identifies the operating system a profile claims to run on.
type OS string

const (
	OSWindows OS = "windows"
	OSMacOS   OS = "macos"
	OSLinux   OS = "linux"
	OSAndroid OS = "android"
	OSIOS     OS = "ios"
)

// ParseOS maps a user supplied OS name to an OS tag.
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "win":
		return OSWindows, nil
	case "macos", "mac", "darwin", "osx":
		return OSMacOS, nil
	case "linux":
		return OSLinux, nil
	case "android":
		return OSAndroid, nil
	case "ios", "iphone":
		return OSIOS, nil
	}
	return "", fmt.Errorf("unknown os %q", s)
}

// Header is a default request header. Name keeps the casing sent on
// HTTP/1.1; HTTP/2 lowercases it.
type Header struct {
	Name  string
	Value string
}

// Spec is the mutable description a Profile is built from. Profiles copy
// the Spec on construction, so callers may reuse or modify it afterwards.
type Spec struct {
	Name      string
	Browser   Browser
	OS        OS
	UserAgent string

	TLS    TLSTemplate
	ALPN   []string
	GREASE bool

	H2 H2Template

	// Headers are sent in slice order unless HeaderOrder says otherwise.
	Headers []Header
	// HeaderOrder lists lowercase header names in wire order. Names not
	// listed follow in sorted order.
	HeaderOrder []string

	DisableHTTP2 bool
}

// Profile is an immutable browser fingerprint. It is safe to share between
// goroutines; accessors hand out copies.
type Profile struct {
	spec Spec
}

// New validates s and freezes a copy of it into a Profile.
func New(s Spec) (*Profile, error) {
	if s.Name == "" {
		return nil, &ProfileError{Err: fmt.Errorf("profile name is empty")}
	}
	if len(s.TLS.CipherSuites) == 0 {
		return nil, &ProfileError{Profile: s.Name, Err: fmt.Errorf("no cipher suites")}
	}
	if err := validateTLS(s.TLS); err != nil {
		return nil, &ProfileError{Profile: s.Name, Err: err}
	}
	if err := validateH2(s.H2); err != nil {
		return nil, &ProfileError{Profile: s.Name, Err: err}
	}
	if s.DisableHTTP2 {
		s.ALPN = lo.Without(s.ALPN, "h2")
	}
	return &Profile{spec: s.clone()}, nil
}

// MustNew is New for package-level preset tables.
func MustNew(s Spec) *Profile {
	p, err := New(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Spec returns a deep copy of the profile description.
func (p *Profile) Spec() Spec { return p.spec.clone() }

func (p *Profile) Name() string      { return p.spec.Name }
func (p *Profile) Browser() Browser  { return p.spec.Browser }
func (p *Profile) OS() OS            { return p.spec.OS }
func (p *Profile) UserAgent() string { return p.spec.UserAgent }
func (p *Profile) GREASE() bool      { return p.spec.GREASE }

// HTTP2Disabled reports whether the profile only speaks HTTP/1.1.
func (p *Profile) HTTP2Disabled() bool { return p.spec.DisableHTTP2 }

func (p *Profile) TLS() TLSTemplate { return p.spec.TLS.clone() }
func (p *Profile) H2() H2Template   { return p.spec.H2.clone() }
func (p *Profile) ALPN() []string   { return slices.Clone(p.spec.ALPN) }

func (p *Profile) Headers() []Header     { return slices.Clone(p.spec.Headers) }
func (p *Profile) HeaderOrder() []string { return slices.Clone(p.spec.HeaderOrder) }

// Fingerprint is a digest of every wire-relevant parameter. Two profiles
// with equal fingerprints produce identical handshakes and header blocks.
// The name is not part of the digest.
func (p *Profile) Fingerprint() string {
	s := p.spec.clone()
	s.Name = ""
	h := sha256.New()
	fmt.Fprintf(h, "%+v", s)
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (%s/%s)", p.spec.Name, p.spec.Browser, p.spec.OS)
}

func (s Spec) clone() Spec {
	out := s
	out.TLS = s.TLS.clone()
	out.H2 = s.H2.clone()
	out.ALPN = slices.Clone(s.ALPN)
	out.Headers = slices.Clone(s.Headers)
	out.HeaderOrder = slices.Clone(s.HeaderOrder)
	return out
}

// TLSTemplate is the ClientHello layout of a profile.
type TLSTemplate struct {
	MinVersion uint16
	MaxVersion uint16
	// CipherSuites in wire order; GREASE marks a GREASE slot.
	CipherSuites []uint16
	// Extensions in wire order; an Extension with ID GREASE marks a GREASE
	// extension slot.
	Extensions []Extension
	// PermuteExtensions shuffles extensions per connection the way Chrome
	// 106+ does.
	PermuteExtensions bool
}

func (t TLSTemplate) clone() TLSTemplate {
	out := t
	out.CipherSuites = slices.Clone(t.CipherSuites)
	out.Extensions = lo.Map(t.Extensions, func(e Extension, _ int) Extension { return e.clone() })
	return out
}

// Extension describes one ClientHello extension and its parameters. Only
// the fields that apply to ID are read.
type Extension struct {
	ID uint16

	Groups          []uint16 // supported_groups
	KeyShares       []KeyShare
	Points          []uint8  // ec_point_formats
	SigAlgs         []uint16 // signature_algorithms(_cert), delegated_credentials
	Versions        []uint16 // supported_versions
	CertCompression []uint16
	PSKModes        []uint8
	Protocols       []string // application_settings
	RecordSizeLimit uint16

	// Generic sends ID with Data verbatim, for extensions the TLS engine
	// has no typed support for.
	Generic bool
	Data    []byte
}

// KeyShare is a key_share entry. Data is only set for GREASE entries; real
// groups get fresh keys per handshake.
type KeyShare struct {
	Group uint16
	Data  []byte
}

func (e Extension) clone() Extension {
	out := e
	out.Groups = slices.Clone(e.Groups)
	out.KeyShares = lo.Map(e.KeyShares, func(k KeyShare, _ int) KeyShare {
		return KeyShare{Group: k.Group, Data: slices.Clone(k.Data)}
	})
	out.Points = slices.Clone(e.Points)
	out.SigAlgs = slices.Clone(e.SigAlgs)
	out.Versions = slices.Clone(e.Versions)
	out.CertCompression = slices.Clone(e.CertCompression)
	out.PSKModes = slices.Clone(e.PSKModes)
	out.Protocols = slices.Clone(e.Protocols)
	out.Data = slices.Clone(e.Data)
	return out
}

// Extension returns the first extension with the given ID.
func (t TLSTemplate) Extension(id uint16) (Extension, bool) {
	e, ok := lo.Find(t.Extensions, func(e Extension) bool { return e.ID == id })
	return e.clone(), ok
}

// PriorityMode selects how stream priority is expressed on HTTP/2.
type PriorityMode uint8

const (
	// PriorityNone sends no priority information.
	PriorityNone PriorityMode = iota
	// PriorityHeaders sets the PRIORITY flag on HEADERS frames.
	PriorityHeaders
	// PriorityFrame sends a separate PRIORITY frame after HEADERS.
	PriorityFrame
)

func (m PriorityMode) String() string {
	switch m {
	case PriorityHeaders:
		return "headers"
	case PriorityFrame:
		return "frame"
	}
	return "none"
}

// Priority is the per-stream priority a profile advertises. Weight is the
// RFC 9113 weight (1-256).
type Priority struct {
	Mode      PriorityMode
	Weight    uint16
	Exclusive bool
	DependsOn uint32
}

// Param converts p to the http2 wire representation.
func (p Priority) Param() http2.PriorityParam {
	w := p.Weight
	if w == 0 {
		w = 16
	}
	return http2.PriorityParam{
		StreamDep: p.DependsOn,
		Exclusive: p.Exclusive,
		Weight:    uint8(w - 1),
	}
}

// H2Template is the HTTP/2 connection behavior of a profile.
type H2Template struct {
	// Settings are sent in order in the first SETTINGS frame.
	Settings []http2.Setting
	// WindowUpdate is the connection WINDOW_UPDATE increment sent after
	// the preface. Zero sends none.
	WindowUpdate uint32
	// PseudoOrder is the order of :method, :authority, :scheme and :path.
	PseudoOrder []string
	Priority    Priority
}

func (h H2Template) clone() H2Template {
	out := h
	out.Settings = slices.Clone(h.Settings)
	out.PseudoOrder = slices.Clone(h.PseudoOrder)
	return out
}

// Setting returns the value of id if the template sends it.
func (h H2Template) Setting(id http2.SettingID) (uint32, bool) {
	s, ok := lo.Find(h.Settings, func(s http2.Setting) bool { return s.ID == id })
	return s.Val, ok
}

var pseudoHeaders = []string{":method", ":authority", ":scheme", ":path"}

// DefaultPseudoOrder is used when a template does not declare one.
func DefaultPseudoOrder() []string { return slices.Clone(pseudoHeaders) }

func validateH2(h H2Template) error {
	for _, s := range h.Settings {
		if err := s.Valid(); err != nil {
			return fmt.Errorf("h2 setting %v: %w", s, err)
		}
	}
	if len(h.PseudoOrder) > 0 {
		if len(h.PseudoOrder) != len(pseudoHeaders) || len(lo.Uniq(h.PseudoOrder)) != len(h.PseudoOrder) {
			return fmt.Errorf("pseudo-header order %v must name each pseudo-header once", h.PseudoOrder)
		}
		if missing, _ := lo.Difference(pseudoHeaders, h.PseudoOrder); len(missing) > 0 {
			return fmt.Errorf("pseudo-header order is missing %v", missing)
		}
	}
	if h.Priority.Mode != PriorityNone && (h.Priority.Weight == 0 || h.Priority.Weight > 256) {
		return fmt.Errorf("priority weight %d out of range", h.Priority.Weight)
	}
	return nil
}
