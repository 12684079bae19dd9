package fingerprint

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Registry holds named profiles and their per-OS variants. Profiles are
// built once when registered; lookups hand out the shared immutable value.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	defaultOS OS
	variants  map[OS]*Profile
}

// NewRegistry returns a registry preloaded with the built-in catalogue.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	for _, p := range builtin {
		e := &entry{defaultOS: p.defaultOS, variants: make(map[OS]*Profile, len(p.oses))}
		for _, os := range p.oses {
			e.variants[os] = MustNew(p.build(os))
		}
		r.entries[p.name] = e
	}
	return r
}

// NewEmptyRegistry returns a registry with no profiles.
func NewEmptyRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry holding the built-in catalogue.
func Default() *Registry { return defaultRegistry }

// Lookup returns the profile registered under name in its default OS.
func (r *Registry) Lookup(name string) (*Profile, error) {
	return r.variant(name, "")
}

func (r *Registry) variant(name string, os OS) (*Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &ProfileError{Profile: name, Err: ErrUnknownProfile}
	}
	if os == "" {
		os = e.defaultOS
	}
	p, ok := e.variants[os]
	if !ok {
		return nil, &ProfileError{Profile: name, Err: fmt.Errorf("%w %s", ErrUnsupportedOS, os)}
	}
	return p, nil
}

// Register adds p under its own name. Names are case-insensitive and may
// only be registered once.
func (r *Registry) Register(p *Profile) error {
	if p == nil {
		return &ProfileError{Err: fmt.Errorf("cannot register nil profile")}
	}
	key := strings.ToLower(p.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return &ProfileError{Profile: p.Name(), Err: ErrDuplicateProfile}
	}
	os := p.OS()
	r.entries[key] = &entry{defaultOS: os, variants: map[OS]*Profile{os: p}}
	return nil
}

// Names returns every registered profile name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.entries)
	sort.Strings(names)
	return names
}

// OSes returns the OS variants available for name, sorted.
func (r *Registry) OSes(name string) []OS {
	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	oses := lo.Keys(e.variants)
	sort.Slice(oses, func(i, j int) bool { return oses[i] < oses[j] })
	return oses
}

// Options are overrides applied by Compose on top of a base profile.
type Options struct {
	// HTTP1Only removes h2 from ALPN and disables HTTP/2.
	HTTP1Only bool
	// DisableGREASE drops every GREASE slot from the ClientHello.
	DisableGREASE bool
	// PermuteExtensions shuffles extensions per connection.
	PermuteExtensions bool
	// SkipHeaders drops the default header set.
	SkipHeaders bool
	// UserAgent replaces the profile's user agent when non-empty.
	UserAgent string
}

// Compose derives a profile from base in the given OS (empty keeps the
// base's default) with opts applied. The registered profiles are left
// untouched; identical arguments yield profiles with equal fingerprints.
func (r *Registry) Compose(base string, os OS, opts Options) (*Profile, error) {
	p, err := r.variant(base, os)
	if err != nil {
		return nil, err
	}
	if opts == (Options{}) {
		return p, nil
	}
	return opts.Apply(p)
}

// Apply returns a copy of p with the options applied.
func (o Options) Apply(p *Profile) (*Profile, error) {
	s := p.Spec()
	if o.HTTP1Only {
		s.DisableHTTP2 = true
		s.ALPN = lo.Without(s.ALPN, "h2")
		if len(s.ALPN) == 0 {
			s.ALPN = []string{"http/1.1"}
		}
	}
	if o.DisableGREASE {
		s.GREASE = false
	}
	if o.PermuteExtensions {
		s.TLS.PermuteExtensions = true
	}
	if o.SkipHeaders {
		s.Headers = nil
	}
	if o.UserAgent != "" {
		s.UserAgent = o.UserAgent
	}
	return New(s)
}
