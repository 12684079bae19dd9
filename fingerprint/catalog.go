package fingerprint

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes a profile derived from a registered one.
type CatalogEntry struct {
	Name          string         `yaml:"name"`
	Base          string         `yaml:"base"`
	OS            string         `yaml:"os"`
	JA3           string         `yaml:"ja3"`
	Akamai        string         `yaml:"akamai"`
	UserAgent     string         `yaml:"user_agent"`
	Headers       []CatalogField `yaml:"headers"`
	HeaderOrder   []string       `yaml:"header_order"`
	HTTP1Only     bool           `yaml:"http1_only"`
	DisableGREASE bool           `yaml:"disable_grease"`
	Permute       bool           `yaml:"permute_extensions"`
}

// CatalogField is one header line of a catalog entry.
type CatalogField struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Catalog is the top-level document of a profile catalog file.
type Catalog struct {
	Profiles []CatalogEntry `yaml:"profiles"`
}

// LoadCatalog reads a YAML catalog from path and registers every entry.
func (r *Registry) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	return r.ParseCatalog(data)
}

// ParseCatalog registers the entries of a YAML catalog document. Entries
// may build on profiles defined earlier in the same document.
func (r *Registry) ParseCatalog(data []byte) error {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i, e := range c.Profiles {
		p, err := r.derive(e)
		if err != nil {
			return fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if err := r.Register(p); err != nil {
			return fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return nil
}

func (r *Registry) derive(e CatalogEntry) (*Profile, error) {
	if e.Name == "" || e.Base == "" {
		return nil, &ProfileError{Profile: e.Name, Err: fmt.Errorf("name and base are required")}
	}
	var os OS
	if e.OS != "" {
		parsed, err := ParseOS(e.OS)
		if err != nil {
			return nil, &ProfileError{Profile: e.Name, Err: err}
		}
		os = parsed
	}
	base, err := r.Compose(e.Base, os, Options{
		HTTP1Only:         e.HTTP1Only,
		DisableGREASE:     e.DisableGREASE,
		PermuteExtensions: e.Permute,
		UserAgent:         e.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	s := base.Spec()
	s.Name = e.Name
	if e.JA3 != "" {
		t, err := ParseJA3(e.JA3, &JA3Extras{PermuteExtensions: s.TLS.PermuteExtensions})
		if err != nil {
			return nil, &ProfileError{Profile: e.Name, Err: err}
		}
		s.TLS = t
		// JA3 strings carry no GREASE slots to place.
		s.GREASE = false
	}
	if e.Akamai != "" {
		h, err := ParseAkamai(e.Akamai)
		if err != nil {
			return nil, &ProfileError{Profile: e.Name, Err: err}
		}
		if h.Priority.Mode == PriorityNone {
			h.Priority = s.H2.Priority
		}
		s.H2 = h
	}
	for _, f := range e.Headers {
		s.Headers = setHeader(s.Headers, f.Name, f.Value)
	}
	if len(e.HeaderOrder) > 0 {
		order := make([]string, len(e.HeaderOrder))
		for i, n := range e.HeaderOrder {
			order[i] = strings.ToLower(n)
		}
		s.HeaderOrder = order
	}
	return New(s)
}

// setHeader replaces the header named name, or appends it.
func setHeader(hs []Header, name, value string) []Header {
	for i := range hs {
		if strings.EqualFold(hs[i].Name, name) {
			hs[i].Value = value
			return hs
		}
	}
	return append(hs, Header{Name: name, Value: value})
}
