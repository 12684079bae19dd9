package fingerprint

import (
	"fmt"
	"strconv"
	"strings"
)

// JA3Extras provides extension data that JA3 cannot capture.
// JA3 only encodes extension IDs, not the data within them.
type JA3Extras struct {
	SignatureAlgorithms []uint16
	ALPSProtocols       []string
	CertCompAlgs        []uint16
	PermuteExtensions   bool
	RecordSizeLimit     uint16 // default: 0x4001
}

var defaultSigAlgs = chromeSigAlgs

// defaultJA3Extras returns defaults matching modern Chrome.
func defaultJA3Extras() *JA3Extras {
	return &JA3Extras{
		SignatureAlgorithms: defaultSigAlgs,
		ALPSProtocols:       []string{"h2"},
		CertCompAlgs:        []uint16{2}, // brotli
		RecordSizeLimit:     0x4001,
	}
}

// ParseJA3 parses a JA3 fingerprint string into a TLS template.
// Format: TLSVersion,CipherSuites,Extensions,EllipticCurves,PointFormats
// Fields use dash-separated decimal values. GREASE values are dropped
// since JA3 producers disagree on whether to keep them.
// If extras is nil, Chrome defaults are used for the data JA3 omits.
func ParseJA3(ja3 string, extras *JA3Extras) (TLSTemplate, error) {
	if extras == nil {
		extras = defaultJA3Extras()
	} else {
		// Fill the fields the caller left empty without touching their struct.
		merged := *extras
		extras = &merged
		defaults := defaultJA3Extras()
		if len(extras.SignatureAlgorithms) == 0 {
			extras.SignatureAlgorithms = defaults.SignatureAlgorithms
		}
		if len(extras.ALPSProtocols) == 0 {
			extras.ALPSProtocols = defaults.ALPSProtocols
		}
		if len(extras.CertCompAlgs) == 0 {
			extras.CertCompAlgs = defaults.CertCompAlgs
		}
		if extras.RecordSizeLimit == 0 {
			extras.RecordSizeLimit = defaults.RecordSizeLimit
		}
	}

	parts := strings.Split(ja3, ",")
	if len(parts) != 5 {
		return TLSTemplate{}, fmt.Errorf("ja3: expected 5 comma-separated fields, got %d", len(parts))
	}

	tlsVersion, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: invalid TLS version %q: %w", parts[0], err)
	}

	cipherSuites, err := parseDashSeparatedUint16(parts[1])
	if err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: invalid cipher suites: %w", err)
	}
	var ciphers []uint16
	for _, cs := range cipherSuites {
		if !isGREASE(cs) {
			ciphers = append(ciphers, cs)
		}
	}

	extensionIDs, err := parseDashSeparatedUint16(parts[2])
	if err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: invalid extensions: %w", err)
	}

	curves, err := parseDashSeparatedUint16(parts[3])
	if err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: invalid elliptic curves: %w", err)
	}
	var groups []uint16
	for _, c := range curves {
		if !isGREASE(c) {
			groups = append(groups, c)
		}
	}

	pointFormats, err := parseDashSeparatedUint8(parts[4])
	if err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: invalid point formats: %w", err)
	}

	var extensions []Extension
	for _, id := range extensionIDs {
		if isGREASE(id) {
			continue
		}
		extensions = append(extensions, extensionForID(id, extras, groups, pointFormats))
	}

	// The ClientHello version field stays at TLS 1.2 for TLS 1.3 clients;
	// supported_versions is what signals 1.3.
	maxVersion := uint16(tlsVersion)
	for _, id := range extensionIDs {
		if id == ExtSupportedVersions {
			maxVersion = 0x0304
			break
		}
	}
	if maxVersion < 0x0301 {
		maxVersion = 0x0303
	}

	t := TLSTemplate{
		MinVersion:        0x0303,
		MaxVersion:        maxVersion,
		CipherSuites:      ciphers,
		Extensions:        extensions,
		PermuteExtensions: extras.PermuteExtensions,
	}
	if err := validateTLS(t); err != nil {
		return TLSTemplate{}, fmt.Errorf("ja3: %w", err)
	}
	return t, nil
}

// extensionForID fills in the data JA3 leaves out for a given extension ID.
func extensionForID(id uint16, extras *JA3Extras, groups []uint16, pointFormats []uint8) Extension {
	e := Extension{ID: id}
	switch id {
	case ExtSupportedGroups:
		e.Groups = groups

	case ExtPointFormats:
		e.Points = pointFormats

	case ExtSignatureAlgorithms:
		e.SigAlgs = extras.SignatureAlgorithms

	case ExtCompressCertificate:
		e.CertCompression = extras.CertCompAlgs

	case ExtRecordSizeLimit:
		e.RecordSizeLimit = extras.RecordSizeLimit

	case ExtDelegatedCredentials:
		e.SigAlgs = []uint16{0x0403, 0x0503, 0x0603, 0x0203}

	case ExtSupportedVersions:
		e.Versions = []uint16{0x0304, 0x0303}

	case ExtPSKModes:
		e.PSKModes = []uint8{1}

	case ExtSignatureAlgorithmsCert:
		// Chrome sends a broader list for cert verification than for
		// handshake signatures.
		e.SigAlgs = []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601, 0x0201}

	case ExtKeyShare:
		// Browsers generate a share for the preferred group only; Chrome
		// pairs its hybrid group with a plain X25519 share.
		if len(groups) > 0 {
			e.KeyShares = []KeyShare{{Group: groups[0]}}
			if groups[0] == GroupX25519MLKEM768 {
				e.KeyShares = append(e.KeyShares, KeyShare{Group: GroupX25519})
			}
		}

	case ExtALPS, ExtALPSNew:
		e.Protocols = extras.ALPSProtocols

	case 57: // quic_transport_parameters, meaningless over TCP
		e.Generic = true

	default:
		if !knownExtensions[id] {
			e.Generic = true
		}
	}
	return e
}

// JA3 renders the profile's ClientHello in JA3 form, GREASE excluded.
func (p *Profile) JA3() string {
	t := p.spec.TLS
	version := t.MaxVersion
	if version == 0 || version > 0x0303 {
		version = 0x0303
	}

	var exts, groups []uint16
	var points []uint8
	for _, e := range t.Extensions {
		if e.ID == GREASE {
			continue
		}
		if (e.ID == ExtALPS || e.ID == ExtALPSNew) && len(p.spec.ALPN) > 0 && !anyIn(e.Protocols, p.spec.ALPN) {
			continue
		}
		exts = append(exts, e.ID)
		switch e.ID {
		case ExtSupportedGroups:
			for _, g := range e.Groups {
				if g != GREASE {
					groups = append(groups, g)
				}
			}
		case ExtPointFormats:
			points = e.Points
		}
	}

	var ciphers []uint16
	for _, cs := range t.CipherSuites {
		if cs != GREASE {
			ciphers = append(ciphers, cs)
		}
	}

	return strings.Join([]string{
		strconv.Itoa(int(version)),
		joinDash(ciphers),
		joinDash(exts),
		joinDash(groups),
		joinDash(points),
	}, ",")
}

func anyIn(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func joinDash[T uint8 | uint16](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

// parseDashSeparatedUint16 parses a dash-separated string of decimal uint16 values.
func parseDashSeparatedUint16(s string) ([]uint16, error) {
	vals, err := parseDashSeparated(s, 16)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(vals))
	for i, v := range vals {
		out[i] = uint16(v)
	}
	return out, nil
}

// parseDashSeparatedUint8 parses a dash-separated string of decimal uint8 values.
func parseDashSeparatedUint8(s string) ([]uint8, error) {
	vals, err := parseDashSeparated(s, 8)
	if err != nil {
		return nil, err
	}
	out := make([]uint8, len(vals))
	for i, v := range vals {
		out[i] = uint8(v)
	}
	return out, nil
}

func parseDashSeparated(s string, bits int) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, v)
	}
	return result, nil
}
