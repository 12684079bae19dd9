package fingerprint

import (
	"fmt"

	utls "github.com/refraction-networking/utls"
	"github.com/samber/lo"
)

// GREASE marks a GREASE slot in cipher, group, key share, version and
// extension lists. The TLS engine substitutes a random GREASE value per
// connection.
const GREASE uint16 = utls.GREASE_PLACEHOLDER

// Extension code points understood by BuildClientHelloSpec.
const (
	ExtServerName              uint16 = 0
	ExtStatusRequest           uint16 = 5
	ExtSupportedGroups         uint16 = 10
	ExtPointFormats            uint16 = 11
	ExtSignatureAlgorithms     uint16 = 13
	ExtALPN                    uint16 = 16
	ExtStatusRequestV2         uint16 = 17
	ExtSCT                     uint16 = 18
	ExtPadding                 uint16 = 21
	ExtEncryptThenMAC          uint16 = 22
	ExtExtendedMasterSecret    uint16 = 23
	ExtCompressCertificate     uint16 = 27
	ExtRecordSizeLimit         uint16 = 28
	ExtDelegatedCredentials    uint16 = 34
	ExtSessionTicket           uint16 = 35
	ExtPreSharedKey            uint16 = 41
	ExtSupportedVersions       uint16 = 43
	ExtCookie                  uint16 = 44
	ExtPSKModes                uint16 = 45
	ExtPostHandshakeAuth       uint16 = 49
	ExtSignatureAlgorithmsCert uint16 = 50
	ExtKeyShare                uint16 = 51
	ExtALPS                    uint16 = 17513
	ExtALPSNew                 uint16 = 17613
	ExtECH                     uint16 = 65037
	ExtRenegotiationInfo       uint16 = 65281
)

// Named groups used by the built-in profiles.
const (
	GroupX25519         uint16 = uint16(utls.X25519)
	GroupP256           uint16 = uint16(utls.CurveP256)
	GroupP384           uint16 = uint16(utls.CurveP384)
	GroupP521           uint16 = uint16(utls.CurveP521)
	GroupX25519MLKEM768 uint16 = uint16(utls.X25519MLKEM768)
	GroupFFDHE2048      uint16 = 256
	GroupFFDHE3072      uint16 = 257
)

// isGREASE returns true if the value is a TLS GREASE value (RFC 8701).
func isGREASE(v uint16) bool {
	return (v & 0x0f0f) == 0x0a0a
}

// advertisable holds every cipher suite the TLS engine can list in a
// ClientHello. Suites outside it cannot be expressed.
var advertisable = func() map[uint16]bool {
	m := make(map[uint16]bool)
	for _, cs := range utls.CipherSuites() {
		m[cs.ID] = true
	}
	for _, cs := range utls.InsecureCipherSuites() {
		m[cs.ID] = true
	}
	for _, id := range []uint16{
		utls.OLD_TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		utls.OLD_TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		utls.FAKE_OLD_TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_128_GCM_SHA256,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_128_CBC_SHA,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_256_CBC_SHA,
		utls.FAKE_TLS_RSA_WITH_RC4_128_MD5,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_256_GCM_SHA384,
		utls.FAKE_TLS_DHE_DSS_WITH_AES_128_CBC_SHA,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_256_CBC_SHA256,
		utls.FAKE_TLS_DHE_RSA_WITH_AES_128_CBC_SHA256,
		utls.FAKE_TLS_EMPTY_RENEGOTIATION_INFO_SCSV,
		utls.FAKE_TLS_ECDHE_ECDSA_WITH_3DES_EDE_CBC_SHA,
	} {
		m[id] = true
	}
	return m
}()

var knownExtensions = map[uint16]bool{
	ExtServerName: true, ExtStatusRequest: true, ExtSupportedGroups: true,
	ExtPointFormats: true, ExtSignatureAlgorithms: true, ExtALPN: true,
	ExtStatusRequestV2: true, ExtSCT: true, ExtPadding: true,
	ExtEncryptThenMAC: true, ExtExtendedMasterSecret: true,
	ExtCompressCertificate: true, ExtRecordSizeLimit: true,
	ExtDelegatedCredentials: true, ExtSessionTicket: true,
	ExtPreSharedKey: true, ExtSupportedVersions: true, ExtCookie: true,
	ExtPSKModes: true, ExtPostHandshakeAuth: true,
	ExtSignatureAlgorithmsCert: true, ExtKeyShare: true, ExtALPS: true,
	ExtALPSNew: true, ExtECH: true, ExtRenegotiationInfo: true,
}

func validateTLS(t TLSTemplate) error {
	for _, cs := range t.CipherSuites {
		if cs == GREASE {
			continue
		}
		if !advertisable[cs] {
			return unsupportedCipher(cs)
		}
	}
	for _, e := range t.Extensions {
		if e.ID == GREASE || e.Generic {
			continue
		}
		if !knownExtensions[e.ID] {
			return unsupportedExtension(e.ID)
		}
	}
	if t.MinVersion != 0 && t.MaxVersion != 0 && t.MinVersion > t.MaxVersion {
		return fmt.Errorf("tls min version 0x%04x above max 0x%04x", t.MinVersion, t.MaxVersion)
	}
	return nil
}

// BuildClientHelloSpec turns the profile's TLS template into a uTLS spec.
// alpn replaces the profile's ALPN list when non-nil, so a caller pinned to
// one protocol can offer just that one. Application settings protocols not
// offered through ALPN are dropped, and the extension is omitted when none
// remain.
func BuildClientHelloSpec(p *Profile, alpn []string) (*utls.ClientHelloSpec, error) {
	t := p.spec.TLS
	if err := validateTLS(t); err != nil {
		return nil, &ProfileError{Profile: p.spec.Name, Err: err}
	}
	if alpn == nil {
		alpn = p.spec.ALPN
	}
	grease := p.spec.GREASE

	ciphers := make([]uint16, 0, len(t.CipherSuites))
	for _, cs := range t.CipherSuites {
		if cs == GREASE && !grease {
			continue
		}
		ciphers = append(ciphers, cs)
	}

	exts := make([]utls.TLSExtension, 0, len(t.Extensions))
	for _, e := range t.Extensions {
		if e.ID == GREASE {
			if grease {
				exts = append(exts, &utls.UtlsGREASEExtension{})
			}
			continue
		}
		ext, err := buildExtension(e, alpn, grease)
		if err != nil {
			return nil, &ProfileError{Profile: p.spec.Name, Err: err}
		}
		if ext != nil {
			exts = append(exts, ext)
		}
	}

	if t.PermuteExtensions {
		exts = utls.ShuffleChromeTLSExtensions(exts)
	}

	minVer, maxVer := t.MinVersion, t.MaxVersion
	if minVer == 0 {
		minVer = utls.VersionTLS12
	}
	if maxVer == 0 {
		maxVer = utls.VersionTLS13
	}

	return &utls.ClientHelloSpec{
		TLSVersMin:         minVer,
		TLSVersMax:         maxVer,
		CipherSuites:       ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         exts,
	}, nil
}

// buildExtension maps one extension to its uTLS implementation. A nil
// extension with a nil error means the extension has nothing to say for
// this connection and is left out.
func buildExtension(e Extension, alpn []string, grease bool) (utls.TLSExtension, error) {
	if e.Generic {
		return &utls.GenericExtension{Id: e.ID, Data: append([]byte(nil), e.Data...)}, nil
	}

	switch e.ID {
	case ExtServerName:
		return &utls.SNIExtension{}, nil

	case ExtStatusRequest:
		return &utls.StatusRequestExtension{}, nil

	case ExtSupportedGroups:
		curves := make([]utls.CurveID, 0, len(e.Groups))
		for _, g := range e.Groups {
			if g == GREASE && !grease {
				continue
			}
			curves = append(curves, utls.CurveID(g))
		}
		return &utls.SupportedCurvesExtension{Curves: curves}, nil

	case ExtPointFormats:
		points := e.Points
		if len(points) == 0 {
			points = []uint8{0}
		}
		return &utls.SupportedPointsExtension{SupportedPoints: append([]uint8(nil), points...)}, nil

	case ExtSignatureAlgorithms:
		return &utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: sigSchemes(e.SigAlgs)}, nil

	case ExtALPN:
		if len(alpn) == 0 {
			return nil, nil
		}
		return &utls.ALPNExtension{AlpnProtocols: append([]string(nil), alpn...)}, nil

	case ExtStatusRequestV2:
		return &utls.StatusRequestV2Extension{}, nil

	case ExtSCT:
		return &utls.SCTExtension{}, nil

	case ExtPadding:
		return &utls.UtlsPaddingExtension{GetPaddingLen: utls.BoringPaddingStyle}, nil

	case ExtEncryptThenMAC, ExtPostHandshakeAuth:
		return &utls.GenericExtension{Id: e.ID}, nil

	case ExtExtendedMasterSecret:
		return &utls.ExtendedMasterSecretExtension{}, nil

	case ExtCompressCertificate:
		algs := make([]utls.CertCompressionAlgo, 0, len(e.CertCompression))
		for _, a := range e.CertCompression {
			algs = append(algs, utls.CertCompressionAlgo(a))
		}
		if len(algs) == 0 {
			algs = []utls.CertCompressionAlgo{utls.CertCompressionBrotli}
		}
		return &utls.UtlsCompressCertExtension{Algorithms: algs}, nil

	case ExtRecordSizeLimit:
		limit := e.RecordSizeLimit
		if limit == 0 {
			limit = 0x4001
		}
		return &utls.FakeRecordSizeLimitExtension{Limit: limit}, nil

	case ExtDelegatedCredentials:
		return &utls.DelegatedCredentialsExtension{SupportedSignatureAlgorithms: sigSchemes(e.SigAlgs)}, nil

	case ExtSessionTicket:
		return &utls.SessionTicketExtension{}, nil

	case ExtPreSharedKey:
		return &utls.UtlsPreSharedKeyExtension{}, nil

	case ExtSupportedVersions:
		versions := make([]uint16, 0, len(e.Versions))
		for _, v := range e.Versions {
			if v == GREASE && !grease {
				continue
			}
			versions = append(versions, v)
		}
		if len(versions) == 0 {
			versions = []uint16{utls.VersionTLS13, utls.VersionTLS12}
		}
		return &utls.SupportedVersionsExtension{Versions: versions}, nil

	case ExtCookie:
		return &utls.CookieExtension{}, nil

	case ExtPSKModes:
		modes := e.PSKModes
		if len(modes) == 0 {
			modes = []uint8{utls.PskModeDHE}
		}
		return &utls.PSKKeyExchangeModesExtension{Modes: append([]uint8(nil), modes...)}, nil

	case ExtSignatureAlgorithmsCert:
		return &utls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: sigSchemes(e.SigAlgs)}, nil

	case ExtKeyShare:
		shares := make([]utls.KeyShare, 0, len(e.KeyShares))
		for _, ks := range e.KeyShares {
			if ks.Group == GREASE && !grease {
				continue
			}
			shares = append(shares, utls.KeyShare{Group: utls.CurveID(ks.Group), Data: append([]byte(nil), ks.Data...)})
		}
		return &utls.KeyShareExtension{KeyShares: shares}, nil

	case ExtALPS, ExtALPSNew:
		protos := lo.Intersect(alpn, e.Protocols)
		if len(protos) == 0 {
			return nil, nil
		}
		if e.ID == ExtALPSNew {
			return &utls.ApplicationSettingsExtensionNew{SupportedProtocols: protos}, nil
		}
		return &utls.ApplicationSettingsExtension{SupportedProtocols: protos}, nil

	case ExtECH:
		return utls.BoringGREASEECH(), nil

	case ExtRenegotiationInfo:
		return &utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient}, nil
	}
	return nil, unsupportedExtension(e.ID)
}

func sigSchemes(ids []uint16) []utls.SignatureScheme {
	if len(ids) == 0 {
		ids = defaultSigAlgs
	}
	out := make([]utls.SignatureScheme, len(ids))
	for i, id := range ids {
		out[i] = utls.SignatureScheme(id)
	}
	return out
}
