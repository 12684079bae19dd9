package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"slices"

	utls "github.com/refraction-networking/utls"
	"github.com/sardanioss/mimicry/fingerprint"
)

// ALPN protocol identifiers.
const (
	ALPNHTTP2  = "h2"
	ALPNHTTP11 = "http/1.1"
)

// TLSParams configures one client handshake.
type TLSParams struct {
	// Profile selects the ClientHello. Nil uses the TLS engine's plain Go
	// hello with ALPN from the ALPN field.
	Profile *fingerprint.Profile
	// ServerName is sent as SNI and used for verification.
	ServerName string
	// ALPN overrides the profile's ALPN offer when non-nil.
	ALPN               []string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	SessionCache       utls.ClientSessionCache
	KeyLogWriter       io.Writer
}

// DialTLS runs a client handshake over raw. On failure raw is closed and the
// error is a ConnectError in the tls-handshake phase, or a ProfileError when
// the profile cannot be expressed.
func DialTLS(ctx context.Context, raw net.Conn, p TLSParams) (*utls.UConn, error) {
	alpn := p.ALPN
	if alpn == nil && p.Profile != nil {
		alpn = p.Profile.ALPN()
	}
	if alpn == nil {
		alpn = []string{ALPNHTTP2, ALPNHTTP11}
	}

	cfg := &utls.Config{
		ServerName:         p.ServerName,
		InsecureSkipVerify: p.InsecureSkipVerify,
		RootCAs:            p.RootCAs,
		ClientSessionCache: p.SessionCache,
		KeyLogWriter:       p.KeyLogWriter,
		NextProtos:         slices.Clone(alpn),
	}

	var uconn *utls.UConn
	if p.Profile == nil {
		uconn = utls.UClient(raw, cfg, utls.HelloGolang)
	} else {
		spec, err := fingerprint.BuildClientHelloSpec(p.Profile, alpn)
		if err != nil {
			raw.Close()
			return nil, err
		}
		tmpl := p.Profile.TLS()
		cfg.MinVersion = tmpl.MinVersion
		cfg.MaxVersion = tmpl.MaxVersion
		uconn = utls.UClient(raw, cfg, utls.HelloCustom)
		if err := uconn.ApplyPreset(spec); err != nil {
			raw.Close()
			return nil, &ProfileError{
				Profile: p.Profile.Name(),
				Err:     fmt.Errorf("%w: %v", ErrUnsupportedCipherOrExtension, err),
			}
		}
	}
	if p.SessionCache != nil {
		uconn.SetSessionCache(p.SessionCache)
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		host, port, _ := net.SplitHostPort(raw.RemoteAddr().String())
		if IsTimeout(err) {
			err = &TimeoutError{Op: "tls handshake", Err: err}
		}
		return nil, &ConnectError{Phase: PhaseTLS, Host: p.ServerName, Port: port, Addr: host, Err: err}
	}
	return uconn, nil
}

// TLSInfo describes a completed handshake. PeerCertificates holds the DER
// encoding of the chain presented by the server, leaf first.
type TLSInfo struct {
	PeerCertificates   [][]byte
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	ServerName         string
	DidResume          bool
}

// NewTLSInfo copies the parts of state that outlive the connection.
func NewTLSInfo(state utls.ConnectionState) *TLSInfo {
	info := &TLSInfo{
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
		DidResume:          state.DidResume,
	}
	for _, cert := range state.PeerCertificates {
		info.PeerCertificates = append(info.PeerCertificates, slices.Clone(cert.Raw))
	}
	return info
}

// VersionName returns the TLS version as text, e.g. "TLS 1.3".
func (i *TLSInfo) VersionName() string { return utls.VersionName(i.Version) }

// CipherSuiteName returns the IANA name of the negotiated cipher suite.
func (i *TLSInfo) CipherSuiteName() string { return utls.CipherSuiteName(i.CipherSuite) }

// ALPNFor returns the ALPN offer for a connection to a profile under pin.
// HTTP/1.1 pins offer only http/1.1; other pins keep the profile's offer so
// the hello is unchanged.
func ALPNFor(p *fingerprint.Profile, pin Pin) []string {
	if pin == PinHTTP1 {
		return []string{ALPNHTTP11}
	}
	if p != nil {
		return p.ALPN()
	}
	if pin == PinHTTP2 {
		return []string{ALPNHTTP2}
	}
	return []string{ALPNHTTP2, ALPNHTTP11}
}
