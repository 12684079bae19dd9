package fingerprint

import (
	"fmt"

	"github.com/sardanioss/net/http2"
)

// PlatformInfo contains platform-specific header values
type PlatformInfo struct {
	UserAgentOS        string // e.g., "(Windows NT 10.0; Win64; x64)" or "(X11; Linux x86_64)"
	Platform           string // sec-ch-ua-platform without quotes
	Mobile             bool
	FirefoxUserAgentOS string // Firefox has slightly different format
}

var platforms = map[OS]PlatformInfo{
	OSWindows: {
		UserAgentOS:        "(Windows NT 10.0; Win64; x64)",
		Platform:           "Windows",
		FirefoxUserAgentOS: "(Windows NT 10.0; Win64; x64; rv:120.0)",
	},
	OSMacOS: {
		UserAgentOS:        "(Macintosh; Intel Mac OS X 10_15_7)",
		Platform:           "macOS",
		FirefoxUserAgentOS: "(Macintosh; Intel Mac OS X 10.15; rv:120.0)",
	},
	OSLinux: {
		UserAgentOS:        "(X11; Linux x86_64)",
		Platform:           "Linux",
		FirefoxUserAgentOS: "(X11; Linux x86_64; rv:120.0)",
	},
	OSAndroid: {
		UserAgentOS:        "(Linux; Android 10; K)",
		Platform:           "Android",
		Mobile:             true,
		FirefoxUserAgentOS: "(Android 13; Mobile; rv:120.0)",
	},
	OSIOS: {
		UserAgentOS: "(iPhone; CPU iPhone OS 17_7 like Mac OS X)",
		Platform:    "iOS",
		Mobile:      true,
	},
}

// Platform returns the header values used for os.
func Platform(os OS) (PlatformInfo, bool) {
	p, ok := platforms[os]
	return p, ok
}

// preset builds one browser's Spec for a given OS.
type preset struct {
	name      string
	defaultOS OS
	oses      []OS
	build     func(os OS) Spec
}

var builtin = []preset{
	{"chrome131", OSWindows, []OS{OSWindows, OSMacOS, OSLinux, OSAndroid, OSIOS}, chrome131},
	{"chrome133", OSWindows, []OS{OSWindows, OSMacOS, OSLinux, OSAndroid, OSIOS}, chrome133},
	{"edge", OSWindows, []OS{OSWindows, OSMacOS, OSLinux}, edge},
	{"firefox120", OSWindows, []OS{OSWindows, OSMacOS, OSLinux, OSAndroid}, firefox120},
	{"safari16", OSMacOS, []OS{OSMacOS, OSIOS}, safari16},
}

var chromeCiphers = []uint16{
	GREASE,
	0x1301, 0x1302, 0x1303,
	0xc02b, 0xc02f, 0xc02c, 0xc030,
	0xcca9, 0xcca8,
	0xc013, 0xc014,
	0x009c, 0x009d, 0x002f, 0x0035,
}

var chromeSigAlgs = []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601}

// chromeTLS is the BoringSSL hello of Chrome 131+ in a fixed extension
// order. alps selects the application_settings code point.
func chromeTLS(alps uint16) TLSTemplate {
	return TLSTemplate{
		MinVersion:   0x0303,
		MaxVersion:   0x0304,
		CipherSuites: chromeCiphers,
		Extensions: []Extension{
			{ID: GREASE},
			{ID: ExtServerName},
			{ID: ExtExtendedMasterSecret},
			{ID: ExtRenegotiationInfo},
			{ID: ExtSupportedGroups, Groups: []uint16{GREASE, GroupX25519MLKEM768, GroupX25519, GroupP256, GroupP384}},
			{ID: ExtPointFormats, Points: []uint8{0}},
			{ID: ExtSessionTicket},
			{ID: ExtALPN},
			{ID: ExtStatusRequest},
			{ID: ExtSignatureAlgorithms, SigAlgs: chromeSigAlgs},
			{ID: ExtSCT},
			{ID: ExtKeyShare, KeyShares: []KeyShare{{Group: GREASE, Data: []byte{0}}, {Group: GroupX25519MLKEM768}, {Group: GroupX25519}}},
			{ID: ExtPSKModes, PSKModes: []uint8{1}},
			{ID: ExtSupportedVersions, Versions: []uint16{GREASE, 0x0304, 0x0303}},
			{ID: ExtCompressCertificate, CertCompression: []uint16{2}},
			{ID: alps, Protocols: []string{"h2"}},
			{ID: ExtECH},
			{ID: GREASE},
		},
	}
}

func chromeH2() H2Template {
	return H2Template{
		Settings: []http2.Setting{
			{ID: http2.SettingHeaderTableSize, Val: 65536},
			{ID: http2.SettingEnablePush, Val: 0},
			{ID: http2.SettingInitialWindowSize, Val: 6291456},
			{ID: http2.SettingMaxHeaderListSize, Val: 262144},
		},
		WindowUpdate: 15663105,
		PseudoOrder:  []string{":method", ":authority", ":scheme", ":path"},
		Priority:     Priority{Mode: PriorityHeaders, Weight: 256, Exclusive: true},
	}
}

var chromeHeaderOrder = []string{
	"sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
	"upgrade-insecure-requests", "user-agent", "accept",
	"sec-fetch-site", "sec-fetch-mode", "sec-fetch-user", "sec-fetch-dest",
	"accept-encoding", "accept-language", "cookie", "priority",
}

func chromeHeaders(secCHUA string, p PlatformInfo) []Header {
	mobile := "?0"
	if p.Mobile {
		mobile = "?1"
	}
	return []Header{
		{"sec-ch-ua", secCHUA},
		{"sec-ch-ua-mobile", mobile},
		{"sec-ch-ua-platform", `"` + p.Platform + `"`},
		{"Upgrade-Insecure-Requests", "1"},
		{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{"Sec-Fetch-Site", "none"},
		{"Sec-Fetch-Mode", "navigate"},
		{"Sec-Fetch-User", "?1"},
		{"Sec-Fetch-Dest", "document"},
		{"Accept-Encoding", "gzip, deflate, br, zstd"},
		{"Accept-Language", "en-US,en;q=0.9"},
		{"Priority", "u=0, i"},
	}
}

func chromeUserAgent(version int, os OS, p PlatformInfo) string {
	switch os {
	case OSAndroid:
		return fmt.Sprintf("Mozilla/5.0 %s AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Mobile Safari/537.36", p.UserAgentOS, version)
	case OSIOS:
		return fmt.Sprintf("Mozilla/5.0 %s AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/%d.0.0.0 Mobile/15E148 Safari/604.1", p.UserAgentOS, version)
	}
	return fmt.Sprintf("Mozilla/5.0 %s AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", p.UserAgentOS, version)
}

func chromeSpec(name string, version int, alps uint16, secCHUA string, os OS) Spec {
	p := platforms[os]
	s := Spec{
		Name:        name,
		Browser:     BrowserChrome,
		OS:          os,
		UserAgent:   chromeUserAgent(version, os, p),
		TLS:         chromeTLS(alps),
		ALPN:        []string{"h2", "http/1.1"},
		GREASE:      true,
		H2:          chromeH2(),
		Headers:     chromeHeaders(secCHUA, p),
		HeaderOrder: chromeHeaderOrder,
	}
	if os == OSIOS {
		// Chrome on iOS runs on WebKit and inherits Safari's network stack.
		s.TLS = safariTLS()
		s.H2 = safariH2()
	}
	return s
}

// chrome131 returns the Chrome 131 fingerprint for os.
func chrome131(os OS) Spec {
	return chromeSpec("chrome131", 131, ExtALPS,
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, os)
}

// Chrome 133 moved ALPS to the new code point.
func chrome133(os OS) Spec {
	return chromeSpec("chrome133", 133, ExtALPSNew,
		`"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`, os)
}

func edge(os OS) Spec {
	s := chromeSpec("edge", 133, ExtALPSNew,
		`"Not(A:Brand";v="99", "Microsoft Edge";v="133", "Chromium";v="133"`, os)
	s.Browser = BrowserEdge
	s.UserAgent += " Edg/133.0.0.0"
	return s
}

func firefox120(os OS) Spec {
	p := platforms[os]
	ua := "Mozilla/5.0 " + p.FirefoxUserAgentOS + " Gecko/20100101 Firefox/120.0"
	return Spec{
		Name:      "firefox120",
		Browser:   BrowserFirefox,
		OS:        os,
		UserAgent: ua,
		TLS: TLSTemplate{
			MinVersion: 0x0303,
			MaxVersion: 0x0304,
			CipherSuites: []uint16{
				0x1301, 0x1303, 0x1302,
				0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030,
				0xc00a, 0xc009, 0xc013, 0xc014,
				0x009c, 0x009d, 0x002f, 0x0035,
			},
			Extensions: []Extension{
				{ID: ExtServerName},
				{ID: ExtExtendedMasterSecret},
				{ID: ExtRenegotiationInfo},
				{ID: ExtSupportedGroups, Groups: []uint16{GroupX25519, GroupP256, GroupP384, GroupP521, GroupFFDHE2048, GroupFFDHE3072}},
				{ID: ExtPointFormats, Points: []uint8{0}},
				{ID: ExtSessionTicket},
				{ID: ExtALPN},
				{ID: ExtStatusRequest},
				{ID: ExtDelegatedCredentials, SigAlgs: []uint16{0x0403, 0x0503, 0x0603, 0x0203}},
				{ID: ExtKeyShare, KeyShares: []KeyShare{{Group: GroupX25519}, {Group: GroupP256}}},
				{ID: ExtSupportedVersions, Versions: []uint16{0x0304, 0x0303}},
				{ID: ExtSignatureAlgorithms, SigAlgs: []uint16{0x0403, 0x0503, 0x0603, 0x0804, 0x0805, 0x0806, 0x0401, 0x0501, 0x0601, 0x0203, 0x0201}},
				{ID: ExtPSKModes, PSKModes: []uint8{1}},
				{ID: ExtRecordSizeLimit, RecordSizeLimit: 0x4001},
				{ID: ExtECH},
			},
		},
		ALPN: []string{"h2", "http/1.1"},
		H2: H2Template{
			Settings: []http2.Setting{
				{ID: http2.SettingHeaderTableSize, Val: 65536},
				{ID: http2.SettingEnablePush, Val: 0},
				{ID: http2.SettingInitialWindowSize, Val: 131072},
				{ID: http2.SettingMaxFrameSize, Val: 16384},
			},
			WindowUpdate: 12517377,
			PseudoOrder:  []string{":method", ":path", ":authority", ":scheme"},
			Priority:     Priority{Mode: PriorityHeaders, Weight: 42},
		},
		Headers: []Header{
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.5"},
			{"Accept-Encoding", "gzip, deflate, br"},
			{"Upgrade-Insecure-Requests", "1"},
			{"Sec-Fetch-Dest", "document"},
			{"Sec-Fetch-Mode", "navigate"},
			{"Sec-Fetch-Site", "none"},
			{"Sec-Fetch-User", "?1"},
			{"Priority", "u=0, i"},
			{"TE", "trailers"},
		},
		HeaderOrder: []string{
			"user-agent", "accept", "accept-language", "accept-encoding",
			"cookie", "upgrade-insecure-requests",
			"sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site", "sec-fetch-user",
			"priority", "te",
		},
	}
}

func safariTLS() TLSTemplate {
	return TLSTemplate{
		MinVersion: 0x0301,
		MaxVersion: 0x0304,
		CipherSuites: []uint16{
			GREASE,
			0x1301, 0x1302, 0x1303,
			0xc02c, 0xc02b, 0xcca9, 0xc030, 0xc02f, 0xcca8,
			0xc00a, 0xc009, 0xc014, 0xc013,
			0x009d, 0x009c, 0x0035, 0x002f,
			0xc008, 0xc012, 0x000a,
		},
		Extensions: []Extension{
			{ID: GREASE},
			{ID: ExtServerName},
			{ID: ExtExtendedMasterSecret},
			{ID: ExtRenegotiationInfo},
			{ID: ExtSupportedGroups, Groups: []uint16{GREASE, GroupX25519, GroupP256, GroupP384, GroupP521}},
			{ID: ExtPointFormats, Points: []uint8{0}},
			{ID: ExtALPN},
			{ID: ExtStatusRequest},
			{ID: ExtSignatureAlgorithms, SigAlgs: []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0203, 0x0805, 0x0805, 0x0501, 0x0806, 0x0601, 0x0201}},
			{ID: ExtSCT},
			{ID: ExtKeyShare, KeyShares: []KeyShare{{Group: GREASE, Data: []byte{0}}, {Group: GroupX25519}}},
			{ID: ExtPSKModes, PSKModes: []uint8{1}},
			{ID: ExtSupportedVersions, Versions: []uint16{GREASE, 0x0304, 0x0303, 0x0302, 0x0301}},
			{ID: ExtCompressCertificate, CertCompression: []uint16{1}},
			{ID: GREASE},
			{ID: ExtPadding},
		},
	}
}

func safariH2() H2Template {
	return H2Template{
		Settings: []http2.Setting{
			{ID: http2.SettingInitialWindowSize, Val: 4194304},
			{ID: http2.SettingMaxConcurrentStreams, Val: 100},
		},
		WindowUpdate: 10485760,
		PseudoOrder:  []string{":method", ":scheme", ":path", ":authority"},
		Priority:     Priority{Mode: PriorityHeaders, Weight: 255},
	}
}

func safari16(os OS) Spec {
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15"
	if os == OSIOS {
		ua = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"
	}
	return Spec{
		Name:      "safari16",
		Browser:   BrowserSafari,
		OS:        os,
		UserAgent: ua,
		TLS:       safariTLS(),
		ALPN:      []string{"h2", "http/1.1"},
		GREASE:    true,
		H2:        safariH2(),
		Headers: []Header{
			{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{"Accept-Language", "en-US,en;q=0.9"},
			{"Accept-Encoding", "gzip, deflate, br"},
		},
		HeaderOrder: []string{"accept", "user-agent", "accept-language", "accept-encoding", "cookie"},
	}
}
