// Command mimicry fetches a URL with a browser fingerprint, curl style.
//
//	mimicry -profile chrome131-linux -i https://example.com
//	mimicry -profile firefox120 -fingerprint
//	mimicry -X POST -d '{"a":1}' -H 'Content-Type: application/json' https://httpbin.org/post
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap/zapcore"

	"github.com/sardanioss/mimicry"
	"github.com/sardanioss/mimicry/client"
	"github.com/sardanioss/mimicry/fingerprint"
	"github.com/sardanioss/mimicry/keylog"
	"github.com/sardanioss/mimicry/logging"
	"github.com/sardanioss/mimicry/redirect"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ", ") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

type options struct {
	profile     string
	method      string
	data        string
	headers     multiFlag
	resolve     multiFlag
	proxy       string
	http1       bool
	http2       bool
	insecure    bool
	timeout     time.Duration
	maxRedirs   int
	include     bool
	verbose     bool
	listOnly    bool
	fingerprint bool
	catalog     string
	keyLog      string
	iface       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var o options
	fs := flag.NewFlagSet("mimicry", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.profile, "profile", "chrome131", "browser profile, optionally with an OS suffix (chrome131-linux)")
	fs.StringVar(&o.method, "X", "", "request method")
	fs.StringVar(&o.data, "d", "", "request body; implies POST")
	fs.Var(&o.headers, "H", "request header 'Name: value' (repeatable)")
	fs.Var(&o.resolve, "resolve", "host=ip:port override (repeatable)")
	fs.StringVar(&o.proxy, "proxy", "", "proxy URL (http, https, socks5, socks5h)")
	fs.BoolVar(&o.http1, "http1", false, "force HTTP/1.1")
	fs.BoolVar(&o.http2, "http2", false, "force HTTP/2 (prior knowledge for http://)")
	fs.BoolVar(&o.insecure, "k", false, "skip certificate verification")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "whole request timeout")
	fs.IntVar(&o.maxRedirs, "max-redirs", redirect.DefaultLimit, "redirects to follow; 0 disables")
	fs.BoolVar(&o.include, "i", false, "print the status line and response headers")
	fs.BoolVar(&o.verbose, "v", false, "log connection details to stderr")
	fs.BoolVar(&o.listOnly, "profiles", false, "list profiles and exit")
	fs.BoolVar(&o.fingerprint, "fingerprint", false, "print the profile's JA3 and Akamai strings and exit")
	fs.StringVar(&o.catalog, "catalog", "", "YAML profile catalog to load")
	fs.StringVar(&o.keyLog, "keylog", "", "write TLS secrets to this file (default $SSLKEYLOGFILE)")
	fs.StringVar(&o.iface, "interface", "", "bind connections to a network device")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if o.verbose {
		logging.InitLogger("debug", "console", zapcore.AddSync(stderr))
	}
	if o.catalog != "" {
		if err := fingerprint.Default().LoadCatalog(o.catalog); err != nil {
			fmt.Fprintln(stderr, "mimicry:", err)
			return 1
		}
	}

	if o.listOnly {
		for _, name := range mimicry.Presets() {
			oses := fingerprint.Default().OSes(name)
			fmt.Fprintf(stdout, "%-14s %s\n", name, strings.Join(lo.Map(oses, func(v fingerprint.OS, _ int) string { return string(v) }), " "))
		}
		return 0
	}

	p, err := mimicry.LookupProfile(o.profile)
	if err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 1
	}
	if o.fingerprint {
		fmt.Fprintf(stdout, "profile: %s\nuser-agent: %s\nja3: %s\nakamai: %s\n", p, p.UserAgent(), p.JA3(), p.Akamai())
		return 0
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: mimicry [flags] URL")
		fs.PrintDefaults()
		return 2
	}

	copts, err := clientOptions(&o)
	if err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 2
	}
	c, err := mimicry.NewWithProfile(p, copts...)
	if err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 1
	}
	defer c.Close()

	req, err := buildRequest(&o, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 2
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 1
	}
	defer resp.Close()

	if o.include {
		fmt.Fprintf(stdout, "%s %s\n", resp.Protocol, resp.Status)
		names := make([]string, 0, len(resp.Header))
		for name := range resp.Header {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			for _, v := range resp.Header[name] {
				fmt.Fprintf(stdout, "%s: %s\n", name, v)
			}
		}
		fmt.Fprintln(stdout)
	}
	if ti := resp.TLSInfo; ti != nil {
		fmt.Fprintf(stderr, "* TLS 0x%04x cipher 0x%04x alpn %q resumed %v\n",
			ti.Version, ti.CipherSuite, ti.NegotiatedProtocol, ti.DidResume)
	}
	if _, err := io.Copy(stdout, resp.Body); err != nil {
		fmt.Fprintln(stderr, "mimicry:", err)
		return 1
	}
	return 0
}

func clientOptions(o *options) ([]client.Option, error) {
	opts := []client.Option{client.WithTimeout(o.timeout)}
	if o.proxy != "" {
		opts = append(opts, client.WithProxy(o.proxy))
	}
	switch {
	case o.http1 && o.http2:
		return nil, errors.New("-http1 and -http2 are exclusive")
	case o.http1:
		opts = append(opts, client.WithHTTP1Only())
	case o.http2:
		opts = append(opts, client.WithHTTP2Only())
	}
	if o.insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if o.maxRedirs > 0 {
		opts = append(opts, client.WithRedirectPolicy(redirect.Limited(o.maxRedirs)))
	} else {
		opts = append(opts, client.WithoutRedirects())
	}
	if o.verbose {
		opts = append(opts, client.WithTLSInfo())
	}
	if o.iface != "" {
		opts = append(opts, client.WithInterface(o.iface))
	}
	if o.keyLog != "" {
		w, err := keylog.Open(o.keyLog)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithKeyLog(w))
	}

	overrides := make(map[string][]netip.AddrPort)
	for _, r := range o.resolve {
		host, addr, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid -resolve %q, want host=ip:port", r)
		}
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid -resolve %q: %w", r, err)
		}
		overrides[host] = append(overrides[host], ap)
	}
	for host, addrs := range overrides {
		opts = append(opts, client.WithDNSOverride(host, addrs...))
	}
	return opts, nil
}

func buildRequest(o *options, rawURL string) (*client.Request, error) {
	method := o.method
	if method == "" && o.data != "" {
		method = "POST"
	}
	var body io.Reader
	if o.data != "" {
		body = strings.NewReader(o.data)
	}
	req := client.NewRequest(method, rawURL, body)
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		req.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}
