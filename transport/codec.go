package transport

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var supportedEncodings = []string{"gzip", "deflate", "br", "zstd"}

// SupportedEncodings lists the content codings DecodeBody understands.
func SupportedEncodings() []string { return slices.Clone(supportedEncodings) }

// parseEncodings splits a Content-Encoding value into codings in the order
// they were applied. ok is false if any coding is unsupported.
func parseEncodings(v string) (codings []string, ok bool) {
	for _, part := range strings.Split(v, ",") {
		enc := strings.ToLower(strings.TrimSpace(part))
		switch enc {
		case "", "identity":
			continue
		case "x-gzip":
			enc = "gzip"
		}
		if !slices.Contains(supportedEncodings, enc) {
			return nil, false
		}
		codings = append(codings, enc)
	}
	return codings, true
}

// DecodeBody replaces resp.Body with a decoding reader when its
// Content-Encoding names only supported codings. Unknown codings leave the
// response untouched. Decoding errors surface from Read as BodyError.
func DecodeBody(resp *http.Response) bool {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	codings, ok := parseEncodings(resp.Header.Get("Content-Encoding"))
	if !ok || len(codings) == 0 {
		return false
	}
	var body io.ReadCloser = resp.Body
	for i := len(codings) - 1; i >= 0; i-- {
		body = &decoder{src: body, encoding: codings[i]}
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return true
}

// decoder builds its codec on first read so that empty bodies and callers
// that never read do not block on a header.
type decoder struct {
	src      io.ReadCloser
	encoding string
	r        io.Reader
	close    func() error
	err      error
}

func (d *decoder) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.err = d.open()
	}
	if d.err != nil {
		return 0, d.err
	}
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		var be *BodyError
		if !errors.As(err, &be) {
			err = &BodyError{Encoding: d.encoding, Err: err}
		}
	}
	return n, err
}

func (d *decoder) open() error {
	var err error
	switch d.encoding {
	case "gzip":
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(d.src); err == nil {
			d.r, d.close = zr, zr.Close
		}
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		br := bufio.NewReader(d.src)
		if head, perr := br.Peek(2); perr == nil && isZlibHeader(head) {
			var zr io.ReadCloser
			if zr, err = zlib.NewReader(br); err == nil {
				d.r, d.close = zr, zr.Close
			}
		} else {
			fr := flate.NewReader(br)
			d.r, d.close = fr, fr.Close
		}
	case "br":
		d.r = brotli.NewReader(d.src)
	case "zstd":
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(d.src); err == nil {
			d.r = zr
			d.close = func() error { zr.Close(); return nil }
		}
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		var be *BodyError
		if !errors.As(err, &be) {
			err = &BodyError{Encoding: d.encoding, Err: err}
		}
	}
	return err
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

func (d *decoder) Close() error {
	if d.close != nil {
		d.close()
	}
	return d.src.Close()
}
