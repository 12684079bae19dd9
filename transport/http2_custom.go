package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"

	"github.com/sardanioss/net/http2"

	"github.com/sardanioss/mimicry/fingerprint"
)

const (
	frameHeaderLen = 9
	flagEndHeaders = 0x4
)

var clientPreface = []byte(http2.ClientPreface)

// frameConn sits between the http2 client connection and the socket. The
// http2 transport writes the profile's SETTINGS, WINDOW_UPDATE and header
// order itself; frameConn adds what it cannot express. On the write side it
// follows each request header block with a PRIORITY frame when the profile
// prioritizes that way, and drops the connection WINDOW_UPDATE when the
// profile sends none. On the read side it watches the peer's SETTINGS and
// GOAWAY frames without altering them.
type frameConn struct {
	net.Conn
	priority    *http2.PriorityParam
	dropWindow  bool
	passThrough bool

	mu           sync.Mutex
	buf          bytes.Buffer
	out          bytes.Buffer
	fr           *http2.Framer
	wrotePreface bool
	wroteWindow  bool

	scan frameScanner
}

func newFrameConn(conn net.Conn, p *fingerprint.Profile, onFrame func(http2.FrameType, http2.Flags, []byte)) *frameConn {
	c := &frameConn{Conn: conn, passThrough: true}
	if p != nil {
		h2 := p.H2()
		if h2.Priority.Mode == fingerprint.PriorityFrame {
			param := h2.Priority.Param()
			c.priority = &param
		}
		c.dropWindow = h2.WindowUpdate == 0
		c.passThrough = c.priority == nil && !c.dropWindow
	}
	c.fr = http2.NewFramer(&c.out, nil)
	c.scan.emit = onFrame
	return c
}

// Write buffers p and forwards complete frames. It always consumes all of
// p; partial frames wait for the next call.
func (c *frameConn) Write(p []byte) (int, error) {
	if c.passThrough {
		return c.Conn.Write(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	c.out.Reset()
	for c.buf.Len() > 0 {
		data := c.buf.Bytes()

		if !c.wrotePreface {
			if len(data) < len(clientPreface) {
				break
			}
			if bytes.Equal(data[:len(clientPreface)], clientPreface) {
				c.out.Write(clientPreface)
				c.buf.Next(len(clientPreface))
			}
			c.wrotePreface = true
			continue
		}

		if len(data) < frameHeaderLen {
			break
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		size := frameHeaderLen + length
		if len(data) < size {
			break
		}
		typ := http2.FrameType(data[3])
		flags := data[4]
		streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff

		var err error
		switch {
		case typ == http2.FrameWindowUpdate && streamID == 0 && !c.wroteWindow:
			c.wroteWindow = true
			if !c.dropWindow {
				c.out.Write(data[:size])
			}

		case (typ == http2.FrameHeaders || typ == http2.FrameContinuation) && streamID > 0:
			c.out.Write(data[:size])
			if c.priority != nil && flags&flagEndHeaders != 0 {
				err = c.fr.WritePriority(streamID, *c.priority)
			}

		default:
			c.out.Write(data[:size])
		}
		c.buf.Next(size)
		if err != nil {
			return 0, err
		}
	}

	if c.out.Len() > 0 {
		if _, err := c.Conn.Write(c.out.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Read passes bytes through and feeds them to the frame scanner.
func (c *frameConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.scan.feed(p[:n])
	}
	return n, err
}

// frameScanner splits a byte stream into frames and hands SETTINGS and
// GOAWAY payloads to emit. The stream must start at a frame boundary.
type frameScanner struct {
	hdr     [frameHeaderLen]byte
	n       int
	left    int
	capture bool
	payload []byte
	emit    func(http2.FrameType, http2.Flags, []byte)
}

func (s *frameScanner) feed(p []byte) {
	for len(p) > 0 {
		if s.n < frameHeaderLen {
			k := copy(s.hdr[s.n:], p)
			s.n += k
			p = p[k:]
			if s.n < frameHeaderLen {
				return
			}
			s.left = int(s.hdr[0])<<16 | int(s.hdr[1])<<8 | int(s.hdr[2])
			typ := http2.FrameType(s.hdr[3])
			s.capture = typ == http2.FrameSettings || typ == http2.FrameGoAway
			s.payload = s.payload[:0]
			if s.left == 0 {
				s.done()
			}
			continue
		}
		k := min(s.left, len(p))
		if s.capture {
			s.payload = append(s.payload, p[:k]...)
		}
		s.left -= k
		p = p[k:]
		if s.left == 0 {
			s.done()
		}
	}
}

func (s *frameScanner) done() {
	if s.capture && s.emit != nil {
		s.emit(http2.FrameType(s.hdr[3]), http2.Flags(s.hdr[4]), s.payload)
	}
	s.n = 0
}
