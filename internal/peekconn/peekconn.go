// Package peekconn wraps a net.Conn so its first bytes can be
// inspected without consuming them, letting one listener distinguish
// service-node registrations, service-node reconnects, and regular
// client requests before committing to a parsing path.
package peekconn

import (
	"io"
	"net"
	"sync"
)

// HTTPVersion is the protocol a Conn is known (or not yet known) to speak.
type HTTPVersion int

const (
	// Unknown means the version requires peeking to determine (e.g. ALPN
	// did not resolve it during the TLS handshake).
	Unknown HTTPVersion = iota
	// HTTP11 is HTTP/1.1 wire syntax.
	HTTP11
	// HTTP2 is the HTTP/2 binary framing protocol.
	HTTP2
)

func (v HTTPVersion) String() string {
	switch v {
	case HTTP11:
		return "http/1.1"
	case HTTP2:
		return "h2"
	default:
		return "unknown"
	}
}

// Conn wraps a bidirectional byte stream with a peek buffer and the
// metadata the dispatcher needs: whether the connection is secure, and
// which HTTP version (if any) ALPN already resolved.
//
// Invariant: bytes returned by Peek are also returned verbatim by
// subsequent Reads, in order, until consumed.
type Conn struct {
	net.Conn

	mu      sync.Mutex
	buf     []byte // bytes peeked but not yet consumed by Read
	version HTTPVersion
	secure  bool
}

// New wraps conn, recording whether the handshake already resolved an
// HTTP version (via ALPN) and whether the connection is TLS-secured.
func New(conn net.Conn, version HTTPVersion, secure bool) *Conn {
	return &Conn{Conn: conn, version: version, secure: secure}
}

// HTTPVersion reports the ALPN-resolved protocol, or Unknown.
func (c *Conn) HTTPVersion() HTTPVersion { return c.version }

// SetHTTPVersion updates the resolved protocol, e.g. after peeking for
// the HTTP/2 connection preface.
func (c *Conn) SetHTTPVersion(v HTTPVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = v
}

// Secure reports whether the connection is TLS-terminated.
func (c *Conn) Secure() bool { return c.secure }

// Peek fills buf with up to len(buf) bytes from the stream without
// consuming them: a subsequent Read observes the same bytes again.
//
// It keeps reading from the underlying connection until one of:
//   - the internal buffer holds at least len(buf) bytes,
//   - the underlying stream returns zero bytes (EOF/closed), or
//   - isEnough(prefixSoFar) returns true, letting a caller stop early
//     once it has parsed a complete unit (e.g. a full HTTP header) from
//     a prefix shorter than len(buf).
//
// It returns the number of bytes copied into buf, which may be less
// than len(buf) if the stream ended first.
func (c *Conn) Peek(buf []byte, isEnough func([]byte) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) < len(buf) {
		grown := make([]byte, len(buf))
		copy(grown, c.buf)
		c.buf = grown[:len(c.buf)]
	}

	total := len(c.buf)
	for total < len(buf) {
		// read directly into the tail of the backing array so buf's
		// prefix stays valid even though len(c.buf) hasn't grown yet.
		n, err := c.Conn.Read(c.buf[total:len(buf)])
		if n > 0 {
			c.buf = c.buf[:total+n]
			total += n
			if isEnough != nil && isEnough(c.buf[:total]) {
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				// Clean end of stream: not every caller wants a full
				// buf worth of bytes (e.g. a 24-byte preface check), so
				// this is reported as a short peek, not a failure.
				break
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}

	copy(buf, c.buf[:total])
	return total, nil
}

// Read drains the peek buffer first, then falls through to the
// underlying connection.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.Conn.Read(p)
}

// Discard reads and drops exactly n bytes (typically the header bytes
// already accounted for by a prior Peek+parse).
func (c *Conn) Discard(n int) error {
	buf := make([]byte, 4096)
	for n > 0 {
		want := len(buf)
		if n < want {
			want = n
		}
		read, err := c.Read(buf[:want])
		n -= read
		if err != nil {
			return err
		}
	}
	return nil
}

var _ net.Conn = (*Conn)(nil)
