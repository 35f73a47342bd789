// Package http11 parses HTTP/1.1 wire syntax from a peekable
// connection and serializes HTTP/1.1 responses, normalizing both into
// the shapes internal/message and internal/reqnorm build on.
package http11

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
	"github.com/anthropics/lolb/internal/peekconn"
)

// MaxHeaderSize is the parser's buffering limit for a single request's
// header block (request-line + headers up to the blank line). Request
// headers observed in the wild run from ~200B to a couple KB; 16KiB
// gives generous headroom while still bounding a single client's
// memory footprint (http://dev.chromium.org/spdy/spdy-whitepaper).
const MaxHeaderSize = 16 * 1024

// parsedHead is the result of parsing a request line and headers, with
// the byte length of the header block so the caller can advance the
// socket past it.
type parsedHead struct {
	method     string
	path       string
	header     http.Header
	headerLen  int
}

// ParseRequest peeks and parses one HTTP/1.1 request off conn,
// translating Host to :authority-equivalent fields and selecting a
// body shape from Content-Length/Transfer-Encoding. It returns
// (nil, nil) when the connection closed cleanly before a new request
// began (the normal end of a keep-alive loop).
func ParseRequest(ctx context.Context, conn *peekconn.Conn, secure bool) (*message.Request, error) {
	buf := make([]byte, MaxHeaderSize)

	var parsed *parsedHead
	var parseErr error
	peeked, err := conn.Peek(buf, func(soFar []byte) bool {
		parsed, parseErr = tryParseHead(soFar)
		return parsed != nil || (parseErr != nil && parseErr != lolberr.ErrIncomplete)
	})
	if err != nil {
		return nil, lolberr.IO(err)
	}

	parsed, parseErr = tryParseHead(buf[:peeked])
	if parsed == nil {
		if parseErr != nil && parseErr != lolberr.ErrIncomplete {
			return nil, parseErr
		}
		if peeked < MaxHeaderSize {
			// Stream ended before a full header arrived.
			if peeked == 0 {
				return nil, nil
			}
			return nil, lolberr.Owned("connection closed mid-header (%d bytes buffered)", peeked)
		}
		return nil, lolberr.HTTP11Parse(fmt.Errorf("header exceeded %d bytes: %w", MaxHeaderSize, lolberr.ErrHeaderTooLarge))
	}

	if err := conn.Discard(parsed.headerLen); err != nil {
		return nil, lolberr.IO(err)
	}

	chunked := false
	if te := parsed.header.Get("Transfer-Encoding"); te != "" {
		parsed.header.Del("Transfer-Encoding")
		fields := strings.Split(te, ",")
		last := strings.ToLower(strings.TrimSpace(fields[len(fields)-1]))
		chunked = last == "chunked"
	}

	contentLength := int64(0)
	if cl := parsed.header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, lolberr.HTTP11Parse(fmt.Errorf("malformed content-length %q", cl))
		}
		contentLength = n
	}

	var body message.RecvBody
	switch {
	case chunked:
		body = NewChunkedDecoder(conn)
	case contentLength > 0:
		body = newLimitedReaderBody(conn, contentLength)
	default:
		body = message.EmptyBody()
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}

	req := &message.Request{
		Method:    parsed.method,
		Scheme:    scheme,
		Authority: parsed.header.Get("Host"),
		Path:      parsed.path,
		Header:    parsed.header,
		Body:      body,
	}
	req.Header.Del("Host")

	return req, nil
}

// tryParseHead attempts to parse a request line + headers from buf. It
// returns (nil, ErrIncomplete) if buf doesn't yet hold a full header
// block, and (nil, err) for any other parse failure.
func tryParseHead(buf []byte) (*parsedHead, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, lolberr.ErrIncomplete
	}
	headerLen := idx + 4

	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf[:headerLen])))

	requestLine, err := r.ReadLine()
	if err != nil {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("reading request line: %w", err))
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("malformed request line %q", requestLine))
	}
	method, path, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("unsupported version %q", version))
	}
	if !isValidMethod(method) {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("malformed method %q", method))
	}

	mimeHeader, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("reading headers: %w", err))
	}

	return &parsedHead{
		method:    method,
		path:      path,
		header:    http.Header(mimeHeader),
		headerLen: headerLen,
	}, nil
}

func isValidMethod(m string) bool {
	if m == "" {
		return false
	}
	for _, r := range m {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
