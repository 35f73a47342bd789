// Package reqnorm detects which HTTP version a client-facing
// connection speaks and normalizes both wire protocols into the
// shared internal message.Request/Response shape (spec §4.4 "Request
// normalization").
package reqnorm

import (
	"bytes"
	"context"
	"net/http"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
	"github.com/anthropics/lolb/internal/peekconn"
)

// H2Preface is the 24-byte client connection preface that opens every
// HTTP/2 connection (RFC 9113 §3.4), used to distinguish HTTP/2 from
// HTTP/1.1 on connections where ALPN did not already say.
const H2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// DetectVersion returns the HTTP version conn speaks. If conn already
// carries a known version (set during TLS ALPN negotiation), that is
// returned without touching the socket; otherwise it peeks the first
// 24 bytes and compares them against the HTTP/2 preface (spec §4.4
// step 1). A stream that ends before 24 bytes arrive is reported as
// ErrShortStream.
func DetectVersion(ctx context.Context, conn *peekconn.Conn) (peekconn.HTTPVersion, error) {
	if v := conn.HTTPVersion(); v != peekconn.Unknown {
		return v, nil
	}

	buf := make([]byte, len(H2Preface))
	n, err := conn.Peek(buf, func(b []byte) bool { return len(b) >= len(H2Preface) })
	if err != nil {
		return peekconn.Unknown, lolberr.IO(err)
	}
	if n < len(H2Preface) {
		return peekconn.Unknown, &lolberr.Error{Kind: lolberr.KindOwned, Msg: "short stream during version detection", Err: lolberr.ErrShortStream}
	}

	if bytes.Equal(buf, []byte(H2Preface)) {
		conn.SetHTTPVersion(peekconn.HTTP2)
		return peekconn.HTTP2, nil
	}
	conn.SetHTTPVersion(peekconn.HTTP11)
	return peekconn.HTTP11, nil
}

// FromHTTP2 translates a stream's *http.Request (as delivered by
// golang.org/x/net/http2's server handler) into the internal Request
// shape, with its body wrapped as a message.RecvBody (spec §4.4 step
// 2: "body becomes Http2").
func FromHTTP2(r *http.Request, secure bool) *message.Request {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &message.Request{
		Method:    r.Method,
		Scheme:    scheme,
		Authority: r.Host,
		Path:      r.URL.RequestURI(),
		Header:    r.Header.Clone(),
		Body:      message.NewReaderBody(r.Body, 32*1024),
	}
}
