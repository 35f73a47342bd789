// Package respond emits a normalized message.Response back to the
// client, choosing between HTTP/2 stream frames and HTTP/1.1 header +
// body serialization (spec §4.7 "Responder").
package respond

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/anthropics/lolb/internal/bridge"
	"github.com/anthropics/lolb/internal/http11"
	"github.com/anthropics/lolb/internal/message"
)

// peekedBody re-presents a message.RecvBody after its first chunk has
// already been read, so the chunked/non-chunked decision (which
// requires peeking ahead one Next() call) doesn't lose that chunk.
type peekedBody struct {
	first    []byte
	firstErr error
	consumed bool
	inner    message.RecvBody
}

func (b *peekedBody) Next(ctx context.Context) ([]byte, error) {
	if !b.consumed {
		b.consumed = true
		return b.first, b.firstErr
	}
	return b.inner.Next(ctx)
}

func (b *peekedBody) ReleaseCapacity(n int) error { return b.inner.ReleaseCapacity(n) }
func (b *peekedBody) Close() error                { return b.inner.Close() }

// decideFraming peeks one chunk ahead to implement spec §4.7's rule:
// chunked iff Content-Length is absent and the upstream stream is not
// already at end-of-stream.
func decideFraming(ctx context.Context, resp *message.Response) (chunked bool, body message.RecvBody, err error) {
	if resp.ContentLength >= 0 {
		return false, resp.Body, nil
	}
	chunk, nextErr := resp.Body.Next(ctx)
	pb := &peekedBody{first: chunk, firstErr: nextErr, inner: resp.Body}
	if len(chunk) == 0 && nextErr == io.EOF {
		return false, pb, nil
	}
	if nextErr != nil && nextErr != io.EOF {
		return false, nil, nextErr
	}
	return true, pb, nil
}

// WriteHTTP11 serializes resp onto w as an HTTP/1.1 response: a status
// line, headers (inserting Transfer-Encoding: chunked when chunked
// framing was selected), and the body. HTTP/1.1 backpressure is
// implicit in the blocking socket write, so no FlowWindow is used
// (spec §5).
func WriteHTTP11(ctx context.Context, w io.Writer, resp *message.Response) error {
	chunked, body, err := decideFraming(ctx, resp)
	if err != nil {
		return err
	}

	header := resp.Header.Clone()
	if chunked {
		header.Set("Transfer-Encoding", "chunked")
	} else if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	if err := http11.WriteResponseHead(w, resp.StatusCode, header); err != nil {
		return err
	}

	var sink bridge.Sink
	if chunked {
		sink = bridge.NewHttp11ChunkedSink(http11.NewChunkedEncoder(w))
	} else if resp.ContentLength >= 0 {
		sink = bridge.NewHttp11PlainSink(http11.NewLimitWriter(w, resp.ContentLength))
	} else {
		return nil // no body: headers already written, nothing more to send
	}

	_, err = bridge.Stream(ctx, body, sink, nil)
	return err
}

// WriteHTTP2 emits resp as the status and trailing body frames of an
// HTTP/2 stream via w (golang.org/x/net/http2's ResponseWriter). The
// bridge's FlowWindow gives the body transfer the same explicit
// reserve/release accounting as the upstream-facing leg (spec §4.6).
func WriteHTTP2(ctx context.Context, w http.ResponseWriter, resp *message.Response, window *bridge.FlowWindow) error {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	sink := bridge.NewHttp2Sink(w, nil)
	_, err := bridge.Stream(ctx, resp.Body, sink, window)
	return err
}
