package bridge

import (
	"context"
	"io"

	"github.com/anthropics/lolb/internal/http11"
	"github.com/anthropics/lolb/internal/lolberr"
)

// Http2Sink writes body chunks onto an HTTP/2 stream. The actual
// frame-level send and end-of-stream marking are owned by
// golang.org/x/net/http2 (either the request body writer on the
// upstream leg, or the http.ResponseWriter on the client-facing leg);
// this Sink only needs a plain io.Writer plus an optional finish hook
// for whichever of those end-of-stream signals applies.
type Http2Sink struct {
	w      io.Writer
	finish func() error
}

// NewHttp2Sink wraps w (a request-body pipe writer, or a response
// writer) as a Sink. finish may be nil when returning from the
// handler is itself what ends the stream.
func NewHttp2Sink(w io.Writer, finish func() error) *Http2Sink {
	return &Http2Sink{w: w, finish: finish}
}

func (s *Http2Sink) Send(ctx context.Context, data []byte) error {
	if _, err := s.w.Write(data); err != nil {
		return lolberr.H2(err)
	}
	return nil
}

func (s *Http2Sink) Finish(ctx context.Context) error {
	if s.finish == nil {
		return nil
	}
	if err := s.finish(); err != nil {
		return lolberr.H2(err)
	}
	return nil
}

// Http11PlainSink writes a body of known length through a LimitWriter
// (spec §4.6: "content-length known; overflow is a fatal
// LimitExceeded error"). Finish is a no-op: the boundary is the byte
// count, not a trailing marker.
type Http11PlainSink struct {
	w *http11.LimitWriter
}

func NewHttp11PlainSink(w *http11.LimitWriter) *Http11PlainSink {
	return &Http11PlainSink{w: w}
}

func (s *Http11PlainSink) Send(ctx context.Context, data []byte) error {
	_, err := s.w.Write(data)
	return err
}

func (s *Http11PlainSink) Finish(ctx context.Context) error { return nil }

// Http11ChunkedSink writes a body of unknown length through a
// ChunkedEncoder, sending the terminating zero-length chunk on
// Finish (spec §4.6: "content-length unknown... send_finish when
// chunked").
type Http11ChunkedSink struct {
	enc *http11.ChunkedEncoder
}

func NewHttp11ChunkedSink(enc *http11.ChunkedEncoder) *Http11ChunkedSink {
	return &Http11ChunkedSink{enc: enc}
}

func (s *Http11ChunkedSink) Send(ctx context.Context, data []byte) error {
	return s.enc.SendChunk(data)
}

func (s *Http11ChunkedSink) Finish(ctx context.Context) error {
	return s.enc.SendFinish()
}
