package message

import (
	"context"
	"io"
)

// emptyBody is the RecvBody for requests/responses that carry no body
// (e.g. GET with neither Content-Length nor Transfer-Encoding).
type emptyBody struct{}

// EmptyBody returns a RecvBody that yields io.EOF immediately.
func EmptyBody() RecvBody { return emptyBody{} }

func (emptyBody) Next(context.Context) ([]byte, error) { return nil, io.EOF }
func (emptyBody) ReleaseCapacity(int) error             { return nil }
func (emptyBody) Close() error                          { return nil }

// readerBody adapts a plain io.ReadCloser (as produced by
// golang.org/x/net/http2, e.g. an http.Request.Body or RoundTrip
// response body) into a RecvBody. Reading from the underlying h2
// stream is itself what returns window credit to the peer, so
// ReleaseCapacity is a deliberate no-op here — see internal/bridge for
// the application-level accounting layered on top.
type readerBody struct {
	r         io.ReadCloser
	chunkSize int
}

// NewReaderBody wraps r (typically an HTTP/2 request or response body)
// as a RecvBody, reading up to chunkSize bytes per Next call.
func NewReaderBody(r io.ReadCloser, chunkSize int) RecvBody {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &readerBody{r: r, chunkSize: chunkSize}
}

func (b *readerBody) Next(ctx context.Context) ([]byte, error) {
	buf := make([]byte, b.chunkSize)
	n, err := b.r.Read(buf)
	if n > 0 {
		if err == io.EOF {
			// Deliver the final chunk now; report EOF on the next call so
			// callers that check `len(chunk) > 0` before the error don't
			// lose the last bytes.
			return buf[:n], nil
		}
		return buf[:n], err
	}
	return nil, err
}

func (b *readerBody) ReleaseCapacity(int) error { return nil }
func (b *readerBody) Close() error              { return b.r.Close() }
