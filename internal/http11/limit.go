package http11

import (
	"context"
	"fmt"
	"io"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
)

// readChunkSize is the maximum number of bytes a single Next() call on
// a plain (Content-Length) HTTP/1.1 body reads off the socket.
const readChunkSize = 16 * 1024

// limitedReaderBody is the RecvBody for an HTTP/1.1 request/response
// body of known Content-Length: a thin io.LimitReader wrapper that
// satisfies message.RecvBody. ReleaseCapacity is a no-op — HTTP/1.1
// backpressure is implicit in the socket (spec §4.6, §5).
type limitedReaderBody struct {
	r io.Reader
}

func newLimitedReaderBody(source io.Reader, limit int64) message.RecvBody {
	return &limitedReaderBody{r: io.LimitReader(source, limit)}
}

func (b *limitedReaderBody) Next(ctx context.Context) ([]byte, error) {
	buf := make([]byte, readChunkSize)
	n, err := b.r.Read(buf)
	if n > 0 {
		if err == io.EOF {
			return buf[:n], nil
		}
		return buf[:n], err
	}
	return nil, err
}

func (b *limitedReaderBody) ReleaseCapacity(int) error { return nil }
func (b *limitedReaderBody) Close() error              { return nil }

// LimitWriter enforces that no more than limit bytes are ever written
// to the wrapped writer, matching the original's LimitWrite: used on
// the response-body leg when Content-Length is known but the upstream
// could (by bug or malice) try to send more.
type LimitWriter struct {
	w       io.Writer
	written int64
	limit   int64
}

// NewLimitWriter returns a writer that errors with a KindOwned error
// wrapping ErrLimitExceeded once more than limit bytes would have been
// written to it.
func NewLimitWriter(w io.Writer, limit int64) *LimitWriter {
	return &LimitWriter{w: w, limit: limit}
}

func (lw *LimitWriter) Write(p []byte) (int, error) {
	if lw.written+int64(len(p)) > lw.limit {
		return 0, &lolberr.Error{
			Kind: lolberr.KindOwned,
			Msg:  fmt.Sprintf("more bytes than LimitWrite allows: %d > %d", lw.written+int64(len(p)), lw.limit),
			Err:  lolberr.ErrLimitExceeded,
		}
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return n, err
}
