package http11

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
)

// maxReadSize bounds a single on-wire chunk's contribution to one
// Next() call: a chunk declared larger than this is delivered to the
// caller in multiple pieces rather than buffered whole.
const maxReadSize = 1024 * 1024 // 1 MiB

// ChunkedDecoder streams an HTTP/1.1 chunked-transfer-encoded body,
// satisfying message.RecvBody. It tracks only the number of bytes left
// in the chunk currently being read.
type ChunkedDecoder struct {
	r          *bufio.Reader
	amountLeft int64
	done       bool
}

// NewChunkedDecoder wraps r (a raw byte source positioned at the start
// of the first chunk header) as a ChunkedDecoder.
func NewChunkedDecoder(r io.Reader) *ChunkedDecoder {
	return &ChunkedDecoder{r: bufio.NewReader(r)}
}

// Next yields the next piece of decoded payload, or io.EOF once the
// terminating zero-length chunk has been consumed.
func (d *ChunkedDecoder) Next(ctx context.Context) ([]byte, error) {
	if d.done {
		return nil, io.EOF
	}

	if d.amountLeft == 0 {
		size, err := d.readChunkHeader()
		if err != nil {
			return nil, err
		}
		if size == 0 {
			// Trailer section (if any) up to the final CRLF; we don't
			// surface trailers, just consume them.
			if err := d.consumeTrailer(); err != nil {
				return nil, err
			}
			d.done = true
			return nil, io.EOF
		}
		d.amountLeft = size
	}

	want := d.amountLeft
	if want > maxReadSize {
		want = maxReadSize
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(d.r, buf)
	if err != nil {
		return nil, lolberr.HTTP11Parse(fmt.Errorf("reading chunk data: %w", err))
	}
	d.amountLeft -= int64(n)

	if d.amountLeft == 0 {
		// consume the trailing CRLF after a fully-read chunk.
		if err := d.consumeCRLF(); err != nil {
			return nil, err
		}
	}

	return buf[:n], nil
}

func (d *ChunkedDecoder) ReleaseCapacity(int) error { return nil }
func (d *ChunkedDecoder) Close() error              { return nil }

// readChunkHeader reads hex digits up to a ';' (chunk extension,
// discarded) or '\r', skips to the following '\n', and returns the
// parsed size.
func (d *ChunkedDecoder) readChunkHeader() (int64, error) {
	var hex strings.Builder
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, lolberr.HTTP11Parse(fmt.Errorf("reading chunk size: %w", err))
		}
		if b == ';' || b == '\r' {
			if b == '\r' {
				if nb, err := d.r.ReadByte(); err != nil || nb != '\n' {
					return 0, lolberr.HTTP11Parse(fmt.Errorf("malformed chunk header terminator"))
				}
				break
			}
			// ';' extension: skip to '\n'.
			if err := d.skipToLF(); err != nil {
				return 0, err
			}
			break
		}
		if !isHexDigit(b) {
			return 0, lolberr.HTTP11Parse(fmt.Errorf("non-hex chunk size byte %q", b))
		}
		hex.WriteByte(b)
	}
	if hex.Len() == 0 {
		return 0, lolberr.HTTP11Parse(fmt.Errorf("empty chunk size"))
	}
	size, err := strconv.ParseInt(hex.String(), 16, 64)
	if err != nil {
		return 0, lolberr.HTTP11Parse(fmt.Errorf("parsing chunk size %q: %w", hex.String(), err))
	}
	if size < 0 {
		return 0, lolberr.HTTP11Parse(fmt.Errorf("negative chunk size"))
	}
	return size, nil
}

func (d *ChunkedDecoder) skipToLF() error {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return lolberr.HTTP11Parse(fmt.Errorf("reading chunk extension: %w", err))
		}
		if b == '\n' {
			return nil
		}
	}
}

func (d *ChunkedDecoder) consumeCRLF() error {
	cr, err := d.r.ReadByte()
	if err != nil {
		return lolberr.HTTP11Parse(fmt.Errorf("reading chunk trailer CRLF: %w", err))
	}
	lf, err := d.r.ReadByte()
	if err != nil {
		return lolberr.HTTP11Parse(fmt.Errorf("reading chunk trailer CRLF: %w", err))
	}
	if cr != '\r' || lf != '\n' {
		return lolberr.HTTP11Parse(fmt.Errorf("malformed chunk trailer, got %q%q", cr, lf))
	}
	return nil
}

// consumeTrailer reads (and discards) any trailer headers following
// the terminating zero-length chunk, up to and including the final
// blank line.
func (d *ChunkedDecoder) consumeTrailer() error {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return lolberr.HTTP11Parse(fmt.Errorf("reading trailer: %w", err))
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// ChunkedEncoder writes HTTP/1.1 chunked-transfer-encoded frames to an
// underlying writer.
type ChunkedEncoder struct {
	w io.Writer
}

// NewChunkedEncoder wraps w as a ChunkedEncoder.
func NewChunkedEncoder(w io.Writer) *ChunkedEncoder {
	return &ChunkedEncoder{w: w}
}

// SendChunk writes one chunk frame: "<len-hex>\r\n<payload>\r\n". An
// empty payload is a no-op (use SendFinish to terminate the body).
func (e *ChunkedEncoder) SendChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(e.w, "%x\r\n", len(data)); err != nil {
		return lolberr.IO(err)
	}
	if _, err := e.w.Write(data); err != nil {
		return lolberr.IO(err)
	}
	if _, err := io.WriteString(e.w, "\r\n"); err != nil {
		return lolberr.IO(err)
	}
	return nil
}

// SendFinish writes the terminating zero-length chunk with no
// trailers: "0\r\n\r\n".
func (e *ChunkedEncoder) SendFinish() error {
	if _, err := io.WriteString(e.w, "0\r\n\r\n"); err != nil {
		return lolberr.IO(err)
	}
	return nil
}

var _ message.RecvBody = (*ChunkedDecoder)(nil)
