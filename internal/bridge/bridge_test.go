package bridge

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/anthropics/lolb/internal/http11"
	"github.com/anthropics/lolb/internal/message"
)

type countingSink struct {
	buf    bytes.Buffer
	frames int
	done   bool
}

func (s *countingSink) Send(ctx context.Context, data []byte) error {
	s.buf.Write(data)
	s.frames++
	return nil
}

func (s *countingSink) Finish(ctx context.Context) error {
	s.done = true
	return nil
}

// S5 (spec §8): a 100 KiB body yielded as one chunk through a 16 KiB
// destination window must be delivered as at least 7 data frames, with
// every byte accounted for.
func TestStreamSplitsOversizedBodyAcrossWindow(t *testing.T) {
	const bodySize = 100 * 1024
	const windowSize = 16 * 1024

	payload := bytes.Repeat([]byte{'x'}, bodySize)
	src := message.NewReaderBody(io.NopCloser(bytes.NewReader(payload)), bodySize)

	sink := &countingSink{}
	window := NewFlowWindow(windowSize)

	n, err := Stream(context.Background(), src, sink, window)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != bodySize {
		t.Fatalf("got %d bytes, want %d", n, bodySize)
	}
	if sink.buf.Len() != bodySize {
		t.Fatalf("sink received %d bytes, want %d", sink.buf.Len(), bodySize)
	}
	if sink.frames < 7 {
		t.Fatalf("got %d frames, want >= 7", sink.frames)
	}
	if !sink.done {
		t.Fatal("expected Finish to be called")
	}
}

func TestStreamWithoutWindowSendsWholeChunks(t *testing.T) {
	src := message.NewReaderBody(io.NopCloser(strings.NewReader("hello world")), 1024)
	sink := &countingSink{}

	n, err := Stream(context.Background(), src, sink, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != 11 {
		t.Fatalf("got %d bytes, want 11", n)
	}
	if sink.buf.String() != "hello world" {
		t.Fatalf("got %q", sink.buf.String())
	}
}

func TestHttp11ChunkedSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := http11.NewChunkedEncoder(&buf)
	sink := NewHttp11ChunkedSink(enc)

	src := message.NewReaderBody(io.NopCloser(strings.NewReader("chunked payload")), 1024)
	_, err := Stream(context.Background(), src, sink, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	dec := http11.NewChunkedDecoder(&buf)
	var got []byte
	for {
		chunk, err := dec.Next(context.Background())
		got = append(got, chunk...)
		if err != nil {
			break
		}
	}
	if string(got) != "chunked payload" {
		t.Fatalf("got %q", got)
	}
}
