package message

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestEmptyBodyYieldsEOFImmediately(t *testing.T) {
	b := EmptyBody()
	chunk, err := b.Next(context.Background())
	if err != io.EOF {
		t.Fatalf("got err %v, want io.EOF", err)
	}
	if chunk != nil {
		t.Fatalf("got non-nil chunk %q, want nil", chunk)
	}
	if err := b.ReleaseCapacity(100); err != nil {
		t.Fatalf("ReleaseCapacity: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReaderBodyYieldsAllBytesThenEOF(t *testing.T) {
	want := "the quick brown fox"
	b := NewReaderBody(io.NopCloser(strings.NewReader(want)), 4)

	var got []byte
	for {
		chunk, err := b.Next(context.Background())
		got = append(got, chunk...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReaderBodyDefaultsChunkSizeWhenNonPositive(t *testing.T) {
	b := NewReaderBody(io.NopCloser(strings.NewReader("x")), 0)
	rb, ok := b.(*readerBody)
	if !ok {
		t.Fatalf("NewReaderBody returned %T, want *readerBody", b)
	}
	if rb.chunkSize != 32*1024 {
		t.Fatalf("got default chunkSize %d, want %d", rb.chunkSize, 32*1024)
	}
}

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}

func TestReaderBodyCloseDelegatesToUnderlyingReader(t *testing.T) {
	r := &closeTrackingReader{Reader: strings.NewReader("x")}
	b := NewReaderBody(r, 0)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.closed {
		t.Fatal("expected the underlying reader to be closed")
	}
}

func TestReaderBodyReleaseCapacityIsNoop(t *testing.T) {
	b := NewReaderBody(io.NopCloser(strings.NewReader("x")), 0)
	if err := b.ReleaseCapacity(4096); err != nil {
		t.Fatalf("ReleaseCapacity: %v", err)
	}
}
