package respond

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/anthropics/lolb/internal/message"
)

func TestWriteHTTP11KnownLength(t *testing.T) {
	resp := &message.Response{
		StatusCode:    200,
		Header:        http.Header{"X-Test": []string{"yes"}},
		Body:          message.NewReaderBody(io.NopCloser(strings.NewReader("hello")), 1024),
		ContentLength: 5,
	}
	var buf bytes.Buffer
	if err := WriteHTTP11(context.Background(), &buf, resp); err != nil {
		t.Fatalf("WriteHTTP11: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("missing status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Fatalf("missing content-length: %q", out)
	}
	if strings.Contains(out, "Transfer-Encoding") {
		t.Fatalf("should not be chunked: %q", out)
	}
	if !strings.HasSuffix(out, "hello") {
		t.Fatalf("missing body: %q", out)
	}
}

func TestWriteHTTP11UnknownLengthIsChunked(t *testing.T) {
	resp := &message.Response{
		StatusCode:    200,
		Header:        http.Header{},
		Body:          message.NewReaderBody(io.NopCloser(strings.NewReader("abc")), 1024),
		ContentLength: -1,
	}
	var buf bytes.Buffer
	if err := WriteHTTP11(context.Background(), &buf, resp); err != nil {
		t.Fatalf("WriteHTTP11: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("expected chunked framing: %q", out)
	}
	if !strings.HasSuffix(out, "3\r\nabc\r\n0\r\n\r\n") {
		t.Fatalf("expected chunked body trailer: %q", out)
	}
}

func TestWriteHTTP11UnknownLengthAlreadyEndedIsNotChunked(t *testing.T) {
	resp := &message.Response{
		StatusCode:    204,
		Header:        http.Header{},
		Body:          message.EmptyBody(),
		ContentLength: -1,
	}
	var buf bytes.Buffer
	if err := WriteHTTP11(context.Background(), &buf, resp); err != nil {
		t.Fatalf("WriteHTTP11: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "Transfer-Encoding") {
		t.Fatalf("an already-ended body should not be chunked: %q", out)
	}
}
