package reqnorm

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/peekconn"
)

func pipeConn(t *testing.T, data []byte) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		server.Write(data)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDetectVersionRecognizesH2Preface(t *testing.T) {
	conn := peekconn.New(pipeConn(t, []byte(H2Preface+"rest")), peekconn.Unknown, false)
	v, err := DetectVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if v != peekconn.HTTP2 {
		t.Fatalf("got %v, want HTTP2", v)
	}
	if conn.HTTPVersion() != peekconn.HTTP2 {
		t.Fatal("DetectVersion must stamp the detected version back onto conn")
	}
}

func TestDetectVersionFallsBackToHTTP11(t *testing.T) {
	data := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	conn := peekconn.New(pipeConn(t, data), peekconn.Unknown, false)
	v, err := DetectVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if v != peekconn.HTTP11 {
		t.Fatalf("got %v, want HTTP11", v)
	}
}

func TestDetectVersionShortStreamReturnsErrShortStream(t *testing.T) {
	conn := peekconn.New(pipeConn(t, []byte("short")), peekconn.Unknown, false)
	_, err := DetectVersion(context.Background(), conn)
	if err == nil {
		t.Fatal("expected an error for a stream shorter than the preface")
	}
	if !lolberr.Is(err, lolberr.KindOwned) {
		t.Fatalf("got %v, want a KindOwned error naming the short-stream condition", err)
	}
}

func TestDetectVersionTrustsAlreadyKnownVersion(t *testing.T) {
	conn := peekconn.New(pipeConn(t, []byte("garbage that would not match either protocol")), peekconn.HTTP2, true)
	v, err := DetectVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("DetectVersion: %v", err)
	}
	if v != peekconn.HTTP2 {
		t.Fatal("a connection with a pre-set version (e.g. from ALPN) must not be re-sniffed")
	}
}

func TestFromHTTP2TranslatesRequestShape(t *testing.T) {
	req := &http.Request{
		Method: http.MethodPost,
		Host:   "svc.example.com",
		URL:    &url.URL{Path: "/api/widgets", RawQuery: "id=1"},
		Header: http.Header{"X-Test": []string{"v"}},
		Body:   http.NoBody,
	}

	got := FromHTTP2(req, true)
	if got.Scheme != "https" {
		t.Fatalf("got scheme %q, want https for secure=true", got.Scheme)
	}
	if got.Authority != "svc.example.com" {
		t.Fatalf("got authority %q", got.Authority)
	}
	if got.Path != "/api/widgets?id=1" {
		t.Fatalf("got path %q", got.Path)
	}
	if got.Header.Get("X-Test") != "v" {
		t.Fatal("expected header to carry through")
	}
}

func TestFromHTTP2UsesPlainSchemeWhenInsecure(t *testing.T) {
	req := &http.Request{
		Method: http.MethodGet,
		Host:   "svc.example.com",
		URL:    &url.URL{Path: "/"},
		Header: http.Header{},
		Body:   http.NoBody,
	}
	got := FromHTTP2(req, false)
	if got.Scheme != "http" {
		t.Fatalf("got scheme %q, want http for secure=false", got.Scheme)
	}
}
