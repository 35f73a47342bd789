package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/anthropics/lolb/internal/message"
	"github.com/anthropics/lolb/internal/peekconn"
	"github.com/anthropics/lolb/internal/persist"
	"github.com/anthropics/lolb/internal/preauth"
	"github.com/anthropics/lolb/internal/registry"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "store.db"), 2)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	reg.Configure([]*registry.Domain{{
		Name: "example.com",
		Auth: registry.Auth{PresharedKey: "topsecret"},
	}})
	return New(reg, store, slog.New(slog.DiscardHandler))
}

func TestPeekPreauthPrefixDetectsReconnect(t *testing.T) {
	key := preauth.ReconnectKey(0x0102030405060708)
	wire := append([]byte(preauth.WirePrefix), key.Bytes()...)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() { client.Write(wire) }()

	pc := peekconn.New(server, peekconn.Unknown, false)
	got, isReconnect, err := peekPreauthPrefix(pc)
	if err != nil {
		t.Fatalf("peekPreauthPrefix: %v", err)
	}
	if !isReconnect {
		t.Fatal("expected reconnect prefix to be recognized")
	}
	if got != key {
		t.Fatalf("got key %x, want %x", uint64(got), uint64(key))
	}
}

func TestPeekPreauthPrefixLeavesOrdinaryRequestUntouched(t *testing.T) {
	wire := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() { client.Write(wire) }()

	pc := peekconn.New(server, peekconn.Unknown, false)
	_, isReconnect, err := peekPreauthPrefix(pc)
	if err != nil {
		t.Fatalf("peekPreauthPrefix: %v", err)
	}
	if isReconnect {
		t.Fatal("an ordinary request must not be treated as a reconnect")
	}

	buf := make([]byte, len(wire))
	if _, err := io.ReadFull(pc, buf); err != nil {
		t.Fatalf("reading back peeked bytes: %v", err)
	}
	if !bytes.Equal(buf, wire) {
		t.Fatalf("peek consumed bytes it should have left for the parser: got %q", buf)
	}
}

func TestDispatchRequestKeepAlive(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.dispatchRequest(context.Background(), &message.Request{
		Method: "GET",
		Path:   PathKeepAlive,
		Header: http.Header{},
		Body:   message.EmptyBody(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestHandleNodeRegisterRejectsBadSecret(t *testing.T) {
	d := newTestDispatcher(t)
	body, _ := json.Marshal(RegisterRequest{Domain: "example.com", Host: "svc.example.com", Prefix: "/", Secret: "wrong"})

	resp := d.handleNodeRegister(context.Background(), &message.Request{
		Method: "POST",
		Path:   PathNodeRegister,
		Header: http.Header{},
		Body:   message.NewReaderBody(io.NopCloser(bytes.NewReader(body)), 1024),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
}

func TestHandleNodeRegisterIssuesReconnectKey(t *testing.T) {
	d := newTestDispatcher(t)
	body, _ := json.Marshal(RegisterRequest{Domain: "example.com", Host: "svc.example.com", Prefix: "/", Secret: "topsecret"})

	resp := d.handleNodeRegister(context.Background(), &message.Request{
		Method: "POST",
		Path:   PathNodeRegister,
		Header: http.Header{},
		Body:   message.NewReaderBody(io.NopCloser(bytes.NewReader(body)), 1024),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	wire, err := drainBody(context.Background(), resp.Body)
	if err != nil {
		t.Fatalf("drain body: %v", err)
	}
	if len(wire) != preauth.WireLen {
		t.Fatalf("got %d bytes, want %d", len(wire), preauth.WireLen)
	}
	if string(wire[:4]) != preauth.WirePrefix {
		t.Fatalf("got prefix %q", wire[:4])
	}
}
