package upstream

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

// servePipe wires an http2.Server onto one end of a net.Pipe and hands
// the other end back for upstream.New to perform the client-side
// handshake over, mirroring how internal/dispatch hands an accepted
// service socket to upstream.New without ever dialing out.
func servePipe(t *testing.T, handler http.HandlerFunc) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	h2srv := &http2.Server{}
	go h2srv.ServeConn(server, &http2.ServeConnOpts{Handler: handler})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewHandshakeAndRoundTrip(t *testing.T) {
	conn := servePipe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	})

	sc, err := New("svc-1", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sc.Close()

	if sc.ID() != "svc-1" {
		t.Fatalf("got ID %q, want svc-1", sc.ID())
	}
	if !sc.Alive() {
		t.Fatal("a freshly handshaked connection must be alive")
	}

	req, err := http.NewRequest(http.MethodGet, "http://svc/hello", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := sc.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestCloseMakesConnectionUnusable(t *testing.T) {
	conn := servePipe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	sc, err := New("svc-1", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://svc/hello", nil)
	if _, err := sc.RoundTrip(req); err == nil {
		t.Fatal("expected RoundTrip to fail after Close")
	}
}

func TestDriveReturnsPromptlyWhenContextCancelled(t *testing.T) {
	conn := servePipe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	sc, err := New("svc-1", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Drive(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not return after context cancellation")
	}
}

func TestDriveReturnsWhenConnectionDies(t *testing.T) {
	conn := servePipe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	sc, err := New("svc-1", conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sc.Drive(context.Background(), 10*time.Millisecond)
		close(done)
	}()

	sc.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not notice the dead connection in time")
	}
}
