// Package upstream holds the handle to a service's HTTP/2 multiplexed
// connection: the load balancer dials nothing itself (services always
// connect in, spec §1 Non-goals), so a ServiceConnection wraps an
// *http2.ClientConn built directly over an already-accepted socket.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/anthropics/lolb/internal/lolberr"
)

// ServiceConnection is a cheaply-handed-around reference to a
// service's HTTP/2 multiplexer. It is directly copyable/shareable —
// the original's "unsafe pointer trick to clone through a strong
// reference" (spec §9) has no analogue here, since *http2.ClientConn
// is already safe to use from multiple goroutines concurrently.
type ServiceConnection struct {
	id   string
	conn net.Conn
	cc   *http2.ClientConn
}

// transport is shared across all upstream connections: it carries no
// per-connection state of its own (golang.org/x/net/http2 keeps that
// on the ClientConn), only dial-time tuning knobs we don't use since
// we never dial.
var transport = &http2.Transport{
	AllowHTTP: true,
}

// New performs an HTTP/2 client handshake over conn (already
// authenticated via the preauth redemption in internal/dispatch) and
// returns the resulting multiplexer handle.
func New(id string, conn net.Conn) (*ServiceConnection, error) {
	cc, err := transport.NewClientConn(conn)
	if err != nil {
		return nil, lolberr.H2(fmt.Errorf("handshake with service %s: %w", id, err))
	}
	return &ServiceConnection{id: id, conn: conn, cc: cc}, nil
}

// ID returns the identifier this connection was registered under
// (used only for logging).
func (s *ServiceConnection) ID() string { return s.id }

// Alive reports whether the multiplexer can still accept a new
// request. A dead ServiceConnection is never returned by the router
// (spec §8 invariant 5) — this is the liveness check layered on top
// of the weak-pointer pool in internal/registry.
func (s *ServiceConnection) Alive() bool {
	return s.cc != nil && s.cc.CanTakeNewRequest()
}

// RoundTrip sends req to the service and returns its response. The
// caller owns streaming req.Body and resp.Body via the bridge
// (internal/bridge); golang.org/x/net/http2 performs the real HTTP/2
// flow-control handshake underneath as those bodies are read/written.
func (s *ServiceConnection) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.cc.RoundTrip(req)
	if err != nil {
		return nil, lolberr.H2(err)
	}
	return resp, nil
}

// Drive owns the strong reference to s for as long as the service
// connection should be considered registered: the registry
// (internal/registry) holds only a weak pointer, so once Drive
// returns and nothing else holds s, the weak pointer resolves to nil
// and the route is implicitly reaped (spec §9 "Weak-reference
// upstream pool"). Drive periodically pings the connection and
// returns as soon as it's no longer healthy or ctx is cancelled.
func (s *ServiceConnection) Drive(ctx context.Context, pingEvery time.Duration) {
	if pingEvery <= 0 {
		pingEvery = 15 * time.Second
	}
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingEvery)
			err := s.cc.Ping(pingCtx)
			cancel()
			if err != nil || !s.cc.CanTakeNewRequest() {
				return
			}
		}
	}
}

// Close tears down the underlying connection.
func (s *ServiceConnection) Close() error {
	return s.conn.Close()
}
