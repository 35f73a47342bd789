// Package server owns the listener lifecycle: one TCP socket accepting
// both service reconnections and client requests, TLS termination
// (ACME-issued where certmagic has a certificate, self-signed
// fallback otherwise), and handing each accepted connection to a
// dispatch.Dispatcher (spec §1, §7 "Accept Loop").
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"

	"github.com/anthropics/lolb/internal/dispatch"
	internaltls "github.com/anthropics/lolb/internal/tls"
)

// Server accepts connections on one listener and dispatches each to a
// Dispatcher. Plain and TLS-terminated sockets both funnel through the
// same accept loop; the dispatcher tells callers whether a given
// connection was secure via the secure flag it's handed.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	tlsConfig  *tls.Config
	shutdown   sync.WaitGroup
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithACME wires certmagic to the shared persist.Store so listed
// domains are issued real certificates, falling back to a self-signed
// CertCache for hosts certmagic has no certificate for yet (e.g. a
// service host that just registered and hasn't completed an ACME
// issuance cycle).
func WithACME(magic *certmagic.Config, fallback *internaltls.CertCache) Option {
	return func(s *Server) {
		acmeTLSConfig := magic.TLSConfig()
		acmeGetCert := acmeTLSConfig.GetCertificate
		s.tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert, err := acmeGetCert(hello)
				if err == nil {
					return cert, nil
				}
				if fallback == nil {
					return nil, err
				}
				return fallback.GetCertificate(hello)
			},
			NextProtos: []string{"h2", "http/1.1"},
		}
	}
}

// WithSelfSignedTLS terminates TLS entirely with a self-signed CertCache,
// for offline or local deployments with no ACME-reachable domain.
func WithSelfSignedTLS(cache *internaltls.CertCache) Option {
	return func(s *Server) {
		s.tlsConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: cache.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
	}
}

// New builds a Server listening on addr and routing accepted
// connections to dispatcher.
func New(addr string, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, dispatcher: dispatcher, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on s.addr and accepts connections until ctx is
// cancelled, at which point the listener is closed and Serve returns
// once all in-flight Dispatcher.Handle calls have returned.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop on an already-bound listener,
// letting a caller reserve the socket (e.g. to probe for a free port)
// before Server takes ownership of it.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("server: shutting down")
		ln.Close()
	}()

	s.logger.Info("server: listening", "addr", s.addr, "tls", s.tlsConfig != nil)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.waitForDrain()
			default:
				s.logger.Warn("server: accept", "err", err)
				continue
			}
		}

		s.shutdown.Add(1)
		go func() {
			defer s.shutdown.Done()
			s.dispatcher.Handle(ctx, conn, s.tlsConfig != nil)
		}()
	}
}

// drainTimeout bounds how long Serve waits for in-flight connections
// once ctx is cancelled and the listener has stopped accepting, before
// giving up and returning anyway. Dispatcher.Handle itself owns
// per-connection teardown; this is only a backstop for Serve's own
// return.
const drainTimeout = 30 * time.Second

func (s *Server) waitForDrain() error {
	done := make(chan struct{})
	go func() {
		s.shutdown.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("server: drain timeout exceeded, returning with connections still live")
	}
	return nil
}
