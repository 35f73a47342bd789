// Package dispatch implements the per-connection state machine that
// decides whether an accepted socket is a service reconnecting to
// claim a route, or a client to be served, and drives its request
// loop thereafter (spec §4.8 "Dispatcher").
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/anthropics/lolb/internal/bridge"
	"github.com/anthropics/lolb/internal/http11"
	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/message"
	"github.com/anthropics/lolb/internal/peekconn"
	"github.com/anthropics/lolb/internal/persist"
	"github.com/anthropics/lolb/internal/preauth"
	"github.com/anthropics/lolb/internal/registry"
	"github.com/anthropics/lolb/internal/reqnorm"
	"github.com/anthropics/lolb/internal/respond"
	"github.com/anthropics/lolb/internal/upstream"
)

// Reserved client-facing paths that the dispatcher answers itself
// rather than routing to a service (spec §6).
const (
	PathNodeRegister = "/__lolb_node_register"
	PathKeepAlive    = "/__lolb_keep_alive"
)

// RegisterRequest is the body a service POSTs to PathNodeRegister to
// authenticate and claim a route. The wire format is not prescribed
// by spec §6 beyond "authenticates ... receives (as body) a fresh
// ReconnectKey"; a small JSON envelope is this implementation's
// resolution of that open question (see DESIGN.md).
type RegisterRequest struct {
	Domain string `json:"domain"`
	Host   string `json:"host"`
	Prefix string `json:"prefix"`
	Secret string `json:"secret"`
}

// Dispatcher owns the shared registry and preauth store that every
// accepted connection's state machine consults.
type Dispatcher struct {
	Registry *registry.Registry
	Store    *persist.Store
	Logger   *slog.Logger

	h2Server  *http2.Server
	pingEvery time.Duration
}

// New builds a Dispatcher ready to handle connections.
func New(reg *registry.Registry, store *persist.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Registry:  reg,
		Store:     store,
		Logger:    logger,
		h2Server:  &http2.Server{},
		pingEvery: 15 * time.Second,
	}
}

// Handle runs one accepted connection's state machine to completion.
// Per-connection errors are logged and swallowed here; only the
// acceptor loop that calls Handle in its own goroutine can decide to
// stop accepting (spec §7: "Inside the accept loop: per-connection
// errors are logged and swallowed").
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn, secure bool) {
	pc := peekconn.New(conn, peekconn.Unknown, secure)
	defer pc.Close()

	key, isReconnect, err := peekPreauthPrefix(pc)
	if err != nil {
		d.Logger.Warn("dispatch: peek preauth prefix", "err", err)
		return
	}

	if isReconnect {
		d.handleServiceUpstream(ctx, pc, key)
		return
	}

	d.handleClientFacing(ctx, pc, secure)
}

// peekPreauthPrefix looks at the first 12 bytes without consuming
// them from the stream if they don't match, so a plain client
// connection's request line is left untouched for normal parsing
// (spec §6: 4-byte "lolb" literal + 8-byte big-endian ReconnectKey).
func peekPreauthPrefix(pc *peekconn.Conn) (preauth.ReconnectKey, bool, error) {
	buf := make([]byte, preauth.WireLen)
	n, err := pc.Peek(buf, func(b []byte) bool { return len(b) >= preauth.WireLen })
	if err != nil {
		return 0, false, lolberr.IO(err)
	}
	if n < preauth.WireLen || !bytes.Equal(buf[:len(preauth.WirePrefix)], []byte(preauth.WirePrefix)) {
		return 0, false, nil
	}
	if err := pc.Discard(preauth.WireLen); err != nil {
		return 0, false, lolberr.IO(err)
	}
	return preauth.ParseReconnectKey(buf[len(preauth.WirePrefix):]), true, nil
}

// handleServiceUpstream redeems key, flips the connection to an
// HTTP/2 client role, and registers the resulting multiplexer as a
// weak upstream under the redeemed record's route (spec §4.8
// "ServiceUpstream" transition, §8 S3).
func (d *Dispatcher) handleServiceUpstream(ctx context.Context, pc *peekconn.Conn, key preauth.ReconnectKey) {
	p, ok, err := d.Store.RedeemPreauthed(ctx, key)
	if err != nil {
		d.Logger.Warn("dispatch: redeem preauth", "err", err)
		return
	}
	if !ok {
		d.Logger.Warn("dispatch: reconnect with unknown or expired key", "key", uint64(key))
		return
	}

	id := uuid.NewString()
	sc, err := upstream.New(id, pc)
	if err != nil {
		d.Logger.Warn("dispatch: upstream handshake", "err", err, "domain", p.Domain, "host", p.Host)
		return
	}
	d.Registry.AddPreauthed(p, sc)
	d.Logger.Info("dispatch: service registered", "id", id, "domain", p.Domain, "host", p.Host, "prefix", p.Prefix)

	sc.Drive(ctx, d.pingEvery) // blocks until the connection is no longer healthy
	sc.Close()
}

// handleClientFacing determines the client's HTTP version and runs
// its request loop (spec §4.8 "ClientFacing" transition).
func (d *Dispatcher) handleClientFacing(ctx context.Context, pc *peekconn.Conn, secure bool) {
	version, err := reqnorm.DetectVersion(ctx, pc)
	if err != nil {
		d.Logger.Warn("dispatch: version detection", "err", err)
		return
	}

	switch version {
	case peekconn.HTTP2:
		d.h2Server.ServeConn(pc, &http2.ServeConnOpts{
			Context: ctx,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				d.serveHTTP2Stream(ctx, w, r, secure)
			}),
		})
	case peekconn.HTTP11:
		d.serveHTTP11Loop(ctx, pc, secure)
	}
}

// serveHTTP11Loop parses and answers requests one at a time, strictly
// serialized within the connection (spec §5 "Within a single HTTP/1.1
// connection, requests are strictly serialized").
func (d *Dispatcher) serveHTTP11Loop(ctx context.Context, pc *peekconn.Conn, secure bool) {
	for {
		req, err := http11.ParseRequest(ctx, pc, secure)
		if err != nil {
			d.Logger.Warn("dispatch: parse http/1.1 request", "err", err)
			return
		}
		if req == nil {
			return // peer closed cleanly between requests
		}

		resp := d.dispatchRequest(ctx, req)
		if err := respond.WriteHTTP11(ctx, pc, resp); err != nil {
			d.Logger.Warn("dispatch: write http/1.1 response", "err", err)
			return
		}
	}
}

// serveHTTP2Stream answers a single HTTP/2 stream delivered by
// golang.org/x/net/http2's server handler. Streams on one connection
// are independent (spec §5), so each runs inline on its own handler
// goroutine.
func (d *Dispatcher) serveHTTP2Stream(ctx context.Context, w http.ResponseWriter, r *http.Request, secure bool) {
	req := reqnorm.FromHTTP2(r, secure)
	resp := d.dispatchRequest(ctx, req)

	window := bridge.NewFlowWindow(64 * 1024)
	if err := respond.WriteHTTP2(ctx, w, resp, window); err != nil {
		d.Logger.Warn("dispatch: write http/2 response", "err", err)
	}
}

// dispatchRequest answers the two reserved control paths directly,
// and otherwise routes to a service and bridges the exchange (spec
// §4.8, §6).
func (d *Dispatcher) dispatchRequest(ctx context.Context, req *message.Request) *message.Response {
	switch req.Path {
	case PathKeepAlive:
		return textResponse(http.StatusOK, "ok")
	case PathNodeRegister:
		return d.handleNodeRegister(ctx, req)
	}
	return d.proxy(ctx, req)
}

// handleNodeRegister authenticates a service and issues a fresh
// ReconnectKey for it to redeem on its subsequent upstream connection
// (spec §6).
func (d *Dispatcher) handleNodeRegister(ctx context.Context, req *message.Request) *message.Response {
	body, err := drainBody(ctx, req.Body)
	if err != nil {
		return textResponse(http.StatusBadRequest, "malformed registration body")
	}
	var rr RegisterRequest
	if err := json.Unmarshal(body, &rr); err != nil {
		return textResponse(http.StatusBadRequest, "malformed registration body")
	}
	if !d.Registry.IsValidSecret(rr.Domain, rr.Secret) {
		return textResponse(http.StatusUnauthorized, "invalid secret")
	}

	key, err := preauth.NewReconnectKey()
	if err != nil {
		d.Logger.Warn("dispatch: generate reconnect key", "err", err)
		return textResponse(http.StatusInternalServerError, "internal error")
	}
	p := preauth.New(rr.Domain, rr.Host, rr.Prefix)
	if err := d.Store.SavePreauthed(ctx, key, p); err != nil {
		d.Logger.Warn("dispatch: save preauth", "err", err)
		return textResponse(http.StatusInternalServerError, "internal error")
	}

	wire := append([]byte(preauth.WirePrefix), key.Bytes()...)
	return &message.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:          message.NewReaderBody(io.NopCloser(bytes.NewReader(wire)), len(wire)),
		ContentLength: int64(len(wire)),
	}
}

// proxy routes req to a live upstream and bridges both legs of the
// exchange (spec §4.6). Routing failures and upstream disconnects are
// per-request faults: they close only this request/stream (spec §7).
func (d *Dispatcher) proxy(ctx context.Context, req *message.Request) *message.Response {
	host := registry.HostFromAuthority(req.Authority)
	sc, err := d.Registry.Route(host, req.Path)
	if err != nil {
		d.Logger.Warn("dispatch: route", "err", err, "host", host, "path", req.Path)
		return textResponse(http.StatusBadGateway, "bad gateway")
	}

	pr, pw := io.Pipe()
	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.Scheme+"://"+req.Authority+req.Path, pr)
	if err != nil {
		return textResponse(http.StatusBadGateway, "bad gateway")
	}
	outReq.Header = req.Header.Clone()

	go func() {
		window := bridge.NewFlowWindow(64 * 1024)
		sink := bridge.NewHttp2Sink(pw, pw.Close)
		if _, err := bridge.Stream(ctx, req.Body, sink, window); err != nil {
			pw.CloseWithError(err)
		}
	}()

	upResp, err := sc.RoundTrip(outReq)
	if err != nil {
		return textResponse(http.StatusBadGateway, "bad gateway")
	}

	return &message.Response{
		StatusCode:    upResp.StatusCode,
		Header:        upResp.Header.Clone(),
		Body:          message.NewReaderBody(upResp.Body, 32*1024),
		ContentLength: upResp.ContentLength,
	}
}

func textResponse(status int, text string) *message.Response {
	return &message.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          message.NewReaderBody(io.NopCloser(bytes.NewReader([]byte(text))), len(text)),
		ContentLength: int64(len(text)),
	}
}

func drainBody(ctx context.Context, body message.RecvBody) ([]byte, error) {
	var out []byte
	for {
		chunk, err := body.Next(ctx)
		out = append(out, chunk...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
