// Package lolberr defines the error taxonomy shared across the load
// balancer's connection pipeline.
package lolberr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for logging and for callers that branch on
// failure category. It never changes an error's Unwrap chain.
type Kind int

const (
	// KindIO covers network/socket failures.
	KindIO Kind = iota
	// KindAcme covers certificate issuance/persistence failures.
	KindAcme
	// KindH2 covers HTTP/2 protocol failures.
	KindH2
	// KindHTTP11Parse covers HTTP/1.1 wire-syntax failures.
	KindHTTP11Parse
	// KindHTTP covers header/URI construction failures.
	KindHTTP
	// KindProtocol covers framing invariant violations (e.g. "lolb"
	// preamble without a matching preauth record).
	KindProtocol
	// KindMessage is a static diagnostic with no underlying cause.
	KindMessage
	// KindOwned is a dynamic (formatted) diagnostic. Its only cause, if
	// any, is one of the sentinels below, so errors.Is can match it.
	KindOwned
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindAcme:
		return "acme"
	case KindH2:
		return "h2"
	case KindHTTP11Parse:
		return "http11parse"
	case KindHTTP:
		return "http"
	case KindProtocol:
		return "protocol"
	case KindMessage:
		return "message"
	case KindOwned:
		return "owned"
	default:
		return "unknown"
	}
}

// Error is the load balancer's error type. It always carries a Kind so
// callers can branch on failure category (cf. spec §7 propagation
// policy) without type-asserting on the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IO wraps a network/socket error.
func IO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Err: err}
}

// Acme wraps a certificate persistence/issuance error.
func Acme(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindAcme, Err: err}
}

// H2 wraps an HTTP/2 protocol error.
func H2(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindH2, Err: err}
}

// HTTP11Parse wraps an HTTP/1.1 parse error.
func HTTP11Parse(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindHTTP11Parse, Err: err}
}

// HTTP wraps a header/URI construction error.
func HTTP(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindHTTP, Err: err}
}

// Protocol reports a framing invariant violation.
func Protocol(msg string) error {
	return &Error{Kind: KindProtocol, Msg: msg}
}

// Protocolf reports a formatted framing invariant violation.
func Protocolf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

// Message returns a static diagnostic error.
func Message(msg string) error {
	return &Error{Kind: KindMessage, Msg: msg}
}

// Owned returns a formatted diagnostic error.
func Owned(format string, args ...interface{}) error {
	return &Error{Kind: KindOwned, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel errors used with errors.Is for well-known, recurring conditions.
var (
	// ErrIncomplete indicates a parser needs more buffered bytes before
	// it can decide whether the input is valid.
	ErrIncomplete = errors.New("incomplete")
	// ErrHeaderTooLarge indicates the HTTP/1.1 header block exceeded the
	// parser's buffer without a terminator.
	ErrHeaderTooLarge = errors.New("header too large")
	// ErrShortStream indicates the underlying stream ended before enough
	// bytes were available to make a framing decision.
	ErrShortStream = errors.New("stream ended short of expected bytes")
	// ErrNoRoute indicates no configured host matched the request.
	ErrNoRoute = errors.New("no route")
	// ErrNoUpstream indicates a route matched but has no live connection.
	ErrNoUpstream = errors.New("no live upstream")
	// ErrLimitExceeded indicates a LimitWriter received more bytes than
	// its declared content-length allowed.
	ErrLimitExceeded = errors.New("more bytes than limit allows")
	// ErrPreauthExpired indicates a Preauthed record aged out (>= 10s).
	ErrPreauthExpired = errors.New("preauth expired")
	// ErrPreauthNotFound indicates no preauth record exists for a key.
	ErrPreauthNotFound = errors.New("preauth not found")
	// ErrUnknownHost indicates a TLS ClientHello named a host that is
	// not configured in the registry, so no fallback certificate will
	// be minted for it.
	ErrUnknownHost = errors.New("host not configured")
)
