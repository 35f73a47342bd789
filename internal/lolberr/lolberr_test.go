package lolberr

import (
	"errors"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := IO(errors.New("connection reset"))
	if !Is(err, KindIO) {
		t.Fatal("expected Is to match KindIO")
	}
	if Is(err, KindH2) {
		t.Fatal("expected Is not to match KindH2")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindIO) {
		t.Fatal("a plain error must never match any Kind")
	}
}

func TestNilCauseShortCircuitsToNilError(t *testing.T) {
	if IO(nil) != nil {
		t.Fatal("IO(nil) must return nil")
	}
	if Acme(nil) != nil {
		t.Fatal("Acme(nil) must return nil")
	}
}

func TestUnwrapExposesUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := H2(cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is must see through Error.Unwrap to the original cause")
	}
}

func TestSentinelsSurviveErrorsIsDirectly(t *testing.T) {
	// Sentinels are returned unwrapped by callers (e.g. registry.Route),
	// so errors.Is must work without ever going through *Error.
	if !errors.Is(ErrNoRoute, ErrNoRoute) {
		t.Fatal("ErrNoRoute must match itself via errors.Is")
	}
}
