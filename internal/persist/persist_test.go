package persist

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/preauth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoadDeleteRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "acme/foo", []byte("bar")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Load(ctx, "acme/foo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "bar" {
		t.Fatalf("got %q, want %q", got, "bar")
	}
	if !s.Exists(ctx, "acme/foo") {
		t.Fatal("Exists must report true for a stored key")
	}

	if err := s.Delete(ctx, "acme/foo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(ctx, "acme/foo") {
		t.Fatal("Exists must report false after Delete")
	}
}

func TestLoadMissingKeyReturnsNotExistError(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "acme/missing")
	if err == nil {
		t.Fatal("expected an error for a missing key")
	}
	if !strings.Contains(err.Error(), "acme/missing") {
		t.Fatalf("expected error to name the missing key, got %v", err)
	}
}

func TestStoreOverwritesExistingKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "acme/foo", []byte("v1")); err != nil {
		t.Fatalf("Store v1: %v", err)
	}
	if err := s.Store(ctx, "acme/foo", []byte("v2")); err != nil {
		t.Fatalf("Store v2: %v", err)
	}
	got, err := s.Load(ctx, "acme/foo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("got %q, want %q (overwrite)", got, "v2")
	}
}

func TestListReturnsKeysMatchingPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"acme/a", "acme/b", "other/c"} {
		if err := s.Store(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Store %s: %v", k, err)
		}
	}
	keys, err := s.List(ctx, "acme/", true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}

func TestStatReportsSizeAndModified(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, "acme/foo", []byte("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	info, err := s.Stat(ctx, "acme/foo")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len("hello")) {
		t.Fatalf("got size %d, want %d", info.Size, len("hello"))
	}
	if !info.IsTerminal {
		t.Fatal("a leaf key must report IsTerminal")
	}
}

func TestLockUnlockAreNoops(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Lock(ctx, "acme/foo"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := s.Unlock(ctx, "acme/foo"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestSaveThenRedeemPreauthedSucceedsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := preauth.NewReconnectKey()
	if err != nil {
		t.Fatalf("NewReconnectKey: %v", err)
	}
	want := preauth.New("example.com", "svc.example.com", "/api")

	if err := s.SavePreauthed(ctx, key, want); err != nil {
		t.Fatalf("SavePreauthed: %v", err)
	}

	got, ok, err := s.RedeemPreauthed(ctx, key)
	if err != nil {
		t.Fatalf("RedeemPreauthed: %v", err)
	}
	if !ok {
		t.Fatal("expected redemption to succeed")
	}
	if got.Domain != want.Domain || got.Host != want.Host || got.Prefix != want.Prefix {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Second redemption of the same key must fail: one-shot semantics
	// (spec §8 invariant 6).
	_, ok, err = s.RedeemPreauthed(ctx, key)
	if err != nil {
		t.Fatalf("second RedeemPreauthed: %v", err)
	}
	if ok {
		t.Fatal("a ReconnectKey must not be redeemable twice")
	}
}

func TestRedeemUnknownKeyReportsNotFoundWithoutError(t *testing.T) {
	s := openTestStore(t)
	key, err := preauth.NewReconnectKey()
	if err != nil {
		t.Fatalf("NewReconnectKey: %v", err)
	}
	_, ok, err := s.RedeemPreauthed(context.Background(), key)
	if err != nil {
		t.Fatalf("RedeemPreauthed: %v", err)
	}
	if ok {
		t.Fatal("an unsaved key must never redeem successfully")
	}
}

func TestRedeemRejectsExpiredRecordEvenThoughStillStored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := preauth.NewReconnectKey()
	if err != nil {
		t.Fatalf("NewReconnectKey: %v", err)
	}
	expired := preauth.New("example.com", "svc.example.com", "/")
	expired.Created = time.Now().Add(-preauth.TTL - time.Second)

	if err := s.SavePreauthed(ctx, key, expired); err != nil {
		t.Fatalf("SavePreauthed: %v", err)
	}

	_, ok, err := s.RedeemPreauthed(ctx, key)
	if ok {
		t.Fatal("an aged-out record must be rejected even though storage still held it")
	}
	if !errors.Is(err, lolberr.ErrPreauthExpired) {
		t.Fatalf("expected ErrPreauthExpired, got %v", err)
	}
}
