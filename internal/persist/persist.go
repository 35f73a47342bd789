// Package persist implements the small storage abstraction shared by
// the (out-of-scope) ACME certificate machinery and the in-scope
// preauth lifecycle (spec §4.9, §9 "Persistence trait bridging sync
// and async").
//
// certmagic.Storage is the real interface Go's ACME ecosystem (caddy,
// certmagic) expects a certificate store to satisfy; Store below is
// exactly that interface, so the same backing table can hold both
// kinds of record described by spec §6's PersistKey: Acme(<string>)
// and ReconnectKey(u64).
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caddyserver/certmagic"
	_ "modernc.org/sqlite"

	"github.com/anthropics/lolb/internal/lolberr"
	"github.com/anthropics/lolb/internal/preauth"
)

// reconnectKeyPrefix namespaces ReconnectKey records inside the same
// key-value table ACME certificate material lives in, keeping spec
// §4.9's single shared Persist capability literal rather than
// metaphorical.
const reconnectKeyPrefix = "reconnect/"

// Store is a SQLite-backed certmagic.Storage, and also the home of
// the preauth lifecycle's save/redeem operations. Both ACME (via the
// synchronous certmagic.Storage methods) and preauth (via
// SavePreauthed/RedeemPreauthed) share one underlying table and one
// worker pool.
type Store struct {
	db      *sql.DB
	workers chan func()
	done    chan struct{}
}

// Open opens (creating if needed) a SQLite-backed Store at path, and
// starts its blocking-worker pool. ACME's persistence calls are
// expected to block (spec §9), so workerCount dedicated goroutines
// absorb that without stalling the caller's own event loop.
func Open(path string, workerCount int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, lolberr.Acme(fmt.Errorf("opening store %s: %w", path, err))
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, matches teacher's sqlite store

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			modified TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, lolberr.Acme(fmt.Errorf("creating kv table: %w", err))
	}

	if workerCount <= 0 {
		workerCount = 4
	}
	s := &Store{
		db:      db,
		workers: make(chan func(), 64),
		done:    make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go s.work()
	}
	return s, nil
}

func (s *Store) work() {
	for {
		select {
		case fn := <-s.workers:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the worker pool and closes the database.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
}

// submit runs fn on the worker pool and blocks the caller until it
// completes — the "one-shot result channel" bridge spec §4.9
// describes, used by both the synchronous certmagic.Storage methods
// and the SavePreauthed/RedeemPreauthed preauth operations.
func (s *Store) submit(fn func() error) error {
	result := make(chan error, 1)
	s.workers <- func() { result <- fn() }
	return <-result
}

// --- certmagic.Storage ------------------------------------------------

var _ certmagic.Storage = (*Store)(nil)

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	return s.submit(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, modified) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, modified = excluded.modified`,
			key, value, time.Now())
		if err != nil {
			return lolberr.Acme(fmt.Errorf("storing %s: %w", key, err))
		}
		return nil
	})
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.submit(func() error {
		row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
		return row.Scan(&value)
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", key, certmagic.ErrNotExist(err))
	}
	if err != nil {
		return nil, lolberr.Acme(fmt.Errorf("loading %s: %w", key, err))
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.submit(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return lolberr.Acme(fmt.Errorf("deleting %s: %w", key, err))
		}
		return nil
	})
}

func (s *Store) Exists(ctx context.Context, key string) bool {
	var one int
	err := s.submit(func() error {
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key)
		return row.Scan(&one)
	})
	return err == nil
}

func (s *Store) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	var keys []string
	err := s.submit(func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE ?`, prefix+"%")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, lolberr.Acme(fmt.Errorf("listing %s: %w", prefix, err))
	}
	return keys, nil
}

func (s *Store) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	var info certmagic.KeyInfo
	err := s.submit(func() error {
		row := s.db.QueryRowContext(ctx, `SELECT key, length(value), modified FROM kv WHERE key = ?`, key)
		return row.Scan(&info.Key, &info.Size, &info.Modified)
	})
	if err == sql.ErrNoRows {
		return certmagic.KeyInfo{}, fmt.Errorf("%s: %w", key, certmagic.ErrNotExist(err))
	}
	if err != nil {
		return certmagic.KeyInfo{}, lolberr.Acme(fmt.Errorf("stat %s: %w", key, err))
	}
	info.IsTerminal = true
	return info, nil
}

// Lock/Unlock implement certmagic's distributed-lock hook. A single
// balancer process issues its own certificates, so these are no-ops —
// a multi-instance deployment would need a real row-lock here.
func (s *Store) Lock(ctx context.Context, key string) error   { return nil }
func (s *Store) Unlock(ctx context.Context, key string) error { return nil }

// --- preauth lifecycle --------------------------------------------------

// SavePreauthed persists a Preauthed record under key, asynchronously
// relative to the caller's own goroutine — it still blocks until the
// worker pool completes the write, matching spec §4.9's save/load
// shape (a future extension point would return a channel instead).
func (s *Store) SavePreauthed(ctx context.Context, key preauth.ReconnectKey, p preauth.Preauthed) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return s.Store(ctx, reconnectKeyPath(key), data)
}

// RedeemPreauthed loads and deletes a Preauthed record in one
// transaction — the spec leaves load-and-delete atomicity as an open
// question (§9); this resolves it in favor of atomic redemption so a
// key can never validate twice even under concurrent redeem attempts.
// It reports (zero, false, nil) if no record exists, and rejects
// records that aged past their TTL even though storage still held
// them (spec §8 invariant 7).
func (s *Store) RedeemPreauthed(ctx context.Context, key preauth.ReconnectKey) (preauth.Preauthed, bool, error) {
	path := reconnectKeyPath(key)
	var data []byte
	err := s.submit(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, path)
		if err := row.Scan(&data); err != nil {
			if err == sql.ErrNoRows {
				data = nil
				return tx.Commit()
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, path); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return preauth.Preauthed{}, false, lolberr.Acme(fmt.Errorf("redeeming preauth: %w", err))
	}
	if data == nil {
		return preauth.Preauthed{}, false, nil
	}
	p, err := preauth.Unmarshal(data)
	if err != nil {
		return preauth.Preauthed{}, false, err
	}
	if !p.Valid() {
		return preauth.Preauthed{}, false, lolberr.ErrPreauthExpired
	}
	return p, true, nil
}

func reconnectKeyPath(key preauth.ReconnectKey) string {
	return fmt.Sprintf("%s%020d", reconnectKeyPrefix, uint64(key))
}
