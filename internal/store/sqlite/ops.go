// Package sqlite implements store.OpsStore on top of an embedded
// modernc.org/sqlite database (infra.db per spec §6), backing the
// Dispatcher's hot-path idempotency and rate-limit checks plus the audit
// events log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency (
	key TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	body_blob BLOB,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rate (
	bucket TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	time INTEGER NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	message TEXT,
	metadata TEXT,
	expires_at INTEGER
);
`

// OpsStore is the sqlite-backed store.OpsStore implementation.
type OpsStore struct {
	db *sql.DB
}

func Open(dataDir string) (*OpsStore, error) {
	path := filepath.Join(dataDir, "infra.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ConfigMissing, "open infra.db", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, engineerr.Wrap(engineerr.ConfigMissing, "migrate infra.db", err)
	}
	return &OpsStore{db: db}, nil
}

func (s *OpsStore) Close() error { return s.db.Close() }

// CheckAndReserveIdempotency implements the §4.F step-2 idempotency check
// as a single O(1) lookup+insert. Expired records are treated as absent and
// overwritten.
func (s *OpsStore) CheckAndReserveIdempotency(ctx context.Context, key, hash string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	var existingHash string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT hash, expires_at FROM idempotency WHERE key = ?`, key).Scan(&existingHash, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return false, engineerr.Wrap(engineerr.TransientIO, "idempotency lookup", err)
	default:
		if existingHash == hash && expiresAt > now {
			return true, nil // duplicate, still live
		}
		// different body under the same key, or an expired record: fall
		// through to overwrite rather than report a false duplicate.
	}

	expires := now + ttl.Milliseconds()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, hash, body_blob, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET hash=excluded.hash, expires_at=excluded.expires_at`,
		key, hash, []byte{}, expires)
	if err != nil {
		return false, engineerr.Wrap(engineerr.TransientIO, "idempotency reserve", err)
	}
	return false, nil
}

// RateAllow implements a sliding-window counter per bucket (§3 RateCounter).
// A new window starts once `window` has elapsed since window_start; within
// a window, count increments until it reaches max.
func (s *OpsStore) RateAllow(ctx context.Context, bucket string, window time.Duration, max int) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, engineerr.Wrap(engineerr.TransientIO, "rate tx begin", err)
	}
	defer tx.Rollback()

	var windowStart int64
	var count int
	err = tx.QueryRowContext(ctx, `SELECT window_start, count FROM rate WHERE bucket = ?`, bucket).Scan(&windowStart, &count)
	switch {
	case err == sql.ErrNoRows:
		windowStart, count = now, 0
	case err != nil:
		return false, 0, engineerr.Wrap(engineerr.TransientIO, "rate lookup", err)
	}

	if now-windowStart >= windowMs {
		windowStart, count = now, 0
	}

	if count >= max {
		retryAfter := time.Duration(windowStart+windowMs-now) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	count++
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rate (bucket, window_start, count) VALUES (?, ?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET window_start=excluded.window_start, count=excluded.count`,
		bucket, windowStart, count)
	if err != nil {
		return false, 0, engineerr.Wrap(engineerr.TransientIO, "rate update", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, engineerr.Wrap(engineerr.TransientIO, "rate tx commit", err)
	}
	return true, 0, nil
}

func (s *OpsStore) RecordEvent(ctx context.Context, ev store.Event) error {
	meta, _ := json.Marshal(ev.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, time, status, source, message, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.Time.UnixMilli(), ev.Status, ev.Source, ev.Message, string(meta))
	if err != nil {
		return engineerr.Wrap(engineerr.TransientIO, "record event", err)
	}
	return nil
}
