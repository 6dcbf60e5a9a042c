package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS kv_lists (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT NOT NULL,
	value BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, seq);`

// SQLiteStore is a single-file Store for local deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "xtal.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get returns the value for key or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key with an optional TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key from both tables.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return nil
}

// LPush appends rows; the highest seq is the list head.
func (s *SQLiteStore) LPush(ctx context.Context, key string, values ...[]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin push to %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, key, v); err != nil {
			return fmt.Errorf("failed to push to %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LRange returns the inclusive range [start, stop], head first.
func (s *SQLiteStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM kv_lists WHERE key = ? ORDER BY seq DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list %s: %w", key, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}

	lo, hi, ok := normalizeRange(start, stop, int64(len(values)))
	if !ok {
		return [][]byte{}, nil
	}
	return values[lo:hi], nil
}

// LTrim deletes every element outside [start, stop].
func (s *SQLiteStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trim of %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT seq FROM kv_lists WHERE key = ? ORDER BY seq DESC`, key)
	if err != nil {
		return fmt.Errorf("failed to read list %s: %w", key, err)
	}
	seqs, err := collectSeqs(rows)
	if err != nil {
		return fmt.Errorf("failed to scan list %s: %w", key, err)
	}

	lo, hi, ok := normalizeRange(start, stop, int64(len(seqs)))
	if !ok {
		_, err = tx.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM kv_lists WHERE key = ? AND (seq > ? OR seq < ?)`,
			key, seqs[lo], seqs[hi-1],
		)
	}
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", key, err)
	}
	return tx.Commit()
}

// seqRows is the part of *sql.Rows that collectSeqs reads.
type seqRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// collectSeqs reads every seq and closes rows, failing on any iteration error.
func collectSeqs(rows seqRows) ([]int64, error) {
	defer func() { _ = rows.Close() }()
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seqs, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
