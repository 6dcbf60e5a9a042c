package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS kv_lists (
	key   TEXT NOT NULL,
	seq   BIGSERIAL,
	value BYTEA NOT NULL,
	PRIMARY KEY (key, seq)
);`

// PostgresStore keeps entries and lists in two PostgreSQL tables.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

// OpenPostgres connects to databaseURL, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kv database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping kv database: %w", err)
	}

	store := &PostgresStore{pool: pool, owned: true}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool. Close does not close the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the kv tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create kv schema: %w", err)
	}
	return nil
}

// Get returns the value for key or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key with an optional TTL.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key from both tables.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM kv_entries WHERE key = $1`, key)
	batch.Queue(`DELETE FROM kv_lists WHERE key = $1`, key)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// LPush appends rows with increasing seq; the highest seq is the list head.
func (s *PostgresStore) LPush(ctx context.Context, key string, values ...[]byte) error {
	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(`INSERT INTO kv_lists (key, value) VALUES ($1, $2)`, key, v)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// LRange returns the inclusive range [start, stop], head first.
func (s *PostgresStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM kv_lists WHERE key = $1 ORDER BY seq DESC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan list %s: %w", key, err)
	}

	lo, hi, ok := normalizeRange(start, stop, int64(len(values)))
	if !ok {
		return [][]byte{}, nil
	}
	return values[lo:hi], nil
}

// LTrim deletes every element outside [start, stop].
func (s *PostgresStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin trim of %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT seq FROM kv_lists WHERE key = $1 ORDER BY seq DESC`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to read list %s: %w", key, err)
	}
	seqs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("failed to scan list %s: %w", key, err)
	}

	lo, hi, ok := normalizeRange(start, stop, int64(len(seqs)))
	if !ok {
		_, err = tx.Exec(ctx, `DELETE FROM kv_lists WHERE key = $1`, key)
	} else {
		// seqs are descending, so the window is [seqs[hi-1], seqs[lo]].
		_, err = tx.Exec(ctx,
			`DELETE FROM kv_lists WHERE key = $1 AND (seq > $2 OR seq < $3)`,
			key, seqs[lo], seqs[hi-1],
		)
	}
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() error {
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
