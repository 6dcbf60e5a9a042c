// Package kv provides the key-value store used for settings, feedback, grader
// runs and reports. Values are opaque bytes with optional TTL; lists support
// the push/range/trim subset needed for history and indexes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when a key is missing or expired.
var ErrNotFound = errors.New("kv: key not found")

// DefaultOpTimeout bounds a single store operation.
const DefaultOpTimeout = 3 * time.Second

// Store is the key-value contract. A ttl of zero means no expiry.
// Lists are ordered newest first: LPush prepends, index 0 is the head.
// Negative list indexes count from the tail as in Redis (-1 is the last element).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	LPush(ctx context.Context, key string, values ...[]byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	Close() error
}

// GetJSON loads key and decodes it into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// PushCapped prepends value to a list and trims it to at most max entries.
func PushCapped(ctx context.Context, s Store, key string, value []byte, max int64) error {
	if err := s.LPush(ctx, key, value); err != nil {
		return err
	}
	return s.LTrim(ctx, key, 0, max-1)
}

// normalizeRange converts Redis-style inclusive indexes to a [lo, hi) slice
// window over a list of length n. ok is false when the window is empty.
func normalizeRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

// Open returns a store for the given backend name.
// Supported backends: "memory", "sqlite" (dsn is a file path), "postgres" (dsn is a URL).
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", backend)
	}
}
