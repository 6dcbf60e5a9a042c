package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behaviour every backend must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got)

		require.NoError(t, store.Set(ctx, "a", []byte("2"), 0))
		got, err = store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", []byte("x"), 0))
		require.NoError(t, store.Delete(ctx, "gone"))
		_, err := store.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lists are head first", func(t *testing.T) {
		key := "history"
		for _, v := range []string{"one", "two", "three"} {
			require.NoError(t, store.LPush(ctx, key, []byte(v)))
		}

		all, err := store.LRange(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("three"), []byte("two"), []byte("one")}, all)

		head, err := store.LRange(ctx, key, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("three")}, head)
	})

	t.Run("trim caps length", func(t *testing.T) {
		key := "capped"
		for i := 0; i < 5; i++ {
			require.NoError(t, PushCapped(ctx, store, key, []byte{byte('a' + i)}, 3))
		}
		all, err := store.LRange(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("e"), []byte("d"), []byte("c")}, all)
	})

	t.Run("range on empty list", func(t *testing.T) {
		got, err := store.LRange(ctx, "nothing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("json helpers", func(t *testing.T) {
		type payload struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		require.NoError(t, SetJSON(ctx, store, "json", payload{Name: "x", Count: 3}, 0))
		var got payload
		require.NoError(t, GetJSON(ctx, store, "json", &got))
		assert.Equal(t, payload{Name: "x", Count: 3}, got)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "feedback", []byte("x"), time.Hour))
	_, err := store.Get(ctx, "feedback")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = store.Get(ctx, "feedback")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("abc"), 0))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)
}

func TestSQLiteStore_TTLExpiry(t *testing.T) {
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "run", []byte("x"), time.Minute))
	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "run")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeSeqRows struct {
	seqs   []int64
	err    error
	closed bool
}

func (r *fakeSeqRows) Next() bool { return len(r.seqs) > 0 }

func (r *fakeSeqRows) Scan(dest ...any) error {
	*dest[0].(*int64) = r.seqs[0]
	r.seqs = r.seqs[1:]
	return nil
}

func (r *fakeSeqRows) Err() error   { return r.err }
func (r *fakeSeqRows) Close() error { r.closed = true; return nil }

func TestCollectSeqs(t *testing.T) {
	rows := &fakeSeqRows{seqs: []int64{3, 2, 1}}
	seqs, err := collectSeqs(rows)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, seqs)
	assert.True(t, rows.closed)

	broken := errors.New("connection reset")
	rows = &fakeSeqRows{seqs: []int64{3}, err: broken}
	seqs, err = collectSeqs(rows)
	require.ErrorIs(t, err, broken)
	assert.Nil(t, seqs, "a truncated scan must not be used as the trim window")
	assert.True(t, rows.closed)
}

func TestNormalizeRange(t *testing.T) {
	tests := []struct {
		name           string
		start, stop    int64
		n              int64
		wantLo, wantHi int64
		wantOK         bool
	}{
		{"full", 0, -1, 5, 0, 5, true},
		{"head", 0, 0, 5, 0, 1, true},
		{"stop past end", 0, 99, 3, 0, 3, true},
		{"tail two", -2, -1, 5, 3, 5, true},
		{"empty list", 0, -1, 0, 0, 0, false},
		{"start after stop", 3, 1, 5, 0, 0, false},
		{"start past end", 7, 9, 5, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := normalizeRange(tt.start, tt.stop, tt.n)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantLo, lo)
				assert.Equal(t, tt.wantHi, hi)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "redis", "")
	assert.Error(t, err)
}
