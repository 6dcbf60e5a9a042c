// Package settings gives typed access to the admin-editable configuration kept
// in the KV store. Reads fall back to embedded defaults; failed writes are
// reported as warnings rather than errors.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/kv"
	"github.com/xtalsearch/xtal-web/internal/prompts"
)

// Persisted keys
const (
	KeyAspectsPrompt  = "aspects:prompt:system"
	KeyAspectsHistory = "aspects:prompt:history:system"
	KeyExplainPool    = "explain:prompts:pool"
	KeyExplainPrompt  = "explain:prompt:system"
)

// HistoryLimit is how many aspects prompt revisions are kept.
const HistoryLimit = 20

// DefaultMemoTTL is how long a read is served from the process memo.
const DefaultMemoTTL = 30 * time.Second

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// CollectionKey returns the key for a named per-collection settings document.
func CollectionKey(collection, name string) string {
	return fmt.Sprintf("admin:settings:%s:%s", collection, name)
}

// HistoryEntry is one saved aspects prompt revision.
type HistoryEntry struct {
	Prompt  string    `json:"prompt"`
	SavedAt time.Time `json:"savedAt"`
}

// SaveResult reports a write. Warning is set when persistence failed.
type SaveResult struct {
	Warning string `json:"warning,omitempty"`
}

// Prompt is a system prompt with its provenance.
type Prompt struct {
	Prompt    string `json:"prompt"`
	IsDefault bool   `json:"isDefault"`
}

type memoEntry struct {
	value     []byte
	found     bool
	expiresAt time.Time
}

// Store is the settings facade over a kv.Store.
type Store struct {
	kv        kv.Store
	logger    *zap.Logger
	opTimeout time.Duration
	memoTTL   time.Duration
	now       func() time.Time

	mu    sync.Mutex
	memo  map[string]memoEntry
	gen   map[string]uint64 // bumped by every write; stale loads are not memoized
	group singleflight.Group
}

// New creates a settings store.
func New(store kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:        store,
		logger:    logger,
		opTimeout: kv.DefaultOpTimeout,
		memoTTL:   DefaultMemoTTL,
		now:       time.Now,
		memo:      make(map[string]memoEntry),
		gen:       make(map[string]uint64),
	}
}

// ValidateName rejects collection and settings names that cannot be used in a key.
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return apperr.InvalidInput("invalid %s %q", kind, name)
	}
	return nil
}

// AspectsPrompt returns the stored aspects system prompt or the default.
func (s *Store) AspectsPrompt(ctx context.Context) Prompt {
	if v, ok := s.readString(ctx, KeyAspectsPrompt); ok {
		return Prompt{Prompt: v}
	}
	return Prompt{Prompt: prompts.MustGet(prompts.XtalFile, "aspects-system"), IsDefault: true}
}

// SetAspectsPrompt stores prompt and records it in the history list.
func (s *Store) SetAspectsPrompt(ctx context.Context, prompt string) SaveResult {
	if err := s.write(ctx, KeyAspectsPrompt, []byte(prompt)); err != nil {
		return s.warn("aspects prompt", err)
	}

	entry, _ := json.Marshal(HistoryEntry{Prompt: prompt, SavedAt: s.now().UTC()})
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := kv.PushCapped(ctx, s.kv, KeyAspectsHistory, entry, HistoryLimit); err != nil {
		return s.warn("aspects prompt history", err)
	}
	return SaveResult{}
}

// AspectsHistory returns saved aspects prompts, newest first.
func (s *Store) AspectsHistory(ctx context.Context) ([]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.kv.LRange(ctx, KeyAspectsHistory, 0, HistoryLimit-1)
	if err != nil {
		return nil, apperr.Upstream(err, "read prompt history")
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			s.logger.Warn("skipping malformed prompt history entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ExplainPrompt returns the stored explain system prompt or the default.
func (s *Store) ExplainPrompt(ctx context.Context) Prompt {
	if v, ok := s.readString(ctx, KeyExplainPrompt); ok {
		return Prompt{Prompt: v}
	}
	return Prompt{Prompt: prompts.MustGet(prompts.XtalFile, "explain-system"), IsDefault: true}
}

// ExplainPool returns the stored explain prompt pool, which may be empty.
func (s *Store) ExplainPool(ctx context.Context) []string {
	raw, ok := s.read(ctx, KeyExplainPool)
	if !ok {
		return nil
	}
	var pool []string
	if err := json.Unmarshal(raw, &pool); err != nil {
		s.logger.Warn("ignoring malformed explain prompt pool", zap.Error(err))
		return nil
	}
	out := pool[:0]
	for _, p := range pool {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// PickExplainPrompt returns a random prompt from the pool, or the explain prompt
// when the pool is empty.
func (s *Store) PickExplainPrompt(ctx context.Context) string {
	if pool := s.ExplainPool(ctx); len(pool) > 0 {
		return pool[rand.IntN(len(pool))]
	}
	return s.ExplainPrompt(ctx).Prompt
}

// SetExplainPrompt stores the explain prompt and, when pool is non-nil, the pool.
func (s *Store) SetExplainPrompt(ctx context.Context, prompt string, pool []string) SaveResult {
	if prompt != "" {
		if err := s.write(ctx, KeyExplainPrompt, []byte(prompt)); err != nil {
			return s.warn("explain prompt", err)
		}
	}
	if pool != nil {
		data, err := json.Marshal(pool)
		if err != nil {
			return s.warn("explain prompt pool", err)
		}
		if err := s.write(ctx, KeyExplainPool, data); err != nil {
			return s.warn("explain prompt pool", err)
		}
	}
	return SaveResult{}
}

// Collection returns the settings document for collection/name. A missing
// document or store failure yields an empty map.
func (s *Store) Collection(ctx context.Context, collection, name string) (map[string]any, error) {
	if err := ValidateName("collection", collection); err != nil {
		return nil, err
	}
	if err := ValidateName("settings name", name); err != nil {
		return nil, err
	}

	values := map[string]any{}
	raw, ok := s.read(ctx, CollectionKey(collection, name))
	if !ok {
		return values, nil
	}
	if err := decodeNumbers(raw, &values); err != nil || values == nil {
		s.logger.Warn("ignoring malformed collection settings",
			zap.String("collection", collection), zap.String("name", name), zap.Error(err))
		return map[string]any{}, nil
	}
	return values, nil
}

// decodeNumbers decodes a single JSON value keeping numbers as json.Number,
// so large integers and decimal formatting survive a round trip.
func decodeNumbers(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// SetCollection replaces the settings document for collection/name.
func (s *Store) SetCollection(ctx context.Context, collection, name string, values map[string]any) (SaveResult, error) {
	if err := ValidateName("collection", collection); err != nil {
		return SaveResult{}, err
	}
	if err := ValidateName("settings name", name); err != nil {
		return SaveResult{}, err
	}
	data, err := json.Marshal(values)
	if err != nil {
		return SaveResult{}, apperr.InvalidInput("settings must be a JSON object")
	}
	if err := s.write(ctx, CollectionKey(collection, name), data); err != nil {
		return s.warn("collection settings", err), nil
	}
	return SaveResult{}, nil
}

func (s *Store) readString(ctx context.Context, key string) (string, bool) {
	raw, ok := s.read(ctx, key)
	if !ok || strings.TrimSpace(string(raw)) == "" {
		return "", false
	}
	return string(raw), true
}

// read returns the value for key through the memo. Store errors are logged and
// reported as a miss so callers fall back to defaults.
func (s *Store) read(ctx context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	if entry, ok := s.memo[key]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.value, entry.found
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		s.mu.Lock()
		gen := s.gen[key]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
		defer cancel()

		value, err := s.kv.Get(ctx, key)
		found := true
		if errors.Is(err, kv.ErrNotFound) {
			found, err = false, nil
		}
		if err != nil {
			return nil, err
		}

		entry := memoEntry{value: value, found: found, expiresAt: s.now().Add(s.memoTTL)}
		s.mu.Lock()
		if s.gen[key] == gen {
			s.memo[key] = entry
		}
		s.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		s.logger.Warn("settings read failed, using default", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	entry := v.(memoEntry)
	return entry.value, entry.found
}

func (s *Store) write(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	s.invalidate(key)
	err := s.kv.Set(ctx, key, value, 0)
	// A load that raced the write may have memoized the old value.
	s.invalidate(key)
	return err
}

func (s *Store) invalidate(key string) {
	s.mu.Lock()
	s.gen[key]++
	delete(s.memo, key)
	s.mu.Unlock()
	s.group.Forget(key)
}

func (s *Store) warn(what string, err error) SaveResult {
	s.logger.Warn("settings write failed", zap.String("setting", what), zap.Error(err))
	return SaveResult{Warning: fmt.Sprintf("%s was not persisted; changes may not survive a restart", what)}
}
