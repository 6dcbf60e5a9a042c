// Package feedback persists shopper relevance feedback relayed through the proxy.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/apperr"
	"github.com/xtalsearch/xtal-web/internal/kv"
)

// Keys and retention
const (
	IndexKey  = "sq:feedback:index"
	TTL       = 90 * 24 * time.Hour
	IndexSize = 1000
)

// Key returns the storage key for one feedback entry.
func Key(id string) string {
	return "sq:feedback:" + id
}

// Entry is one piece of relevance feedback. Payload keeps the request as sent.
type Entry struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Query      string          `json:"query,omitempty"`
	ProductID  string          `json:"productId,omitempty"`
	Relevant   *bool           `json:"relevant,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Store records feedback entries with a TTL and an index list.
type Store struct {
	kv     kv.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a feedback store.
func New(store kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: store, logger: logger, now: time.Now}
}

type payloadFields struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	ProductID  string `json:"product_id"`
	ProductID2 string `json:"productId"`
	Relevant   *bool  `json:"relevant"`
	Label      string `json:"label"`
}

// Record stores payload and returns the new entry.
func (s *Store) Record(ctx context.Context, payload json.RawMessage) (*Entry, error) {
	var fields payloadFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, apperr.InvalidInput("feedback must be a JSON object")
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Collection: fields.Collection,
		Query:      fields.Query,
		ProductID:  fields.ProductID,
		Relevant:   fields.Relevant,
		Payload:    payload,
		CreatedAt:  s.now().UTC(),
	}
	if entry.ProductID == "" {
		entry.ProductID = fields.ProductID2
	}
	if entry.Relevant == nil && fields.Label != "" {
		relevant := fields.Label == "relevant"
		entry.Relevant = &relevant
	}

	ctx, cancel := context.WithTimeout(ctx, kv.DefaultOpTimeout)
	defer cancel()

	if err := kv.SetJSON(ctx, s.kv, Key(entry.ID), entry, TTL); err != nil {
		return nil, apperr.Upstream(err, "store feedback")
	}
	if err := kv.PushCapped(ctx, s.kv, IndexKey, []byte(entry.ID), IndexSize); err != nil {
		return nil, apperr.Upstream(err, "index feedback")
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first. Expired entries are skipped.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > IndexSize {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, kv.DefaultOpTimeout)
	defer cancel()

	ids, err := s.kv.LRange(ctx, IndexKey, 0, int64(limit)-1)
	if err != nil {
		return nil, apperr.Upstream(err, "read feedback index")
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		var entry Entry
		err := kv.GetJSON(ctx, s.kv, Key(string(id)), &entry)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable feedback", zap.ByteString("id", id), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// String implements fmt.Stringer for log lines.
func (e Entry) String() string {
	return fmt.Sprintf("feedback %s collection=%s query=%q", e.ID, e.Collection, e.Query)
}
