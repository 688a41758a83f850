// Package dataset caches remotely computed datasets per calendar date.
//
// Each dataset is one document (see kvstore) mapping an ISO date-key to the
// entry computed for that date, together with the run that produced it.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bcgov/asa-go/internal/offline/kvstore"
	"github.com/bcgov/asa-go/internal/offline/run"
)

// Entry is one cached dataset value for one date.
type Entry[T any] struct {
	RunParameter run.Descriptor `json:"runParameter"`
	Data         T              `json:"data"`
}

// Document maps date-keys to entries. At most one entry exists per date-key.
type Document[T any] map[string]Entry[T]

// Schema declares a dataset: its storage key and an optional payload check
// applied before every write.
type Schema[T any] struct {
	Key      string
	Validate func(T) error
}

// Cache reads and writes the document for one dataset.
type Cache[T any] struct {
	store  *kvstore.Store
	schema Schema[T]

	// mu serialises read-modify-write of the document within the process.
	mu sync.Mutex
}

// NewCache binds schema to store.
func NewCache[T any](store *kvstore.Store, schema Schema[T]) (*Cache[T], error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := kvstore.ValidateKey(schema.Key); err != nil {
		return nil, fmt.Errorf("dataset schema: %w", err)
	}
	return &Cache[T]{store: store, schema: schema}, nil
}

// Key returns the dataset key.
func (c *Cache[T]) Key() string {
	return c.schema.Key
}

// Document returns the stored document, or an empty one when absent.
func (c *Cache[T]) Document(ctx context.Context) Document[T] {
	stored, ok := kvstore.Read[Document[T]](ctx, c.store, c.schema.Key)
	if !ok || stored.Data == nil {
		return Document[T]{}
	}
	return stored.Data
}

// Get returns the entry for date.
func (c *Cache[T]) Get(ctx context.Context, date run.Date) (Entry[T], bool) {
	entry, ok := c.Document(ctx)[date.String()]
	return entry, ok
}

// Put replaces the entry for date. Entries for other dates are preserved; the
// payload for date is not merged with what was there before.
func (c *Cache[T]) Put(ctx context.Context, date run.Date, entry Entry[T], now time.Time) error {
	if date.IsZero() {
		return errors.New("date is required")
	}
	if err := entry.RunParameter.Validate(); err != nil {
		return fmt.Errorf("invalid run parameter: %w", err)
	}
	if c.schema.Validate != nil {
		if err := c.schema.Validate(entry.Data); err != nil {
			return fmt.Errorf("invalid %s payload: %w", c.schema.Key, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.Document(ctx)
	doc[date.String()] = entry
	return kvstore.Write(ctx, c.store, c.schema.Key, doc, now)
}

// NeedsRefresh reports whether latest should be fetched for date: nothing is
// cached yet, or latest was produced after the cached run.
func (c *Cache[T]) NeedsRefresh(ctx context.Context, date run.Date, latest run.Descriptor) bool {
	entry, ok := c.Get(ctx, date)
	if !ok {
		return true
	}
	return latest.NewerThan(entry.RunParameter)
}

// Prune drops every date-key not in keep and returns how many were removed.
// Nothing is written when nothing is removed.
func (c *Cache[T]) Prune(ctx context.Context, keep []run.Date, now time.Time) (int, error) {
	wanted := make(map[string]struct{}, len(keep))
	for _, d := range keep {
		wanted[d.String()] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.Document(ctx)
	removed := 0
	for key := range doc {
		if _, ok := wanted[key]; !ok {
			delete(doc, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := kvstore.Write(ctx, c.store, c.schema.Key, doc, now); err != nil {
		return 0, err
	}
	return removed, nil
}
