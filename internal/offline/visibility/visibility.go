// Package visibility persists map-layer visibility toggles.
package visibility

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/bcgov/asa-go/internal/offline/kvstore"
)

const (
	// Key is the dataset key the toggles are stored under.
	Key = "layerVisibility"
	// PinnedLayer is always visible, whatever is stored or defaulted.
	PinnedLayer = "zoneStatus"
)

// Map maps layer names to visibility.
type Map map[string]bool

// Store reads and writes the visibility document.
type Store struct {
	kv *kvstore.Store
}

// New returns a Store over kv.
func New(kv *kvstore.Store) (*Store, error) {
	if kv == nil {
		return nil, errors.New("store is required")
	}
	return &Store{kv: kv}, nil
}

// Load merges stored toggles over a copy of defaults. A missing or unreadable
// document yields the defaults. The pinned layer is always true.
func (s *Store) Load(ctx context.Context, defaults Map) Map {
	merged := make(Map, len(defaults)+1)
	maps.Copy(merged, defaults)
	if stored, ok := kvstore.Read[Map](ctx, s.kv, Key); ok {
		maps.Copy(merged, stored.Data)
	}
	merged[PinnedLayer] = true
	return merged
}

// Save replaces the stored toggles with m.
func (s *Store) Save(ctx context.Context, m Map, now time.Time) error {
	if m == nil {
		m = Map{}
	}
	return kvstore.Write(ctx, s.kv, Key, m, now)
}
