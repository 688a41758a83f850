// Package kvstore persists whole JSON documents under derived paths through
// an injected filesystem capability.
//
// Layout under the storage root:
//
//	_asa_go_<key>.json               whole-document (non-dated) entries
//	_asa_go_<key>_<YYYY-MM-DD>.json  dated entries
//	<archive filename>               raw text written by WriteText
//
// Reads never fail: a missing, unreadable or corrupt document reads as
// absent. Writes return *WriteError so callers can retry.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/run"
)

// Prefix marks every document owned by the store.
const Prefix = "_asa_go_"

const documentExt = ".json"

// ErrInvalidKey is returned for dataset keys that could collide with a dated
// path.
var ErrInvalidKey = errors.New("invalid dataset key")

// StoredDocument is the on-disk envelope. LastUpdated is the time of the
// last successful write; it says nothing about how fresh Data is.
type StoredDocument[D any] struct {
	Data        D         `json:"data"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// WriteError reports a failed local write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Store reads and writes documents under one storage root.
type Store struct {
	fs   fsys.FS
	logf func(string, ...any)
}

// Option configures a Store.
type Option func(*Store)

// WithLogf sets the logger used when a read degrades to absent.
func WithLogf(logf func(string, ...any)) Option {
	return func(s *Store) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// New returns a Store over fs.
func New(fs fsys.FS, opts ...Option) *Store {
	s := &Store{fs: fs, logf: log.Printf}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FS returns the filesystem capability the store writes through.
func (s *Store) FS() fsys.FS {
	return s.fs
}

// PathFor derives the document path for key and, unless date is zero, date.
// Keys are limited to ASCII letters, digits and '-', which keeps
// (key, date) -> path injective.
func PathFor(key string, date run.Date) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if date.IsZero() {
		return Prefix + key + documentExt, nil
	}
	return Prefix + key + "_" + date.String() + documentExt, nil
}

// ValidateKey reports whether key can be used as a dataset key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, r)
		}
	}
	return nil
}

// Write replaces the non-dated document for key.
func Write[D any](ctx context.Context, s *Store, key string, doc D, writeTime time.Time) error {
	return WriteDated(ctx, s, key, run.Date{}, doc, writeTime)
}

// Read returns the non-dated document for key, or false when it is absent.
func Read[D any](ctx context.Context, s *Store, key string) (StoredDocument[D], bool) {
	return ReadDated[D](ctx, s, key, run.Date{})
}

// WriteDated replaces the document for key on date.
func WriteDated[D any](ctx context.Context, s *Store, key string, date run.Date, doc D, writeTime time.Time) error {
	path, err := PathFor(key, date)
	if err != nil {
		return err
	}
	data, err := json.Marshal(StoredDocument[D]{Data: doc, LastUpdated: writeTime.UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := s.fs.WriteFile(ctx, path, string(data)); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// ReadDated returns the document for key on date, or false when it is absent.
func ReadDated[D any](ctx context.Context, s *Store, key string, date run.Date) (StoredDocument[D], bool) {
	var doc StoredDocument[D]
	path, err := PathFor(key, date)
	if err != nil {
		s.logf("kvstore: read %q: %v", key, err)
		return doc, false
	}
	text, err := s.fs.ReadFile(ctx, path)
	if err != nil {
		if !errors.Is(err, fsys.ErrNotExist) {
			s.logf("kvstore: read %s: %v", path, err)
		}
		return doc, false
	}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		s.logf("kvstore: parse %s: %v", path, err)
		return StoredDocument[D]{}, false
	}
	return doc, true
}

// WriteText stores raw text at name, replacing any prior content.
func (s *Store) WriteText(ctx context.Context, name, text string) error {
	if err := s.fs.WriteFile(ctx, name, text); err != nil {
		return &WriteError{Path: name, Err: err}
	}
	return nil
}

// ReadText returns the raw text at name. Unlike document reads it reports
// errors, because the archive cache treats a failed read-back as a failed
// persist.
func (s *Store) ReadText(ctx context.Context, name string) (string, error) {
	text, err := s.fs.ReadFile(ctx, name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return text, nil
}
