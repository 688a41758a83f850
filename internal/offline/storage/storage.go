// Package storage defines persistence contracts for offline cache metadata.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bcgov/asa-go/internal/offline/run"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ArchiveRecord describes one tile archive persisted under the storage root.
type ArchiveRecord struct {
	Filename  string
	Family    string
	Run       run.Descriptor
	SizeBytes int64
	StoredAt  time.Time
}

// ArchiveIndex records which run produced each locally stored archive.
type ArchiveIndex interface {
	// PutArchive inserts or replaces the record for record.Filename.
	PutArchive(ctx context.Context, record ArchiveRecord) error
	// GetArchive returns ErrNotFound when filename has no record.
	GetArchive(ctx context.Context, filename string) (ArchiveRecord, error)
	// DeleteArchive is a no-op for unknown filenames.
	DeleteArchive(ctx context.Context, filename string) error
	// ListArchives returns records for family ordered by filename.
	ListArchives(ctx context.Context, family string) ([]ArchiveRecord, error)
}
