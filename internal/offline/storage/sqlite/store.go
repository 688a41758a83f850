// Package sqlite implements the offline archive index on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/bcgov/asa-go/internal/offline/storage"
	"github.com/bcgov/asa-go/internal/offline/storage/sqlite/migrations"
	"github.com/bcgov/asa-go/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed archive index persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.ArchiveIndex = (*Store)(nil)

// Open opens an index store at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutArchive implements storage.ArchiveIndex.
func (s *Store) PutArchive(ctx context.Context, record storage.ArchiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.Filename = strings.TrimSpace(record.Filename)
	record.Family = strings.TrimSpace(record.Family)
	if record.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if record.Family == "" {
		return fmt.Errorf("family is required")
	}
	if err := record.Run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	// Times are stored as Unix nanoseconds, which covers 1678 to 2262.
	if year := record.Run.RunDatetime.UTC().Year(); year < 1678 || year > 2261 {
		return fmt.Errorf("run datetime %s out of range", record.Run.RunDatetime)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO archives (
	filename,
	family,
	for_date,
	run_type,
	run_datetime,
	size_bytes,
	stored_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(filename) DO UPDATE SET
	family = excluded.family,
	for_date = excluded.for_date,
	run_type = excluded.run_type,
	run_datetime = excluded.run_datetime,
	size_bytes = excluded.size_bytes,
	stored_at = excluded.stored_at
`,
		record.Filename,
		record.Family,
		record.Run.ForDate.String(),
		record.Run.RunType.String(),
		record.Run.RunDatetime.UTC().UnixNano(),
		record.SizeBytes,
		record.StoredAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put archive: %w", err)
	}
	return nil
}

// GetArchive implements storage.ArchiveIndex.
func (s *Store) GetArchive(ctx context.Context, filename string) (storage.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ArchiveRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ArchiveRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT filename, family, for_date, run_type, run_datetime, size_bytes, stored_at
FROM archives
WHERE filename = ?
`, strings.TrimSpace(filename))
	record, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ArchiveRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ArchiveRecord{}, fmt.Errorf("get archive: %w", err)
	}
	return record, nil
}

// DeleteArchive implements storage.ArchiveIndex.
func (s *Store) DeleteArchive(ctx context.Context, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM archives WHERE filename = ?`, strings.TrimSpace(filename)); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

// ListArchives implements storage.ArchiveIndex.
func (s *Store) ListArchives(ctx context.Context, family string) ([]storage.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT filename, family, for_date, run_type, run_datetime, size_bytes, stored_at
FROM archives
WHERE family = ?
ORDER BY filename
`, strings.TrimSpace(family))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var records []storage.ArchiveRecord
	for rows.Next() {
		record, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archives: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchive(row rowScanner) (storage.ArchiveRecord, error) {
	var (
		record      storage.ArchiveRecord
		forDate     string
		runType     string
		runDatetime int64
		storedAt    int64
	)
	if err := row.Scan(
		&record.Filename,
		&record.Family,
		&forDate,
		&runType,
		&runDatetime,
		&record.SizeBytes,
		&storedAt,
	); err != nil {
		return storage.ArchiveRecord{}, err
	}
	date, err := run.ParseDate(forDate)
	if err != nil {
		return storage.ArchiveRecord{}, err
	}
	kind, err := run.ParseType(runType)
	if err != nil {
		return storage.ArchiveRecord{}, err
	}
	record.Run = run.Descriptor{
		ForDate:     date,
		RunType:     kind,
		RunDatetime: time.Unix(0, runDatetime).UTC(),
	}
	record.StoredAt = time.Unix(0, storedAt).UTC()
	return record, nil
}
