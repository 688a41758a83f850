package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/bcgov/asa-go/internal/offline/storage"
	"github.com/bcgov/asa-go/internal/offline/storage/sqlite/migrations"
	"github.com/bcgov/asa-go/internal/platform/storage/sqlitemigrate"
)

func TestPutGetArchive(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	stored := time.Date(2025, time.August, 26, 6, 0, 0, 0, time.UTC)
	record := storage.ArchiveRecord{
		Filename: "2025-08-26_forecast_2025-08-25.hfi.pmtiles",
		Family:   "hfi",
		Run: run.Descriptor{
			ForDate:     run.NewDate(2025, time.August, 26),
			RunType:     run.Forecast,
			RunDatetime: time.Date(2025, time.August, 25, 20, 0, 0, 0, time.UTC),
		},
		SizeBytes: 2048,
		StoredAt:  stored,
	}

	if err := store.PutArchive(ctx, record); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	got, err := store.GetArchive(ctx, record.Filename)
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if got.Family != "hfi" || got.SizeBytes != 2048 {
		t.Fatalf("record = %+v", got)
	}
	if got.Run.ForDate != record.Run.ForDate || got.Run.RunType != run.Forecast || !got.Run.RunDatetime.Equal(record.Run.RunDatetime) {
		t.Fatalf("run = %+v, want %+v", got.Run, record.Run)
	}
	if !got.StoredAt.Equal(stored) {
		t.Fatalf("stored at = %s, want %s", got.StoredAt, stored)
	}

	record.Run.RunDatetime = record.Run.RunDatetime.Add(12 * time.Hour)
	record.SizeBytes = 4096
	if err := store.PutArchive(ctx, record); err != nil {
		t.Fatalf("replace archive: %v", err)
	}
	got, err = store.GetArchive(ctx, record.Filename)
	if err != nil {
		t.Fatalf("get replaced archive: %v", err)
	}
	if got.SizeBytes != 4096 || !got.Run.RunDatetime.Equal(record.Run.RunDatetime) {
		t.Fatalf("replaced record = %+v", got)
	}
}

func TestPutArchiveKeepsNanoseconds(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	runAt := time.Date(2025, time.August, 25, 20, 0, 0, 123456789, time.UTC)
	stored := time.Date(2025, time.August, 26, 6, 0, 0, 987654321, time.UTC)
	record := storage.ArchiveRecord{
		Filename: "2025-08-26_forecast_2025-08-25.hfi.pmtiles",
		Family:   "hfi",
		Run: run.Descriptor{
			ForDate:     run.NewDate(2025, time.August, 26),
			RunType:     run.Forecast,
			RunDatetime: runAt,
		},
		StoredAt: stored,
	}
	if err := store.PutArchive(ctx, record); err != nil {
		t.Fatalf("put archive: %v", err)
	}
	got, err := store.GetArchive(ctx, record.Filename)
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if !got.Run.RunDatetime.Equal(runAt) {
		t.Fatalf("run datetime = %s, want %s", got.Run.RunDatetime.Format(time.RFC3339Nano), runAt.Format(time.RFC3339Nano))
	}
	if record.Run.NewerThan(got.Run) {
		t.Fatal("stored run reads back older than the run written")
	}
	if !got.StoredAt.Equal(stored) {
		t.Fatalf("stored at = %s, want %s", got.StoredAt.Format(time.RFC3339Nano), stored.Format(time.RFC3339Nano))
	}
}

func TestOpenUpgradesMillisecondTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	legacy, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	initial, err := fs.ReadFile(migrations.FS, "001_archives.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	ctx := context.Background()
	if err := sqlitemigrate.ApplyMigrations(ctx, legacy, fstest.MapFS{"001_archives.sql": {Data: initial}}, ""); err != nil {
		t.Fatalf("apply initial migration: %v", err)
	}
	runAt := time.Date(2025, time.August, 25, 20, 0, 0, 250*int(time.Millisecond), time.UTC)
	if _, err := legacy.ExecContext(ctx, `
INSERT INTO archives (filename, family, for_date, run_type, run_datetime, size_bytes, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"2025-08-26_forecast_2025-08-25.hfi.pmtiles", "hfi", "2025-08-26", "forecast", runAt.UnixMilli(), 10, runAt.UnixMilli(),
	); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	if err := legacy.Close(); err != nil {
		t.Fatalf("close legacy db: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	got, err := store.GetArchive(ctx, "2025-08-26_forecast_2025-08-25.hfi.pmtiles")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if !got.Run.RunDatetime.Equal(runAt) {
		t.Fatalf("run datetime = %s, want %s", got.Run.RunDatetime, runAt)
	}
	if !got.StoredAt.Equal(runAt) {
		t.Fatalf("stored at = %s, want %s", got.StoredAt, runAt)
	}
}

func TestGetArchiveNotFound(t *testing.T) {
	store := openTempStore(t)
	_, err := store.GetArchive(context.Background(), "missing.hfi.pmtiles")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAndDeleteArchives(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	desc := run.Descriptor{
		ForDate:     run.NewDate(2025, time.August, 26),
		RunType:     run.Actual,
		RunDatetime: time.Date(2025, time.August, 26, 4, 0, 0, 0, time.UTC),
	}
	for _, rec := range []storage.ArchiveRecord{
		{Filename: "b.hfi.pmtiles", Family: "hfi", Run: desc},
		{Filename: "a.hfi.pmtiles", Family: "hfi", Run: desc},
		{Filename: "a.snow.pmtiles", Family: "snow", Run: desc},
	} {
		if err := store.PutArchive(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.Filename, err)
		}
	}

	records, err := store.ListArchives(ctx, "hfi")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].Filename != "a.hfi.pmtiles" || records[1].Filename != "b.hfi.pmtiles" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].StoredAt.IsZero() {
		t.Fatal("expected stored_at default")
	}

	if err := store.DeleteArchive(ctx, "a.hfi.pmtiles"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteArchive(ctx, "never.hfi.pmtiles"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	records, err = store.ListArchives(ctx, "hfi")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(records) != 1 || records[0].Filename != "b.hfi.pmtiles" {
		t.Fatalf("records after delete = %+v", records)
	}
}

func TestPutArchiveValidation(t *testing.T) {
	store := openTempStore(t)
	if err := store.PutArchive(context.Background(), storage.ArchiveRecord{}); err == nil {
		t.Fatal("expected validation error for empty record")
	}
	if err := store.PutArchive(context.Background(), storage.ArchiveRecord{Filename: "x.hfi.pmtiles", Family: "hfi"}); err == nil {
		t.Fatal("expected validation error for missing run")
	}
	distant := storage.ArchiveRecord{
		Filename: "x.hfi.pmtiles",
		Family:   "hfi",
		Run: run.Descriptor{
			ForDate:     run.NewDate(2025, time.August, 26),
			RunType:     run.Actual,
			RunDatetime: time.Date(2400, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	if err := store.PutArchive(context.Background(), distant); err == nil {
		t.Fatal("expected range error for run datetime past 2262")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
