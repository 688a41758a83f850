package app

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcgov/asa-go/internal/offline/archive"
	"github.com/bcgov/asa-go/internal/offline/dataset"
	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/kvstore"
	"github.com/bcgov/asa-go/internal/offline/run"
	indexsqlite "github.com/bcgov/asa-go/internal/offline/storage/sqlite"
	"github.com/bcgov/asa-go/internal/services/tilesync/upstream"
)

var (
	aug24 = run.NewDate(2025, time.August, 24)
	aug25 = run.NewDate(2025, time.August, 25)
	aug26 = run.NewDate(2025, time.August, 26)
	now   = time.Date(2025, time.August, 25, 10, 0, 0, 0, time.UTC)
)

func descriptor(forDate run.Date, runType run.Type, runAt time.Time) run.Descriptor {
	return run.Descriptor{ForDate: forDate, RunType: runType, RunDatetime: runAt}
}

var advisoryStats = dataset.HFIStats{
	"17": {FuelAreaStats: []dataset.FuelAreaStats{{FuelType: "C-2", Threshold: dataset.StatusAdvisory, AreaHectares: 120}}},
}

type fakeUpstream struct {
	mu         sync.Mutex
	runs       map[string]run.Descriptor
	failures   map[string]error
	statsCalls int
}

func newFakeUpstream(runs ...run.Descriptor) *fakeUpstream {
	u := &fakeUpstream{runs: map[string]run.Descriptor{}, failures: map[string]error{}}
	for _, desc := range runs {
		u.publish(desc)
	}
	return u
}

func runKey(runType run.Type, date run.Date) string {
	return date.String() + "/" + runType.String()
}

func (u *fakeUpstream) publish(desc run.Descriptor) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.runs[runKey(desc.RunType, desc.ForDate)] = desc
}

func (u *fakeUpstream) fail(runType run.Type, date run.Date, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures[runKey(runType, date)] = err
}

func (u *fakeUpstream) LatestRun(_ context.Context, runType run.Type, date run.Date) (run.Descriptor, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.failures[runKey(runType, date)]; err != nil {
		return run.Descriptor{}, err
	}
	desc, ok := u.runs[runKey(runType, date)]
	if !ok {
		return run.Descriptor{}, &upstream.StatusError{Method: "GET", URL: "/sfms/run-parameters", StatusCode: 404}
	}
	return desc, nil
}

func (u *fakeUpstream) FetchHFIStats(context.Context, run.Descriptor) (dataset.HFIStats, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statsCalls++
	return advisoryStats, nil
}

// flakyFS fails the first failures archive writes.
type flakyFS struct {
	fsys.FS
	failures atomic.Int32
}

func (f *flakyFS) WriteFile(ctx context.Context, name, content string) error {
	if strings.HasSuffix(name, ".pmtiles") && f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.FS.WriteFile(ctx, name, content)
}

type harness struct {
	syncer   *Syncer
	fs       fsys.FS
	upstream *fakeUpstream
	fetches  *atomic.Int32
	stats    *dataset.Cache[dataset.HFIStats]
	index    *indexsqlite.Store
}

func newHarness(t *testing.T, fs fsys.FS, up *fakeUpstream, days int) *harness {
	t.Helper()
	index, err := indexsqlite.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })

	fetches := new(atomic.Int32)
	fetcher := archive.FetcherFunc(func(_ context.Context, desc run.Descriptor) ([]byte, error) {
		fetches.Add(1)
		return []byte("PMTiles for " + desc.String()), nil
	})
	store := kvstore.New(fs, kvstore.WithLogf(t.Logf))
	archives, err := archive.New(store, fetcher, archive.Config{Index: index, Logf: t.Logf, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("archive cache: %v", err)
	}
	reconciler, err := archive.NewReconciler(fs, archive.ReconcilerConfig{Index: index, Logf: t.Logf})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	stats, err := dataset.NewCache(store, dataset.HFIStatsSchema)
	if err != nil {
		t.Fatalf("stats cache: %v", err)
	}
	syncer, err := NewSyncer(up, fs, archives, reconciler, stats, Config{
		Days:         days,
		WriteRetries: 3,
		RetryDelay:   time.Millisecond,
		Location:     time.UTC,
		Now:          func() time.Time { return now },
		Logf:         t.Logf,
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return &harness{syncer: syncer, fs: fs, upstream: up, fetches: fetches, stats: stats, index: index}
}

func TestWindowStartsToday(t *testing.T) {
	h := newHarness(t, fsys.NewMemory(), newFakeUpstream(), 3)
	got := h.syncer.Window()
	want := []run.Date{aug25, aug26, run.NewDate(2025, time.August, 27)}
	if !slices.Equal(got, want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
}

func TestSyncOnceWarmsWindowAndEvictsStaleData(t *testing.T) {
	ctx := context.Background()
	mem := fsys.NewMemory()
	up := newFakeUpstream(
		descriptor(aug25, run.Forecast, time.Date(2025, time.August, 24, 20, 0, 0, 0, time.UTC)),
		descriptor(aug25, run.Actual, time.Date(2025, time.August, 25, 9, 0, 0, 0, time.UTC)),
		descriptor(aug26, run.Forecast, time.Date(2025, time.August, 25, 8, 0, 0, 0, time.UTC)),
	)
	h := newHarness(t, mem, up, 2)

	for _, name := range []string{"2025-08-24_forecast_2025-08-23.hfi.pmtiles", "otherfile.json"} {
		if err := mem.WriteFile(ctx, name, "old"); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	yesterday := dataset.Entry[dataset.HFIStats]{
		RunParameter: descriptor(aug24, run.Actual, time.Date(2025, time.August, 24, 9, 0, 0, 0, time.UTC)),
		Data:         advisoryStats,
	}
	if err := h.stats.Put(ctx, aug24, yesterday, now); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	result, err := h.syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	wantArchives := []string{
		"2025-08-25_actual_2025-08-25.hfi.pmtiles",
		"2025-08-25_forecast_2025-08-24.hfi.pmtiles",
		"2025-08-26_forecast_2025-08-25.hfi.pmtiles",
	}
	if !slices.Equal(result.Archives, wantArchives) {
		t.Fatalf("archives = %v, want %v", result.Archives, wantArchives)
	}
	if !slices.Equal(result.Evicted, []string{"2025-08-24_forecast_2025-08-23.hfi.pmtiles"}) {
		t.Fatalf("evicted = %v", result.Evicted)
	}
	if result.StatsRefreshed != 2 || result.Pruned != 1 {
		t.Fatalf("stats refreshed = %d, pruned = %d", result.StatsRefreshed, result.Pruned)
	}
	if got := h.fetches.Load(); got != 3 {
		t.Fatalf("fetches = %d, want 3", got)
	}

	names, err := mem.ReadDir(ctx, ".")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, name := range append(wantArchives, "otherfile.json", "_asa_go_hfiStats.json") {
		if !slices.Contains(names, name) {
			t.Fatalf("%s missing from %v", name, names)
		}
	}

	entry, ok := h.stats.Get(ctx, aug25)
	if !ok || entry.RunParameter.RunType != run.Actual {
		t.Fatalf("aug 25 stats = %+v, %v; want actual run", entry, ok)
	}
	if _, ok := h.stats.Get(ctx, aug24); ok {
		t.Fatal("aug 24 stats should have been pruned")
	}

	records, err := h.index.ListArchives(ctx, archive.DefaultFamily)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("index records = %d, want 3", len(records))
	}
}

func TestSyncOnceSkipsCurrentDataAndRefetchesNewerRuns(t *testing.T) {
	ctx := context.Background()
	actual := descriptor(aug25, run.Actual, time.Date(2025, time.August, 25, 9, 0, 0, 0, time.UTC))
	up := newFakeUpstream(actual)
	h := newHarness(t, fsys.NewMemory(), up, 1)

	if _, err := h.syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	result, err := h.syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Fatalf("fetches after unchanged run = %d, want 1", got)
	}
	if result.StatsRefreshed != 0 || up.statsCalls != 1 {
		t.Fatalf("stats refreshed = %d, calls = %d", result.StatsRefreshed, up.statsCalls)
	}

	rerun := actual
	rerun.RunDatetime = rerun.RunDatetime.Add(2 * time.Hour)
	up.publish(rerun)
	result, err = h.syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if got := h.fetches.Load(); got != 2 {
		t.Fatalf("fetches after newer run = %d, want 2", got)
	}
	if result.StatsRefreshed != 1 {
		t.Fatalf("stats refreshed = %d, want 1", result.StatsRefreshed)
	}
	entry, _ := h.stats.Get(ctx, aug25)
	if !entry.RunParameter.RunDatetime.Equal(rerun.RunDatetime) {
		t.Fatalf("stats run = %v, want %v", entry.RunParameter.RunDatetime, rerun.RunDatetime)
	}
}

func TestSyncOnceKeepsPreviousArchiveWhenRefreshFails(t *testing.T) {
	ctx := context.Background()
	mem := fsys.NewMemory()
	up := newFakeUpstream()
	badGateway := errors.New("bad gateway")
	up.fail(run.Forecast, aug25, badGateway)
	h := newHarness(t, mem, up, 1)

	previous := "2025-08-25_forecast_2025-08-23.hfi.pmtiles"
	if err := mem.WriteFile(ctx, previous, "old"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := h.syncer.SyncOnce(ctx)
	if !errors.Is(err, badGateway) {
		t.Fatalf("err = %v, want %v", err, badGateway)
	}
	if !slices.Equal(result.Archives, []string{previous}) || len(result.Evicted) != 0 {
		t.Fatalf("archives = %v, evicted = %v", result.Archives, result.Evicted)
	}
	if _, err := mem.ReadFile(ctx, previous); err != nil {
		t.Fatalf("previous archive gone: %v", err)
	}
}

func TestSyncOnceRetriesWriteWithoutRefetch(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyFS{FS: fsys.NewMemory()}
	flaky.failures.Store(2)
	up := newFakeUpstream(descriptor(aug25, run.Forecast, time.Date(2025, time.August, 24, 20, 0, 0, 0, time.UTC)))
	h := newHarness(t, flaky, up, 1)

	result, err := h.syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
	if len(result.Archives) != 1 {
		t.Fatalf("archives = %v", result.Archives)
	}
	if _, err := flaky.ReadFile(ctx, result.Archives[0]); err != nil {
		t.Fatalf("archive not stored: %v", err)
	}
}

func TestSyncOnceReportsExhaustedWriteRetries(t *testing.T) {
	flaky := &flakyFS{FS: fsys.NewMemory()}
	flaky.failures.Store(100)
	up := newFakeUpstream(descriptor(aug25, run.Forecast, time.Date(2025, time.August, 24, 20, 0, 0, 0, time.UTC)))
	h := newHarness(t, flaky, up, 1)

	_, err := h.syncer.SyncOnce(context.Background())
	var writeErr *archive.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("err = %v, want *archive.WriteError", err)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t, fsys.NewMemory(), newFakeUpstream(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- h.syncer.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunReportsEachPass(t *testing.T) {
	up := newFakeUpstream(descriptor(aug25, run.Forecast, time.Date(2025, time.August, 24, 20, 0, 0, 0, time.UTC)))
	h := newHarness(t, fsys.NewMemory(), up, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes []Result
	h.syncer.cfg.AfterPass = func(result Result, err error) {
		if err != nil {
			t.Errorf("pass error: %v", err)
		}
		passes = append(passes, result)
		cancel()
	}
	if err := h.syncer.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(passes) != 1 || len(passes[0].Archives) != 1 {
		t.Fatalf("passes = %+v", passes)
	}
}

func TestPreferredRun(t *testing.T) {
	forecast := descriptor(aug25, run.Forecast, now)
	actual := descriptor(aug25, run.Actual, now.Add(-time.Hour))

	if _, ok := preferredRun(nil); ok {
		t.Fatal("expected no run")
	}
	if got, _ := preferredRun([]run.Descriptor{forecast}); got != forecast {
		t.Fatalf("got %v, want forecast", got)
	}
	if got, _ := preferredRun([]run.Descriptor{forecast, actual}); got != actual {
		t.Fatalf("got %v, want actual", got)
	}
}

func TestNewSyncerRequiresDependencies(t *testing.T) {
	if _, err := NewSyncer(nil, nil, nil, nil, nil, Config{}); err == nil {
		t.Fatal("expected error")
	}
}
