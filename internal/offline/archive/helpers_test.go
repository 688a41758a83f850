package archive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/kvstore"
	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/bcgov/asa-go/internal/offline/storage"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var forecastRun = run.Descriptor{
	ForDate:     run.NewDate(2025, time.August, 26),
	RunType:     run.Forecast,
	RunDatetime: time.Date(2025, time.August, 25, 20, 0, 0, 0, time.UTC),
}

const forecastFile = "2025-08-26_forecast_2025-08-25.hfi.pmtiles"

type fakeFetcher struct {
	calls     atomic.Int32
	payload   []byte
	err       error
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
}

func (f *fakeFetcher) FetchArchive(ctx context.Context, _ run.Descriptor) ([]byte, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.payload...), nil
}

// recordingFS counts writes and can fail writes, mangle reads or fail
// removes for selected names.
type recordingFS struct {
	fsys.FS

	mu          sync.Mutex
	writes      map[string]int
	failWrites  error
	mangleReads bool
	failRemove  map[string]error
}

func newRecordingFS() *recordingFS {
	return &recordingFS{
		FS:         fsys.NewMemory(),
		writes:     map[string]int{},
		failRemove: map[string]error{},
	}
}

func (r *recordingFS) WriteFile(ctx context.Context, name, content string) error {
	r.mu.Lock()
	failure := r.failWrites
	r.mu.Unlock()
	if failure != nil {
		return failure
	}
	if err := r.FS.WriteFile(ctx, name, content); err != nil {
		return err
	}
	r.mu.Lock()
	r.writes[name]++
	r.mu.Unlock()
	return nil
}

func (r *recordingFS) ReadFile(ctx context.Context, name string) (string, error) {
	text, err := r.FS.ReadFile(ctx, name)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mangleReads {
		return text + "*", nil
	}
	return text, nil
}

func (r *recordingFS) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	failure := r.failRemove[name]
	r.mu.Unlock()
	if failure != nil {
		return failure
	}
	return r.FS.Remove(ctx, name)
}

func (r *recordingFS) writeCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[name]
}

func (r *recordingFS) setFailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = err
}

type memoryIndex struct {
	mu      sync.Mutex
	records map[string]storage.ArchiveRecord
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{records: map[string]storage.ArchiveRecord{}}
}

func (m *memoryIndex) PutArchive(_ context.Context, record storage.ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Filename] = record
	return nil
}

func (m *memoryIndex) GetArchive(_ context.Context, filename string) (storage.ArchiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[filename]
	if !ok {
		return storage.ArchiveRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (m *memoryIndex) DeleteArchive(_ context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, filename)
	return nil
}

func (m *memoryIndex) ListArchives(_ context.Context, family string) ([]storage.ArchiveRecord, error) {
	return nil, errors.New("not implemented")
}

func (m *memoryIndex) has(filename string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[filename]
	return ok
}

func newTestCache(t *testing.T, fs fsys.FS, fetcher Fetcher, cfg Config) *Cache {
	t.Helper()
	if cfg.Logf == nil {
		cfg.Logf = t.Logf
	}
	cache, err := New(kvstore.New(fs, kvstore.WithLogf(t.Logf)), fetcher, cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

// signalContext counts down joined the first time a load selects on it. Load
// only does that after registering with the in-flight group.
type signalContext struct {
	context.Context
	once   sync.Once
	joined *sync.WaitGroup
}

func waitingContext(parent context.Context, joined *sync.WaitGroup) context.Context {
	return &signalContext{Context: parent, joined: joined}
}

func (c *signalContext) Done() <-chan struct{} {
	c.once.Do(c.joined.Done)
	return c.Context.Done()
}

func newMeterProvider(t *testing.T, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	t.Helper()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return provider
}

// collectCounters sums every int64 counter reader has seen, by name.
func collectCounters(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				totals[m.Name] += point.Value
			}
		}
	}
	return totals
}
