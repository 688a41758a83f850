// Package archive keeps PMTiles tile archives available offline.
//
// Archives are fetched from the predictive-services API, encoded to text by
// package bridge and written through the key-value store next to the cached
// JSON documents. A Reconciler later deletes archives no longer needed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bcgov/asa-go/internal/offline/bridge"
	"github.com/bcgov/asa-go/internal/offline/kvstore"
	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/bcgov/asa-go/internal/offline/storage"
	"github.com/bcgov/asa-go/internal/platform/timeouts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads the archive produced by a run.
type Fetcher interface {
	FetchArchive(ctx context.Context, desc run.Descriptor) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, desc run.Descriptor) ([]byte, error)

// FetchArchive implements Fetcher.
func (f FetcherFunc) FetchArchive(ctx context.Context, desc run.Descriptor) ([]byte, error) {
	return f(ctx, desc)
}

// Config controls a Cache.
type Config struct {
	// Family selects the archive family; defaults to DefaultFamily.
	Family string
	// FetchTimeout bounds each remote fetch; defaults to timeouts.ArchiveFetch.
	FetchTimeout time.Duration
	// Index, when set, records the run behind every stored archive and
	// enables LoadIfStale.
	Index storage.ArchiveIndex
	// Logf reports best-effort failures; defaults to log.Printf.
	Logf func(string, ...any)
	// Now defaults to time.Now.
	Now func() time.Time
	// MeterProvider receives the cache counters; defaults to the global
	// provider.
	MeterProvider metric.MeterProvider
}

// Cache loads tile archives, keeping at most one fetch in flight per
// filename.
type Cache struct {
	store        *kvstore.Store
	fetcher      Fetcher
	family       string
	fetchTimeout time.Duration
	index        storage.ArchiveIndex
	logf         func(string, ...any)
	now          func() time.Time

	inflight singleflight.Group
	tracer   trace.Tracer
	metrics  *instruments
}

// New returns a Cache that persists through store and downloads with fetcher.
func New(store *kvstore.Store, fetcher Fetcher, cfg Config) (*Cache, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Family == "" {
		cfg.Family = DefaultFamily
	}
	if err := validateFamily(cfg.Family); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = timeouts.ArchiveFetch
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		store:        store,
		fetcher:      fetcher,
		family:       cfg.Family,
		fetchTimeout: cfg.FetchTimeout,
		index:        cfg.Index,
		logf:         cfg.Logf,
		now:          cfg.Now,
		tracer:       tracer(),
		metrics:      newInstruments(cfg.MeterProvider),
	}, nil
}

// Family returns the archive family the cache serves.
func (c *Cache) Family() string {
	return c.family
}

// Filename derives the archive filename for desc in the cache's family.
func (c *Cache) Filename(desc run.Descriptor) (string, error) {
	return Filename(c.family, desc)
}

// Load fetches the archive for desc, stores it under filename and returns a
// handle over the stored bytes. It always fetches; see LoadIfStale.
//
// Concurrent calls for the same filename share one fetch and one write and
// receive the same *Handle. The shared work is detached from any single
// caller's cancellation; a caller whose ctx ends stops waiting and gets
// ctx.Err().
func (c *Cache) Load(ctx context.Context, desc run.Descriptor, filename string) (*Handle, error) {
	if err := c.checkRequest(desc, filename); err != nil {
		return nil, err
	}
	return c.do(ctx, filename, func(ctx context.Context) (*Handle, error) {
		return c.fetchAndPersist(ctx, desc, filename)
	})
}

// LoadIfStale returns the locally stored archive when the index shows it was
// produced by a run no older than desc and it still decodes. Otherwise it
// behaves like Load.
func (c *Cache) LoadIfStale(ctx context.Context, desc run.Descriptor, filename string) (*Handle, error) {
	if err := c.checkRequest(desc, filename); err != nil {
		return nil, err
	}
	if handle, ok := c.localCopy(ctx, desc, filename); ok {
		c.metrics.localHits.Add(ctx, 1, familyAttr(c.family))
		return handle, nil
	}
	return c.Load(ctx, desc, filename)
}

// RetryWrite persists the payload held by a WriteError from an earlier load
// without fetching it again.
func (c *Cache) RetryWrite(ctx context.Context, failed *WriteError) (*Handle, error) {
	if failed == nil || failed.encoded == "" {
		return nil, errors.New("write error carries no payload")
	}
	if err := c.checkRequest(failed.Run, failed.Filename); err != nil {
		return nil, err
	}
	return c.do(ctx, failed.Filename, func(ctx context.Context) (*Handle, error) {
		return c.persist(ctx, failed.Run, failed.Filename, failed.encoded)
	})
}

func (c *Cache) checkRequest(desc run.Descriptor, filename string) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("invalid run descriptor: %w", err)
	}
	return checkFilename(c.family, filename)
}

// do runs work at most once at a time per filename.
func (c *Cache) do(ctx context.Context, filename string, work func(context.Context) (*Handle, error)) (*Handle, error) {
	detached := context.WithoutCancel(ctx)
	leader := false
	results := c.inflight.DoChan(filename, func() (any, error) {
		leader = true
		return work(detached)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if !leader {
			c.metrics.coalesced.Add(ctx, 1, familyAttr(c.family))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

func (c *Cache) fetchAndPersist(ctx context.Context, desc run.Descriptor, filename string) (*Handle, error) {
	ctx, span := c.tracer.Start(ctx, "archive.load", trace.WithAttributes(
		attribute.String("archive.filename", filename),
		attribute.String("archive.family", c.family),
		attribute.String("run.type", desc.RunType.String()),
		attribute.String("run.for_date", desc.ForDate.String()),
	))
	defer span.End()

	payload, err := c.fetch(ctx, desc, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("archive.size_bytes", len(payload)))

	handle, err := c.persist(ctx, desc, filename, bridge.Encode(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}
	return handle, nil
}

func (c *Cache) fetch(ctx context.Context, desc run.Descriptor, filename string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	payload, err := c.fetcher.FetchArchive(fetchCtx, desc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			c.metrics.fetched(ctx, c.family, "timeout")
			return nil, &FetchError{Filename: filename, Run: desc, Err: fmt.Errorf("%w after %s: %w", ErrFetchTimeout, c.fetchTimeout, err)}
		}
		c.metrics.fetched(ctx, c.family, "error")
		return nil, &FetchError{Filename: filename, Run: desc, Err: err}
	}
	c.metrics.fetched(ctx, c.family, "ok")
	return payload, nil
}

// persist writes encoded, reads it back and decodes it. Reading back proves
// the stored copy is usable before anyone is handed a handle.
func (c *Cache) persist(ctx context.Context, desc run.Descriptor, filename, encoded string) (*Handle, error) {
	if err := c.store.WriteText(ctx, filename, encoded); err != nil {
		return nil, &WriteError{Filename: filename, Run: desc, Err: err, encoded: encoded}
	}
	text, err := c.store.ReadText(ctx, filename)
	if err != nil {
		return nil, &WriteError{Filename: filename, Run: desc, Err: err, encoded: encoded}
	}
	data, err := bridge.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptReadback, filename, err)
	}

	if c.index != nil {
		record := storage.ArchiveRecord{
			Filename:  filename,
			Family:    c.family,
			Run:       desc,
			SizeBytes: int64(len(data)),
			StoredAt:  c.now().UTC(),
		}
		if err := c.index.PutArchive(ctx, record); err != nil {
			c.logf("archive: index %s: %v", filename, err)
		}
	}
	return newHandle(filename, desc, data), nil
}

func (c *Cache) localCopy(ctx context.Context, desc run.Descriptor, filename string) (*Handle, bool) {
	if c.index == nil {
		return nil, false
	}
	record, err := c.index.GetArchive(ctx, filename)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logf("archive: index lookup %s: %v", filename, err)
		}
		return nil, false
	}
	if desc.NewerThan(record.Run) {
		return nil, false
	}
	text, err := c.store.ReadText(ctx, filename)
	if err != nil {
		return nil, false
	}
	data, err := bridge.Decode(text)
	if err != nil {
		// A corrupt local copy is a miss.
		c.logf("archive: decode local %s: %v", filename, err)
		return nil, false
	}
	return newHandle(filename, record.Run, data), true
}
