package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bcgov/asa-go/internal/offline/archive"
	"github.com/bcgov/asa-go/internal/offline/dataset"
	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/bcgov/asa-go/internal/platform/timeouts"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDays         = 2
	defaultPollInterval = 10 * time.Minute
	defaultWriteRetries = 3
	defaultRetryDelay   = time.Second
	defaultParallelism  = 4
)

// Upstream resolves runs and downloads statistics for the syncer.
type Upstream interface {
	LatestRun(ctx context.Context, runType run.Type, forDate run.Date) (run.Descriptor, error)
	FetchHFIStats(ctx context.Context, desc run.Descriptor) (dataset.HFIStats, error)
}

// Config controls the sync loop.
type Config struct {
	// Days is the size of the date window starting today.
	Days int
	// PollInterval is the delay between passes.
	PollInterval time.Duration
	// WriteRetries bounds attempts to persist an already fetched archive.
	WriteRetries uint
	// RetryDelay is the initial backoff between write attempts.
	RetryDelay time.Duration
	// RequestTimeout bounds each JSON request upstream.
	RequestTimeout time.Duration
	// Parallelism bounds how many dates are synced at once.
	Parallelism int
	// Location decides which calendar day "today" is. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logf     func(string, ...any)
	// AfterPass, when set, runs after every completed pass.
	AfterPass func(Result, error)
}

func (c Config) normalized() Config {
	if c.Days <= 0 {
		c.Days = defaultDays
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = defaultWriteRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = timeouts.APIRequest
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Result summarises one sync pass.
type Result struct {
	// Archives are the filenames the pass resolved and kept.
	Archives []string
	// StatsRefreshed counts dates whose hfiStats entry was replaced.
	StatsRefreshed int
	Evicted        []string
	Pruned         int
}

// Syncer keeps a storage root warm for the current date window.
type Syncer struct {
	upstream   Upstream
	fs         fsys.FS
	archives   *archive.Cache
	reconciler *archive.Reconciler
	stats      *dataset.Cache[dataset.HFIStats]
	cfg        Config
}

// NewSyncer wires a Syncer. fs must be the filesystem the archive cache
// writes through.
func NewSyncer(upstream Upstream, fs fsys.FS, archives *archive.Cache, reconciler *archive.Reconciler, stats *dataset.Cache[dataset.HFIStats], cfg Config) (*Syncer, error) {
	switch {
	case upstream == nil:
		return nil, errors.New("upstream is required")
	case fs == nil:
		return nil, errors.New("filesystem is required")
	case archives == nil:
		return nil, errors.New("archive cache is required")
	case reconciler == nil:
		return nil, errors.New("reconciler is required")
	case stats == nil:
		return nil, errors.New("stats cache is required")
	}
	return &Syncer{
		upstream:   upstream,
		fs:         fs,
		archives:   archives,
		reconciler: reconciler,
		stats:      stats,
		cfg:        cfg.normalized(),
	}, nil
}

// Run syncs immediately and then every poll interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		result, err := s.SyncOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.cfg.Logf("tilesync: pass finished with errors: %v", err)
		}
		s.cfg.Logf("tilesync: %d archives kept, %d evicted, %d stats refreshed, %d dates pruned",
			len(result.Archives), len(result.Evicted), result.StatsRefreshed, result.Pruned)
		if s.cfg.AfterPass != nil {
			s.cfg.AfterPass(result, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Window returns the dates the syncer keeps, starting today.
func (s *Syncer) Window() []run.Date {
	today := run.DateOf(s.cfg.Now().In(s.cfg.Location))
	dates := make([]run.Date, s.cfg.Days)
	for i := range dates {
		dates[i] = today.AddDays(i)
	}
	return dates
}

// SyncOnce runs a single pass. Failures for one date do not stop the others;
// they are joined into the returned error. Archives of a target whose refresh
// failed are kept so the previous copy stays usable offline.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	var (
		result Result
		mu     sync.Mutex
		keep   []string
		errs   []error
	)
	window := s.Window()

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Parallelism)
	for _, date := range window {
		g.Go(func() error {
			kept, refreshed, err := s.syncDate(ctx, date)
			mu.Lock()
			defer mu.Unlock()
			keep = append(keep, kept...)
			if refreshed {
				result.StatsRefreshed++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	slices.Sort(keep)
	keep = slices.Compact(keep)
	result.Archives = keep

	report, err := s.reconciler.Reconcile(ctx, keep)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}
	result.Evicted = report.Deleted
	for name, failure := range report.Failed {
		errs = append(errs, fmt.Errorf("evict %s: %w", name, failure))
	}

	pruned, err := s.stats.Prune(ctx, window, s.cfg.Now())
	if err != nil {
		errs = append(errs, fmt.Errorf("prune %s: %w", s.stats.Key(), err))
	}
	result.Pruned = pruned

	return result, errors.Join(errs...)
}

// syncDate refreshes every run type for date. It returns the archive
// filenames to keep and whether the stats entry for date was replaced.
func (s *Syncer) syncDate(ctx context.Context, date run.Date) ([]string, bool, error) {
	var (
		keep     []string
		errs     []error
		resolved []run.Descriptor
	)
	for _, runType := range run.Types {
		desc, err := s.latestRun(ctx, runType, date)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s %s: resolve run: %w", date, runType, err))
			keep = append(keep, s.existingArchives(ctx, date, runType)...)
			continue
		}
		name, err := s.archives.Filename(desc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.loadArchive(ctx, desc, name); err != nil {
			errs = append(errs, err)
			keep = append(keep, s.existingArchives(ctx, date, runType)...)
			continue
		}
		keep = append(keep, name)
		resolved = append(resolved, desc)
	}

	desc, ok := preferredRun(resolved)
	if !ok {
		return keep, false, errors.Join(errs...)
	}
	refreshed, err := s.refreshStats(ctx, date, desc)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: refresh %s: %w", date, s.stats.Key(), err))
	}
	return keep, refreshed, errors.Join(errs...)
}

func (s *Syncer) latestRun(ctx context.Context, runType run.Type, date run.Date) (run.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.upstream.LatestRun(ctx, runType, date)
}

// loadArchive loads the archive unless the stored copy is current, retrying
// only the local write when persisting fails.
func (s *Syncer) loadArchive(ctx context.Context, desc run.Descriptor, name string) error {
	handle, err := s.archives.LoadIfStale(ctx, desc, name)
	var writeErr *archive.WriteError
	if errors.As(err, &writeErr) {
		s.cfg.Logf("tilesync: persist %s failed, retrying write: %v", name, err)
		handle, err = retry.DoWithData(
			func() (*archive.Handle, error) {
				return s.archives.RetryWrite(ctx, writeErr)
			},
			retry.Context(ctx),
			retry.Attempts(s.cfg.WriteRetries),
			retry.Delay(s.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var again *archive.WriteError
				return errors.As(err, &again)
			}),
			retry.OnRetry(func(n uint, err error) {
				s.cfg.Logf("tilesync: write retry %d for %s: %v", n+1, name, err)
			}),
		)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if _, err := handle.Header(); err != nil {
		s.cfg.Logf("tilesync: %s: %v", name, err)
	}
	return nil
}

func (s *Syncer) refreshStats(ctx context.Context, date run.Date, desc run.Descriptor) (bool, error) {
	if !s.stats.NeedsRefresh(ctx, date, desc) {
		return false, nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	stats, err := s.upstream.FetchHFIStats(reqCtx, desc)
	if err != nil {
		return false, err
	}
	entry := dataset.Entry[dataset.HFIStats]{RunParameter: desc, Data: stats}
	if err := s.stats.Put(ctx, date, entry, s.cfg.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// existingArchives lists stored archives for date and runType.
func (s *Syncer) existingArchives(ctx context.Context, date run.Date, runType run.Type) []string {
	names, err := s.fs.ReadDir(ctx, ".")
	if err != nil {
		s.cfg.Logf("tilesync: list archives: %v", err)
		return nil
	}
	prefix := date.String() + "_" + runType.String() + "_"
	suffix := archive.Suffix(s.archives.Family())
	var matched []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			matched = append(matched, name)
		}
	}
	return matched
}

// preferredRun picks the run whose statistics are cached for a date: actuals
// once they exist, else the forecast.
func preferredRun(resolved []run.Descriptor) (run.Descriptor, bool) {
	var best run.Descriptor
	found := false
	for _, desc := range resolved {
		if !found || desc.RunType == run.Actual && best.RunType != run.Actual {
			best = desc
			found = true
		}
	}
	return best, found
}

type notFounder interface {
	NotFound() bool
}

func isNotFound(err error) bool {
	var nf notFounder
	return errors.As(err, &nf) && nf.NotFound()
}
