package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/storage"
	"go.opentelemetry.io/otel/metric"
)

// ReconcilerConfig controls a Reconciler.
type ReconcilerConfig struct {
	// Family selects which archives are eligible for eviction; defaults to
	// DefaultFamily.
	Family string
	// Dir is the directory scanned, relative to the storage root; defaults to
	// the root itself.
	Dir string
	// Index, when set, has evicted archives removed from it.
	Index storage.ArchiveIndex
	// Logf reports individual delete failures; defaults to log.Printf.
	Logf func(string, ...any)
	// TempMaxAge is how old a leftover temp file must be before it is
	// removed; defaults to DefaultTempMaxAge.
	TempMaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// MeterProvider receives the eviction counter; defaults to the global
	// provider.
	MeterProvider metric.MeterProvider
}

// DefaultTempMaxAge is the default age past which a temp file left by an
// interrupted archive write is swept.
const DefaultTempMaxAge = time.Hour

// Report summarises one reconciliation pass.
type Report struct {
	Deleted []string
	Failed  map[string]error
	// SweptTemps lists temp files of interrupted writes that were removed.
	SweptTemps []string
}

// Reconciler deletes archives of one family that are no longer needed.
type Reconciler struct {
	fs         fsys.FS
	family     string
	dir        string
	index      storage.ArchiveIndex
	logf       func(string, ...any)
	tempMaxAge time.Duration
	now        func() time.Time
	metrics    *instruments
}

// NewReconciler returns a Reconciler over fs.
func NewReconciler(fs fsys.FS, cfg ReconcilerConfig) (*Reconciler, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if cfg.Family == "" {
		cfg.Family = DefaultFamily
	}
	if err := validateFamily(cfg.Family); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = DefaultTempMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		fs:         fs,
		family:     cfg.Family,
		dir:        cfg.Dir,
		index:      cfg.Index,
		logf:       cfg.Logf,
		tempMaxAge: cfg.TempMaxAge,
		now:        cfg.Now,
		metrics:    newInstruments(cfg.MeterProvider),
	}, nil
}

// Reconcile deletes every archive of the family whose filename is not in
// keep. Files without the family suffix are never touched. A failed delete is
// logged and recorded in the report; the pass continues. Only a failed
// listing returns an error.
//
// When the filesystem supports it, temp files older than the configured age
// left by interrupted archive writes are removed as well.
func (r *Reconciler) Reconcile(ctx context.Context, keep []string) (Report, error) {
	report := Report{Failed: map[string]error{}}

	names, err := r.fs.ReadDir(ctx, r.dir)
	if err != nil {
		return report, fmt.Errorf("list archives: %w", err)
	}
	report.SweptTemps = r.sweepTemps(ctx)

	wanted := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		wanted[name] = struct{}{}
	}

	suffix := Suffix(r.family)
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.fs.Remove(ctx, path.Join(r.dir, name)); err != nil && !errors.Is(err, fsys.ErrNotExist) {
			r.logf("archive: evict %s: %v", name, err)
			report.Failed[name] = err
			continue
		}
		report.Deleted = append(report.Deleted, name)
		r.metrics.evictions.Add(ctx, 1, familyAttr(r.family))
		if r.index != nil {
			if err := r.index.DeleteArchive(ctx, name); err != nil {
				r.logf("archive: unindex %s: %v", name, err)
			}
		}
	}
	return report, nil
}

func (r *Reconciler) sweepTemps(ctx context.Context) []string {
	sweeper, ok := r.fs.(fsys.TempSweeper)
	if !ok {
		return nil
	}
	removed, err := sweeper.RemoveStaleTemps(ctx, r.dir, Suffix(r.family), r.now().Add(-r.tempMaxAge))
	if err != nil {
		r.logf("archive: sweep temp files: %v", err)
	}
	return removed
}
