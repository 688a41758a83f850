// Package app runs the tile sync process: a headless client that keeps an
// offline storage root current with the predictive-services API.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bcgov/asa-go/internal/offline/archive"
	"github.com/bcgov/asa-go/internal/offline/dataset"
	"github.com/bcgov/asa-go/internal/offline/fsys"
	"github.com/bcgov/asa-go/internal/offline/kvstore"
	indexsqlite "github.com/bcgov/asa-go/internal/offline/storage/sqlite"
	platformgrpc "github.com/bcgov/asa-go/internal/platform/grpc"
	"github.com/bcgov/asa-go/internal/services/tilesync/upstream"
)

// RuntimeConfig controls tile sync startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port         int
	StorageRoot  string
	IndexDBPath  string
	APIBaseURL   string
	Family       string
	Days         int
	PollInterval time.Duration
	FetchTimeout time.Duration
	WriteRetries uint
}

const (
	defaultTileSyncPort = 8095
	defaultStorageRoot  = "data/offline"
	healthService       = "tilesync.runtime"
)

// Run starts tile sync dependencies and the background sync loop.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return fmt.Errorf("api base url is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultTileSyncPort
	}
	if strings.TrimSpace(cfg.StorageRoot) == "" {
		cfg.StorageRoot = defaultStorageRoot
	}
	if strings.TrimSpace(cfg.IndexDBPath) == "" {
		cfg.IndexDBPath = filepath.Join(cfg.StorageRoot, "index.db")
	}
	if strings.TrimSpace(cfg.Family) == "" {
		cfg.Family = archive.DefaultFamily
	}

	if dir := filepath.Dir(cfg.IndexDBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index storage dir: %w", err)
		}
	}
	index, err := indexsqlite.Open(cfg.IndexDBPath)
	if err != nil {
		return fmt.Errorf("open archive index: %w", err)
	}
	defer func() {
		if closeErr := index.Close(); closeErr != nil {
			log.Printf("close archive index: %v", closeErr)
		}
	}()

	root, err := fsys.NewDir(cfg.StorageRoot)
	if err != nil {
		return fmt.Errorf("open storage root: %w", err)
	}
	client, err := upstream.NewClient(cfg.APIBaseURL, nil)
	if err != nil {
		return err
	}

	var healthServer *platformgrpc.HealthServer
	syncer, err := newSyncer(client, root, index, cfg, func(Result, error) {
		// Ready once the window has been synced at least once.
		healthServer.SetServing(healthService, true)
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on tilesync port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	healthServer = platformgrpc.ServeHealth(listener, healthService)
	defer healthServer.Stop()

	log.Printf("tilesync health server listening at %v", healthServer.Addr())
	log.Printf("syncing %s archives into %s", cfg.Family, root.Root())
	return syncer.Run(ctx)
}

// newSyncer builds the offline cache stack over root and index.
func newSyncer(client *upstream.Client, root fsys.FS, index *indexsqlite.Store, cfg RuntimeConfig, afterPass func(Result, error)) (*Syncer, error) {
	store := kvstore.New(root)
	archives, err := archive.New(store, client.ArchiveFetcher(cfg.Family), archive.Config{
		Family:       cfg.Family,
		FetchTimeout: cfg.FetchTimeout,
		Index:        index,
	})
	if err != nil {
		return nil, fmt.Errorf("archive cache: %w", err)
	}
	reconciler, err := archive.NewReconciler(root, archive.ReconcilerConfig{
		Family: cfg.Family,
		Index:  index,
	})
	if err != nil {
		return nil, fmt.Errorf("archive reconciler: %w", err)
	}
	stats, err := dataset.NewCache(store, dataset.HFIStatsSchema)
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	return NewSyncer(client, root, archives, reconciler, stats, Config{
		Days:         cfg.Days,
		PollInterval: cfg.PollInterval,
		WriteRetries: cfg.WriteRetries,
		AfterPass:    afterPass,
	})
}
