// Package tilesync parses tile sync command flags and launches the sync runtime.
package tilesync

import (
	"context"
	"flag"
	"time"

	"github.com/bcgov/asa-go/internal/platform/config"
	entrypoint "github.com/bcgov/asa-go/internal/platform/cmd"
	tilesyncapp "github.com/bcgov/asa-go/internal/services/tilesync/app"
)

// Config holds tile sync command configuration.
type Config struct {
	Port         int           `env:"TILESYNC_PORT" envDefault:"8095"`
	StorageRoot  string        `env:"TILESYNC_STORAGE_ROOT" envDefault:"data/offline"`
	IndexDBPath  string        `env:"TILESYNC_INDEX_DB_PATH" envDefault:"data/offline/index.db"`
	APIBaseURL   string        `env:"TILESYNC_API_BASE_URL"`
	Family       string        `env:"TILESYNC_FAMILY" envDefault:"hfi"`
	Days         int           `env:"TILESYNC_DAYS" envDefault:"2"`
	PollInterval time.Duration `env:"TILESYNC_POLL_INTERVAL" envDefault:"10m"`
	FetchTimeout time.Duration `env:"TILESYNC_FETCH_TIMEOUT" envDefault:"30s"`
	WriteRetries uint          `env:"TILESYNC_WRITE_RETRIES" envDefault:"3"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The tile sync health gRPC server port")
	fs.StringVar(&cfg.StorageRoot, "storage-root", cfg.StorageRoot, "Directory the offline cache is written to")
	fs.StringVar(&cfg.IndexDBPath, "index-db-path", cfg.IndexDBPath, "The archive index SQLite database path")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "Predictive-services API base URL")
	fs.StringVar(&cfg.Family, "family", cfg.Family, "Tile archive family to sync")
	fs.IntVar(&cfg.Days, "days", cfg.Days, "Number of days to keep, starting today")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between sync passes")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Timeout for one archive download")
	fs.UintVar(&cfg.WriteRetries, "write-retries", cfg.WriteRetries, "Attempts to persist a downloaded archive")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := config.Require(map[string]string{"TILESYNC_API_BASE_URL": cfg.APIBaseURL}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the tile sync runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTileSync, func(context.Context) error {
		return tilesyncapp.Run(ctx, tilesyncapp.RuntimeConfig{
			Port:         cfg.Port,
			StorageRoot:  cfg.StorageRoot,
			IndexDBPath:  cfg.IndexDBPath,
			APIBaseURL:   cfg.APIBaseURL,
			Family:       cfg.Family,
			Days:         cfg.Days,
			PollInterval: cfg.PollInterval,
			FetchTimeout: cfg.FetchTimeout,
			WriteRetries: cfg.WriteRetries,
		})
	})
}
