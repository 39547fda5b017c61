package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/postwatch/postwatch/internal/config"
	"github.com/postwatch/postwatch/internal/database"
	"github.com/postwatch/postwatch/internal/logging"
	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/registry"
	"github.com/postwatch/postwatch/internal/scheduler"
	"github.com/postwatch/postwatch/internal/scrape"
	"github.com/postwatch/postwatch/internal/snapshot"
)

// services holds the components shared by every command.
type services struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	db       *sql.DB
	registry *registry.Registry
	engine   *scheduler.Engine
}

// newServices loads configuration, opens the roster store and loads the
// roster. logOutput receives structured logs. When withMetrics is set a
// Prometheus collector is created and threaded through every component.
func newServices(ctx context.Context, logOutput io.Writer, withMetrics bool) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewWithWriter(cfg.Logging, logOutput)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	s := &services{cfg: cfg, logger: logger}

	if withMetrics {
		s.metrics, err = metrics.NewCollector()
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []registry.Option{registry.WithMetrics(s.metrics)}
	if cfg.Storage.SeedFile != "" {
		seeds, err := registry.LoadSeedFile(cfg.Storage.SeedFile, time.Now())
		if err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, registry.WithSeeds(seeds))
	}

	s.registry = registry.New(store, logger, opts...)
	if err := s.registry.Load(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *services) openStore(ctx context.Context) (models.RosterStore, error) {
	switch s.cfg.Storage.Backend {
	case config.BackendPostgres:
		s.logger.Info("database configuration",
			"config", s.cfg.Storage.Database,
			"max_connections", s.cfg.Storage.Pool.MaxConnections,
		)

		db, err := database.Connect(ctx, s.cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		s.db = db

		if err := database.RunMigrations(ctx, db, s.cfg.Storage.MigrationsDir, s.logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		return database.NewPostgresSnapshotStore(db, database.DefaultSnapshotKey), nil
	default:
		store := snapshot.NewFileStore(s.cfg.Storage.SnapshotPath)
		s.logger.Info("using snapshot file", "path", store.Path())
		return store, nil
	}
}

// startEngine builds the synchronization engine. Without a scraper token the
// remote fetcher always fails and every batch falls back to synthetic data.
func (s *services) startEngine() *scheduler.Engine {
	var remote scrape.Fetcher = scrape.Unavailable{}
	if s.cfg.Scraper.Token == "" {
		s.logger.Warn("SCRAPER_TOKEN is not set, synchronization will use synthetic data")
	} else {
		scfg := scrape.ConfigFromScraper(s.cfg.Scraper)
		jobs := scrape.NewHTTPJobService(scfg, &http.Client{Timeout: scfg.HTTPTimeout}, s.logger)
		remote = scrape.NewClient(jobs, scrape.NewMapper(s.logger, time.Now), scfg, s.logger, s.metrics)
	}

	fallback := scrape.NewSynthetic(s.cfg.Sync.FallbackDelay, time.Now, nil)
	s.engine = scheduler.NewEngine(s.registry, remote, fallback, s.logger, s.metrics)
	return s.engine
}

// Close stops background batches and releases the database.
func (s *services) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", "error", err)
		}
		s.db = nil
	}
}
