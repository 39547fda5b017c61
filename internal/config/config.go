package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/postwatch/postwatch/internal/cloudsql"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server  ServerConfig
	Logging LoggingConfig
	Scraper ScraperConfig
	Sync    SyncConfig
	Storage StorageConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// ScraperConfig configures the remote scrape job service.
type ScraperConfig struct {
	BaseURL      string
	Token        string
	ActorID      string
	PollInterval time.Duration
	MaxPolls     int
	HTTPTimeout  time.Duration
	ResultsLimit int
}

// SyncConfig configures the synchronization scheduler.
type SyncConfig struct {
	Interval        time.Duration
	FallbackDelay   time.Duration
	PeriodicEnabled bool
}

// StorageConfig selects where the client roster is persisted. Database holds
// connection details that are safe to log.
type StorageConfig struct {
	Backend       string
	SnapshotPath  string
	DatabaseURL   string
	MigrationsDir string
	Database      map[string]string
	SeedFile      string
	Pool          PoolConfig
}

// PoolConfig sizes the Postgres connection pool.
type PoolConfig struct {
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultScraperBaseURL      = "https://api.apify.com/v2"
	defaultScraperActorID      = "apify~instagram-profile-scraper"
	defaultScraperPollInterval = 5 * time.Second
	defaultScraperMaxPolls     = 20
	defaultScraperHTTPTimeout  = 30 * time.Second
	defaultScraperResultsLimit = 1

	defaultSyncInterval  = 6 * time.Hour
	defaultFallbackDelay = 2 * time.Second

	defaultSnapshotPath  = "./data/clients.json"
	defaultMigrationsDir = "./migrations"

	defaultDBMaxConnections     = 4
	defaultDBMaxIdleConnections = 2
	defaultDBConnMaxLifetime    = 5 * time.Minute
)

// LoadEnvFiles loads variables from the given dotenv files. Missing files are
// skipped and variables already present in the environment win.
func LoadEnvFiles(files ...string) ([]string, error) {
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("stat %s: %w", file, err)
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("load %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// Load reads configuration from environment variables, applying defaults when
// values are not provided.
func Load() (Config, error) {
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Scraper: ScraperConfig{
			BaseURL:      getEnv("SCRAPER_BASE_URL", defaultScraperBaseURL),
			Token:        os.Getenv("SCRAPER_TOKEN"),
			ActorID:      getEnv("SCRAPER_ACTOR_ID", defaultScraperActorID),
			PollInterval: defaultScraperPollInterval,
			MaxPolls:     defaultScraperMaxPolls,
			HTTPTimeout:  defaultScraperHTTPTimeout,
			ResultsLimit: defaultScraperResultsLimit,
		},
		Sync: SyncConfig{
			Interval:        defaultSyncInterval,
			FallbackDelay:   defaultFallbackDelay,
			PeriodicEnabled: true,
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", BackendFile),
			SnapshotPath:  getEnv("SNAPSHOT_PATH", defaultSnapshotPath),
			DatabaseURL:   os.Getenv("DATABASE_URL"),
			MigrationsDir: getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
			SeedFile:      os.Getenv("SEED_FILE"),
			Pool: PoolConfig{
				MaxConnections:     defaultDBMaxConnections,
				MaxIdleConnections: defaultDBMaxIdleConnections,
				ConnMaxLifetime:    defaultDBConnMaxLifetime,
			},
		},
	}

	durations := []struct {
		key    string
		unit   time.Duration
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", time.Second, &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", time.Second, &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", time.Second, &cfg.Server.ShutdownTimeout},
		{"SCRAPER_POLL_INTERVAL_SECONDS", time.Second, &cfg.Scraper.PollInterval},
		{"SCRAPER_HTTP_TIMEOUT_SECONDS", time.Second, &cfg.Scraper.HTTPTimeout},
		{"SYNC_INTERVAL_MINUTES", time.Minute, &cfg.Sync.Interval},
		{"SYNC_FALLBACK_DELAY_MS", time.Millisecond, &cfg.Sync.FallbackDelay},
		{"DB_CONN_MAX_LIFETIME_MINUTES", time.Minute, &cfg.Storage.Pool.ConnMaxLifetime},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = time.Duration(n) * d.unit
	}

	if cfg.Sync.Interval == 0 {
		return Config{}, fmt.Errorf("invalid SYNC_INTERVAL_MINUTES: must be greater than zero")
	}

	if v := os.Getenv("SCRAPER_MAX_POLLS"); v != "" {
		n, err := parseNonNegative(v)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("invalid SCRAPER_MAX_POLLS: must be a positive integer")
		}
		cfg.Scraper.MaxPolls = n
	}

	if v := os.Getenv("SCRAPER_RESULTS_LIMIT"); v != "" {
		n, err := parseNonNegative(v)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("invalid SCRAPER_RESULTS_LIMIT: must be a positive integer")
		}
		cfg.Scraper.ResultsLimit = n
	}

	if v := os.Getenv("DB_MAX_CONNECTIONS"); v != "" {
		n, err := parseNonNegative(v)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNECTIONS: must be a positive integer")
		}
		cfg.Storage.Pool.MaxConnections = n
	}

	if v := os.Getenv("DB_MAX_IDLE_CONNECTIONS"); v != "" {
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNECTIONS: %w", err)
		}
		cfg.Storage.Pool.MaxIdleConnections = n
	}

	if cfg.Storage.Pool.MaxIdleConnections > cfg.Storage.Pool.MaxConnections {
		cfg.Storage.Pool.MaxIdleConnections = cfg.Storage.Pool.MaxConnections
	}

	if v := os.Getenv("SYNC_PERIODIC_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SYNC_PERIODIC_ENABLED: %w", err)
		}
		cfg.Sync.PeriodicEnabled = enabled
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	switch cfg.Storage.Backend {
	case BackendFile:
	case BackendPostgres:
		db := cloudsql.FromEnv()
		dsn, err := db.DSN()
		if err != nil {
			return Config{}, fmt.Errorf("STORAGE_BACKEND=postgres: %w", err)
		}
		cfg.Storage.DatabaseURL = dsn
		cfg.Storage.Database = db.Describe()
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_BACKEND: must be 'file' or 'postgres'")
	}

	return cfg, nil
}

func parseNonNegative(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
