// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// DataDir is the base directory for all on-disk state: coverage indexes,
	// day files, the job queue and the catalog database. Always absolute.
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	// Provider credentials. All optional: an unconfigured provider is simply
	// left out of the stack.
	BinanceAPIKey    string
	BinanceAPISecret string
	PolygonAPIKey    string
	Archive          ArchiveConfig

	// HistoryFloor bounds bootstrap backfills when a job names no start day
	// (YYYYMMDD).
	HistoryFloor string

	// Worker loop tuning.
	PollInterval   time.Duration
	StaleTimeout   time.Duration
	RequestTimeout time.Duration
	TrailingDays   int
	MaxDiskUsedPct float64

	// ReconcileSchedule is the cron expression for the periodic incremental
	// reconcile of all enabled instruments. Empty disables scheduling.
	ReconcileSchedule string
	// RetentionDays prunes data older than this many days. Zero keeps
	// everything.
	RetentionDays int
}

// ArchiveConfig holds the order-book archive's object store settings.
type ArchiveConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // non-AWS S3-compatible stores
	AccessKey string
	SecretKey string
}

// Configured reports whether the archive can be used at all.
func (a ArchiveConfig) Configured() bool {
	return a.Bucket != ""
}

// Load reads configuration from environment variables, with .env support.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("CK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("CK_PORT", 8040),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret: getEnv("BINANCE_API_SECRET", ""),
		PolygonAPIKey:    getEnv("POLYGON_API_KEY", ""),
		Archive: ArchiveConfig{
			Bucket:    getEnv("CK_ARCHIVE_BUCKET", ""),
			Prefix:    getEnv("CK_ARCHIVE_PREFIX", "books"),
			Region:    getEnv("CK_ARCHIVE_REGION", "us-east-1"),
			Endpoint:  getEnv("CK_ARCHIVE_ENDPOINT", ""),
			AccessKey: getEnv("CK_ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("CK_ARCHIVE_SECRET_KEY", ""),
		},

		HistoryFloor: getEnv("CK_HISTORY_FLOOR", "20170101"),

		PollInterval:   getEnvAsDuration("CK_POLL_INTERVAL", 2*time.Second),
		StaleTimeout:   getEnvAsDuration("CK_STALE_TIMEOUT", 10*time.Minute),
		RequestTimeout: getEnvAsDuration("CK_REQUEST_TIMEOUT", 30*time.Second),
		TrailingDays:   getEnvAsInt("CK_TRAILING_DAYS", 2),
		MaxDiskUsedPct: getEnvAsFloat("CK_MAX_DISK_USED_PCT", 90),

		ReconcileSchedule: getEnv("CK_RECONCILE_SCHEDULE", "*/15 * * * *"),
		RetentionDays:     getEnvAsInt("CK_RETENTION_DAYS", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TrailingDays < 1 {
		return fmt.Errorf("trailing days must be at least 1")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}
	return nil
}

// Paths derived from DataDir. Keeping them in one place so every component
// agrees on the layout.

// IndexDir is where coverage indexes live.
func (c *Config) IndexDir() string { return filepath.Join(c.DataDir, "index") }

// BarsDir is where day files live.
func (c *Config) BarsDir() string { return filepath.Join(c.DataDir, "bars") }

// QueueDir is the job queue root.
func (c *Config) QueueDir() string { return filepath.Join(c.DataDir, "queue") }

// CatalogPath is the instrument catalog database file.
func (c *Config) CatalogPath() string { return filepath.Join(c.DataDir, "catalog.db") }

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
