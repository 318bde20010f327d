package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vjranagit/timeglass/internal/logging"
	"github.com/vjranagit/timeglass/pkg/collector"
	"github.com/vjranagit/timeglass/pkg/sampler"
	"github.com/vjranagit/timeglass/pkg/storage"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Writer    WriterConfig    `json:"writer"`
	Sampler   SamplerConfig   `json:"sampler"`
	Collector CollectorConfig `json:"collector"`
	Query     QueryConfig     `json:"query"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// ProfileAPI profiles the API's own requests.
	ProfileAPI bool `json:"profile_api"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string `json:"path"`
	RetentionDays    int    `json:"retention_days"`
	CompressionLevel int    `json:"compression_level"`
	EnableWAL        bool   `json:"enable_wal"`
}

// WriterConfig configures the background batch writer.
type WriterConfig struct {
	QueueSize     int           `json:"queue_size"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// SamplerConfig configures host sampling.
type SamplerConfig struct {
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
}

// CollectorConfig configures periodic snapshots.
type CollectorConfig struct {
	SnapshotInterval time.Duration `json:"snapshot_interval"`
}

// QueryConfig configures reads.
type QueryConfig struct {
	StatsWindow time.Duration `json:"stats_window"`
	// CacheTTL of zero disables the listing cache.
	CacheTTL  time.Duration `json:"cache_ttl"`
	CacheSize int           `json:"cache_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Load reads an optional .env file and then builds the configuration from
// the environment. Variables already set take precedence over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return DefaultConfig(), nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("TIMEGLASS_LISTEN_ADDR", ":8080"),
			ShutdownTimeout: 30 * time.Second,
			ProfileAPI:      getEnvBool("TIMEGLASS_PROFILE_API", false),
		},
		Storage: StorageConfig{
			Path:             getEnv("TIMEGLASS_DB_PATH", "./timeglass-data"),
			RetentionDays:    getEnvInt("TIMEGLASS_RETENTION_DAYS", 30),
			CompressionLevel: getEnvInt("TIMEGLASS_COMPRESSION_LEVEL", 3),
			EnableWAL:        getEnvBool("TIMEGLASS_ENABLE_WAL", true),
		},
		Writer: WriterConfig{
			QueueSize:     getEnvInt("TIMEGLASS_QUEUE_SIZE", 1024),
			BatchSize:     getEnvInt("TIMEGLASS_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("TIMEGLASS_FLUSH_INTERVAL", 100*time.Millisecond),
		},
		Sampler: SamplerConfig{
			Enabled: getEnvBool("TIMEGLASS_SAMPLER_ENABLED", true),
			Timeout: getEnvDuration("TIMEGLASS_SAMPLER_TIMEOUT", 250*time.Millisecond),
		},
		Collector: CollectorConfig{
			SnapshotInterval: getEnvDuration("TIMEGLASS_SNAPSHOT_INTERVAL", 15*time.Second),
		},
		Query: QueryConfig{
			StatsWindow: getEnvDuration("TIMEGLASS_STATS_WINDOW", time.Hour),
			CacheTTL:    getEnvDuration("TIMEGLASS_QUERY_CACHE_TTL", 2*time.Second),
			CacheSize:   getEnvInt("TIMEGLASS_QUERY_CACHE_SIZE", 256),
		},
		Log: LogConfig{
			Level:  getEnv("TIMEGLASS_LOG_LEVEL", "info"),
			Pretty: getEnvBool("TIMEGLASS_LOG_PRETTY", false),
		},
	}
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
	}
}

// ToBatchConfig converts to storage.BatchConfig
func (c *Config) ToBatchConfig() storage.BatchConfig {
	return storage.BatchConfig{
		QueueSize:     c.Writer.QueueSize,
		BatchSize:     c.Writer.BatchSize,
		FlushInterval: c.Writer.FlushInterval,
	}
}

// ToSamplerConfig converts to sampler.Config
func (c *Config) ToSamplerConfig() sampler.Config {
	return sampler.Config{
		Enabled: c.Sampler.Enabled,
		Timeout: c.Sampler.Timeout,
	}
}

// ToCollectorConfig converts to collector.Config
func (c *Config) ToCollectorConfig() collector.Config {
	return collector.Config{
		Enabled:  c.Sampler.Enabled && c.Collector.SnapshotInterval > 0,
		Interval: c.Collector.SnapshotInterval,
	}
}

// ToLoggingConfig converts to logging.Config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Writer.QueueSize < 1 || c.Writer.BatchSize < 1 {
		return fmt.Errorf("queue size and batch size must be positive")
	}

	if c.Writer.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}

	if c.Sampler.Timeout <= 0 {
		return fmt.Errorf("sampler timeout must be positive")
	}

	if c.Collector.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative")
	}

	if c.Query.StatsWindow <= 0 {
		return fmt.Errorf("stats window must be positive")
	}

	if c.Query.CacheTTL < 0 || c.Query.CacheSize < 0 {
		return fmt.Errorf("query cache settings must not be negative")
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
