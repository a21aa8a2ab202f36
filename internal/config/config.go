package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StorageConfig selects and configures the data-store backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds relational backend settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnString builds the pgx pool connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.MaxConns, c.MinConns,
	)
}

// RedisConfig holds document backend settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ResourceDefaults are per-resource-type write defaults, read from the
// resources.overrides section of the config file.
type ResourceDefaults struct {
	KeepHistory bool `yaml:"keep_history"`
	AllowCreate bool `yaml:"allow_create"`
}

// ResourcesConfig holds the write defaults and per-type overrides. The
// defaults are pointers so an explicit false survives defaulting.
type ResourcesConfig struct {
	KeepHistoryDefault *bool                       `yaml:"keep_history_default"`
	AllowCreateDefault *bool                       `yaml:"allow_create_default"`
	Overrides          map[string]ResourceDefaults `yaml:"overrides"`
}

// KeepHistory returns the effective keep-history flag for a resource type.
func (c ResourcesConfig) KeepHistory(resourceType string) bool {
	if o, ok := c.Overrides[resourceType]; ok {
		return o.KeepHistory
	}
	return *c.KeepHistoryDefault
}

// AllowCreate returns the effective allow-create flag for a resource type.
func (c ResourcesConfig) AllowCreate(resourceType string) bool {
	if o, ok := c.Overrides[resourceType]; ok {
		return o.AllowCreate
	}
	return *c.AllowCreateDefault
}

// ReindexConfig holds the job manager settings.
type ReindexConfig struct {
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs"`
	HeartbeatThreshold time.Duration `yaml:"job_heartbeat_threshold"`
	PollInterval       time.Duration `yaml:"job_poll_interval"`
	DefaultBatchSize   int           `yaml:"default_batch_size"`
}

// MetricsConfig holds metrics listener configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of the resource store and
// reindex worker.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Resources ResourcesConfig `yaml:"resources"`
	Reindex   ReindexConfig   `yaml:"reindex"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration.
func setDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.Postgres.Port == 0 {
		cfg.Storage.Postgres.Port = 5432
	}
	if cfg.Storage.Postgres.MaxConns == 0 {
		cfg.Storage.Postgres.MaxConns = 10
	}
	if cfg.Storage.Postgres.MinConns == 0 {
		cfg.Storage.Postgres.MinConns = 2
	}
	if cfg.Storage.Redis.Port == 0 {
		cfg.Storage.Redis.Port = 6379
	}
	trueDefault := true
	if cfg.Resources.KeepHistoryDefault == nil {
		cfg.Resources.KeepHistoryDefault = &trueDefault
	}
	if cfg.Resources.AllowCreateDefault == nil {
		cfg.Resources.AllowCreateDefault = &trueDefault
	}
	if cfg.Reindex.MaxConcurrentJobs == 0 {
		cfg.Reindex.MaxConcurrentJobs = 1
	}
	if cfg.Reindex.HeartbeatThreshold == 0 {
		cfg.Reindex.HeartbeatThreshold = 60 * time.Second
	}
	if cfg.Reindex.PollInterval == 0 {
		cfg.Reindex.PollInterval = 5 * time.Second
	}
	if cfg.Reindex.DefaultBatchSize == 0 {
		cfg.Reindex.DefaultBatchSize = 100
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("postgres backend requires storage.postgres.host")
		}
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("postgres backend requires storage.postgres.database")
		}
	case BackendRedis:
		if c.Storage.Redis.Host == "" {
			return fmt.Errorf("redis backend requires storage.redis.host")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	if c.Reindex.MaxConcurrentJobs < 1 {
		return fmt.Errorf("reindex.max_concurrent_jobs must be at least 1")
	}
	if c.Reindex.HeartbeatThreshold < time.Second {
		return fmt.Errorf("reindex.job_heartbeat_threshold must be at least 1s")
	}
	if c.Reindex.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("reindex.job_poll_interval must be at least 100ms")
	}
	if c.Reindex.DefaultBatchSize < 1 {
		return fmt.Errorf("reindex.default_batch_size must be at least 1")
	}
	return nil
}
