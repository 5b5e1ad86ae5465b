// Package config loads ingestion settings from the environment, an optional
// .env file and an optional YAML overlay.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/exposure-ingest/internal/storage"
)

const (
	DefaultDBPath          = "data/exposures.db"
	DefaultChunkSize       = 500
	DefaultWorkers         = 1
	DefaultMergeMaxRetries = 3
	DefaultMaxFileBytes    = 10 * 1024 * 1024
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 30 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

// Config holds all ingestion settings.
type Config struct {
	DBDriver        storage.Driver `yaml:"db_driver"`
	DBPath          string         `yaml:"db_path"`
	DatabaseURL     string         `yaml:"database_url"`
	MaxOpenConns    int            `yaml:"max_open_conns"`
	MaxIdleConns    int            `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration  `yaml:"conn_max_lifetime"`
	PingTimeout     time.Duration  `yaml:"ping_timeout"`

	ChunkSize       int   `yaml:"chunk_size"`
	Workers         int   `yaml:"workers"`
	MergeMaxRetries int   `yaml:"merge_max_retries"`
	MaxFileBytes    int64 `yaml:"max_file_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBDriver:        storage.DriverSQLite,
		DBPath:          DefaultDBPath,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		PingTimeout:     DefaultPingTimeout,
		ChunkSize:       DefaultChunkSize,
		Workers:         DefaultWorkers,
		MergeMaxRetries: DefaultMergeMaxRetries,
		MaxFileBytes:    DefaultMaxFileBytes,
		LogLevel:        "info",
		LogFormat:       "auto",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// INGEST_CONFIG_FILE, then environment variables. A .env file in the
// working directory is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("INGEST_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate ingest config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.DBDriver = storage.Driver(strings.ToLower(envOrDefault("INGEST_DB_DRIVER", string(c.DBDriver))))
	c.DBPath = envOrDefault("INGEST_DB_PATH", c.DBPath)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
	c.LogFile = envOrDefault("LOG_FILE", c.LogFile)

	intVars := []struct {
		key string
		dst *int
	}{
		{"DATABASE_MAX_OPEN_CONNS", &c.MaxOpenConns},
		{"DATABASE_MAX_IDLE_CONNS", &c.MaxIdleConns},
		{"INGEST_CHUNK_SIZE", &c.ChunkSize},
		{"INGEST_WORKERS", &c.Workers},
		{"INGEST_MERGE_MAX_RETRIES", &c.MergeMaxRetries},
	}
	for _, v := range intVars {
		n, err := envOrDefaultInt(v.key, *v.dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*v.dst = n
	}

	maxFile, err := envOrDefaultInt64("INGEST_MAX_FILE_BYTES", c.MaxFileBytes)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.MaxFileBytes = maxFile
	}

	durationVars := []struct {
		key string
		dst *time.Duration
	}{
		{"DATABASE_CONN_MAX_LIFETIME", &c.ConnMaxLifetime},
		{"DATABASE_PING_TIMEOUT", &c.PingTimeout},
	}
	for _, v := range durationVars {
		d, err := envOrDefaultDuration(v.key, *v.dst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*v.dst = d
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if err := c.StorageConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("INGEST_CHUNK_SIZE must be >= 1, got %d", c.ChunkSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("INGEST_WORKERS must be >= 1, got %d", c.Workers))
	}
	if c.MergeMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("INGEST_MERGE_MAX_RETRIES must be >= 0, got %d", c.MergeMaxRetries))
	}
	if c.MaxFileBytes <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_MAX_FILE_BYTES must be greater than 0, got %d", c.MaxFileBytes))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json, console or auto, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// StorageConfig returns the store settings.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:          c.DBDriver,
		Path:            c.DBPath,
		URL:             c.DatabaseURL,
		PingTimeout:     c.PingTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
