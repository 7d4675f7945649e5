// Package config handles loading and validating tiba configuration.
//
// Two layers exist: the app config (tiba.yaml: provider, storage,
// observability, API settings for the orchestrator itself) and the target
// config (config.toml inside the fuzz target directory: compiler standard,
// executable name, and build/runtime environment for the system under test).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root app configuration for tiba.
type Config struct {
	Provider      ProviderConfig       `yaml:"provider"`
	Storage       *StorageConfig       `yaml:"storage,omitempty"`       // nil = SQLite default.
	Observability *ObservabilityConfig `yaml:"observability,omitempty"` // nil = observability disabled.
	API           *APIConfig           `yaml:"api,omitempty"`           // nil = status API disabled.
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	RecordsDir    string               `yaml:"records_dir,omitempty"` // Default: ./records.
	LogLevel      string               `yaml:"log_level,omitempty"`   // debug|info|warn|error. Default: info.
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	Name   string `yaml:"name"`    // "gemini" (default).
	Model  string `yaml:"model"`   // e.g. "gemini-2.0-flash".
	APIKey string `yaml:"api_key"` // Overridden by GEMINI_API_KEY.
}

// StorageConfig configures the crash archive backend.
type StorageConfig struct {
	Driver   string                 `yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `yaml:"path,omitempty"` // Database file path. Default: <records_dir>/tiba.db.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN string `yaml:"dsn"`
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	Metrics bool           `yaml:"metrics"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"` // nil = tracing disabled.
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name,omitempty"` // Default: "tiba".
	Endpoint    string  `yaml:"endpoint"`               // e.g. "localhost:4317".
	Protocol    string  `yaml:"protocol,omitempty"`     // "grpc" (default) or "http".
	Insecure    bool    `yaml:"insecure,omitempty"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"` // Default: 1.0.
}

// APIConfig configures the read-only status HTTP API.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr,omitempty"` // Default: ":8090".
}

// Addr returns the listen address, defaulting to ":8090".
func (a *APIConfig) Addr() string {
	if a != nil && a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":8090"
}

// PipelineConfig tunes the cooperative scheduler.
type PipelineConfig struct {
	PollIntervalS int `yaml:"poll_interval_s,omitempty"` // Default: 10.
	RetryLimit    int `yaml:"retry_limit,omitempty"`     // Repair rounds per crash. Default: 15.
}

// PollInterval returns the scheduler poll interval, defaulting to 10s.
func (p PipelineConfig) PollInterval() time.Duration {
	if p.PollIntervalS > 0 {
		return time.Duration(p.PollIntervalS) * time.Second
	}
	return 10 * time.Second
}

// Retries returns the repair retry threshold, defaulting to 15.
func (p PipelineConfig) Retries() int {
	if p.RetryLimit > 0 {
		return p.RetryLimit
	}
	return 15
}

// Records returns the record output directory, defaulting to "records".
func (c *Config) Records() string {
	if c.RecordsDir != "" {
		return c.RecordsDir
	}
	return "records"
}

// Load reads the app config from path. A missing file yields the zero
// config (environment variables still apply), so tiba runs without one.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Env vars take precedence over file values.
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if envDSN := os.Getenv("TIBA_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envDir := os.Getenv("TIBA_RECORDS_DIR"); envDir != "" {
		cfg.RecordsDir = envDir
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "gemini"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gemini-2.0-flash"
	}

	return &cfg, nil
}

// Level maps the configured log level onto a slog level string.
func (c *Config) Level() string {
	if c.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(c.LogLevel)
}

// SQLitePath returns the archive database path, derived from the records
// directory when unset.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.Records(), "tiba.db")
}
