package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file with
// environment variable overrides applied on top.
type Config struct {
	Provider    ProviderConfig  `yaml:"provider" env:", prefix=PROVIDER_"`
	DataFetcher FetcherConfig   `yaml:"data_fetcher" env:", prefix=FETCHER_"`
	DataStorage StorageConfig   `yaml:"data_storage" env:", prefix=STORAGE_"`
	Cache       CacheConfig     `yaml:"cache" env:", prefix=CACHE_"`
	Dashboard   DashboardConfig `yaml:"dashboard" env:", prefix=DASHBOARD_"`
	Logging     LoggingConfig   `yaml:"logging" env:", prefix=LOG_"`
}

// ProviderConfig holds the remote market-data terminal session settings.
type ProviderConfig struct {
	Token        string        `yaml:"token" env:"TOKEN, overwrite"`
	TerminalAddr string        `yaml:"terminal_addr" env:"TERMINAL_ADDR, overwrite"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT, overwrite"`
}

// FetcherConfig controls the synchronization engine.
type FetcherConfig struct {
	Mode             string        `yaml:"mode" env:"MODE, overwrite"` // auto | initial | update | refresh
	DefaultStartDate string        `yaml:"default_start_date" env:"DEFAULT_START_DATE, overwrite"`
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE, overwrite"`
	ResumeDownload   bool          `yaml:"resume_download" env:"RESUME_DOWNLOAD, overwrite"`
	MinCallInterval  time.Duration `yaml:"min_call_interval" env:"MIN_CALL_INTERVAL, overwrite"`
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES, overwrite"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF, overwrite"`
}

// StorageConfig holds the local store location.
type StorageConfig struct {
	BasePath string `yaml:"base_path" env:"BASE_PATH, overwrite"`
}

// CacheConfig holds the optional realtime quote cache settings.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED, overwrite"`
	Addr     string        `yaml:"addr" env:"ADDR, overwrite"`
	Password string        `yaml:"password" env:"PASSWORD, overwrite"`
	DB       int           `yaml:"db" env:"DB, overwrite"`
	TTL      time.Duration `yaml:"ttl" env:"TTL, overwrite"`
}

// DashboardConfig holds the status HTTP server settings.
type DashboardConfig struct {
	Host        string `yaml:"host" env:"HOST, overwrite"`
	Port        int    `yaml:"port" env:"PORT, overwrite"`
	CORSEnabled bool   `yaml:"cors_enabled" env:"CORS_ENABLED, overwrite"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL, overwrite"`
	Format string `yaml:"format" env:"FORMAT, overwrite"`
	Output string `yaml:"output" env:"OUTPUT, overwrite"`
}

// Load reads the YAML config at path (missing file is not an error), applies
// environment overrides, fills defaults and validates. Precedence:
// defaults < file < environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.DataFetcher.Mode == "" {
		c.DataFetcher.Mode = "auto"
	}
	if c.DataFetcher.DefaultStartDate == "" {
		c.DataFetcher.DefaultStartDate = "2020-01-01"
	}
	if c.DataFetcher.BatchSize == 0 {
		c.DataFetcher.BatchSize = 50
	}
	if c.DataFetcher.MinCallInterval == 0 {
		c.DataFetcher.MinCallInterval = 100 * time.Millisecond
	}
	if c.DataFetcher.MaxRetries == 0 {
		c.DataFetcher.MaxRetries = 3
	}
	if c.DataFetcher.RetryBackoff == 0 {
		c.DataFetcher.RetryBackoff = time.Second
	}
	if c.DataStorage.BasePath == "" {
		c.DataStorage.BasePath = "./data"
	}
	if c.Cache.Addr == "" {
		c.Cache.Addr = "localhost:6379"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Second
	}
	if c.Dashboard.Host == "" {
		c.Dashboard.Host = "0.0.0.0"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks invariants that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.DataFetcher.Mode {
	case "auto", "initial", "update", "refresh":
	default:
		return fmt.Errorf("invalid data_fetcher.mode: %q", c.DataFetcher.Mode)
	}
	if c.DataFetcher.BatchSize <= 0 {
		return fmt.Errorf("data_fetcher.batch_size must be positive, got %d", c.DataFetcher.BatchSize)
	}
	if _, err := time.Parse("2006-01-02", c.DataFetcher.DefaultStartDate); err != nil {
		return fmt.Errorf("invalid data_fetcher.default_start_date: %w", err)
	}
	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard port: %d", c.Dashboard.Port)
	}
	return nil
}

// DashboardAddr returns the dashboard listen address.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}
