// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported storage provider names.
const (
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl worker pool.
type CrawlerConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	UserAgent        string   `mapstructure:"user_agent"`
	RespectRobots    bool     `mapstructure:"respect_robots"`
	ExtractLinks     bool     `mapstructure:"extract_links"`
	MaxDepth         int      `mapstructure:"max_depth"`
	PollIntervalMs   int      `mapstructure:"poll_interval_ms"`
	FetchTimeoutSec  int      `mapstructure:"fetch_timeout_seconds"`
	Headless         bool     `mapstructure:"headless"`
	HeadlessParallel int      `mapstructure:"headless_max_parallel"`
	RateLimitRPS     float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int      `mapstructure:"rate_limit_burst"`
	BlockedDomains   []string `mapstructure:"blocked_domains"`
}

// FrontierConfig tunes the request queue's consistency windows. Zero values
// keep the production defaults.
type FrontierConfig struct {
	DefaultQueue              string `mapstructure:"default_queue"`
	StorageConsistencyDelayMs int    `mapstructure:"storage_consistency_delay_ms"`
	ProcessedRequestsDelayMs  int    `mapstructure:"processed_requests_delay_ms"`
	PersistStateIntervalSec   int    `mapstructure:"persist_state_interval_seconds"`
}

// StorageConfig selects the request store and key-value store backends.
type StorageConfig struct {
	Provider   string         `mapstructure:"provider"`
	KVProvider string         `mapstructure:"kv_provider"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
	Local      LocalConfig    `mapstructure:"local"`
	GCS        GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig controls access to the relational request store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// LocalConfig sets the base directory for the filesystem key-value store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig points the key-value store at a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "crawlkit/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.extract_links", true)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.poll_interval_ms", 500)
	v.SetDefault("crawler.fetch_timeout_seconds", 15)
	v.SetDefault("crawler.headless", false)
	v.SetDefault("crawler.headless_max_parallel", 1)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("frontier.default_queue", "default")
	v.SetDefault("frontier.persist_state_interval_seconds", 60)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.kv_provider", ProviderMemory)
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.gcs.prefix", "frontier")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.FetchTimeoutSec <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Crawler.Headless && c.Crawler.HeadlessParallel <= 0 {
		return fmt.Errorf("crawler.headless_max_parallel must be > 0 when headless is enabled")
	}
	if c.Crawler.RateLimitRPS < 0 {
		return fmt.Errorf("crawler.rate_limit_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Storage.KVProvider {
	case ProviderMemory:
	case ProviderLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local kv provider")
		}
	case ProviderGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs kv provider")
		}
	default:
		return fmt.Errorf("unknown storage.kv_provider %q", c.Storage.KVProvider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	return nil
}

// FetchTimeout returns the page fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSec) * time.Second
}

// PollInterval returns the worker idle poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Crawler.PollIntervalMs) * time.Millisecond
}

// StorageConsistencyDelay returns the configured delay, zero for default.
func (c Config) StorageConsistencyDelay() time.Duration {
	return time.Duration(c.Frontier.StorageConsistencyDelayMs) * time.Millisecond
}

// ProcessedRequestsDelay returns the configured delay, zero for default.
func (c Config) ProcessedRequestsDelay() time.Duration {
	return time.Duration(c.Frontier.ProcessedRequestsDelayMs) * time.Millisecond
}

// PersistStateInterval returns the frontier snapshot interval.
func (c Config) PersistStateInterval() time.Duration {
	return time.Duration(c.Frontier.PersistStateIntervalSec) * time.Second
}
