// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Storage and delivery backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Blob      BlobConfig      `mapstructure:"blob"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Importer  ImporterConfig  `mapstructure:"importer"`
	Review    ReviewConfig    `mapstructure:"review"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logs      LogsConfig      `mapstructure:"logs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs crawl execution.
type CrawlerConfig struct {
	UserAgent   string   `mapstructure:"user_agent"`
	MaxPages    int      `mapstructure:"max_pages"`
	MaxInFlight int      `mapstructure:"max_in_flight"`
	FileTypes   []string `mapstructure:"file_types"`
	MaxBodySize int      `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures page fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RobotsConfig tunes robots.txt resolution.
type RobotsConfig struct {
	TimeoutSeconds    int `mapstructure:"timeout_seconds"`
	TTLMinutes        int `mapstructure:"ttl_minutes"`
	FailureTTLMinutes int `mapstructure:"failure_ttl_minutes"`
}

// SchedulerConfig tunes the batch tick loop.
type SchedulerConfig struct {
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds"`
	Concurrency         int    `mapstructure:"concurrency"`
	Timezone            string `mapstructure:"timezone"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// RedisConfig enables the shared robots cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// BlobConfig selects where raw captures are written.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the import event destination.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ParserConfig configures extraction and the confidence gate.
type ParserConfig struct {
	ConfidenceThreshold     float64 `mapstructure:"confidence_threshold"`
	ExtractorEndpoint       string  `mapstructure:"extractor_endpoint"`
	ExtractorAPIKey         string  `mapstructure:"extractor_api_key"`
	ExtractorTimeoutSeconds int     `mapstructure:"extractor_timeout_seconds"`
}

// ImporterConfig tunes the duplicate gate sample and ID generation.
type ImporterConfig struct {
	SampleSize int `mapstructure:"sample_size"`
	IDAttempts int `mapstructure:"id_attempts"`
}

// ReviewConfig tunes the review pipeline.
type ReviewConfig struct {
	RequireManual   bool `mapstructure:"require_manual"`
	MinContentRunes int  `mapstructure:"min_content_runes"`
	MaxContentRunes int  `mapstructure:"max_content_runes"`
	SweepLimit      int  `mapstructure:"sweep_limit"`
}

// OpenAIConfig enables the AI review stage when APIKey is set.
type OpenAIConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Temperature    float64 `mapstructure:"temperature"`
	PassScore      float64 `mapstructure:"pass_score"`
}

// DashboardConfig tunes the observability report.
type DashboardConfig struct {
	TopErrors        int `mapstructure:"top_errors"`
	ErrorSample      int `mapstructure:"error_sample"`
	WarningThreshold int `mapstructure:"warning_threshold"`
}

// LogsConfig controls log retention.
type LogsConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// Load builds a Config from an optional .env file, an optional YAML file and
// the environment, in increasing order of precedence.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "problem-harvester/0.1")
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.max_in_flight", 8)
	v.SetDefault("crawler.file_types", []string{"pdf", "doc", "docx"})
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("robots.timeout_seconds", 5)
	v.SetDefault("robots.ttl_minutes", 1440)
	v.SetDefault("robots.failure_ttl_minutes", 5)
	v.SetDefault("scheduler.tick_interval_seconds", 60)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "harvester:robots:")
	v.SetDefault("blob.backend", BackendMemory)
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("blob.local_dir", "")
	v.SetDefault("blob.prefix", "captures")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "harvester-items")
	v.SetDefault("parser.confidence_threshold", 0.6)
	v.SetDefault("parser.extractor_endpoint", "")
	v.SetDefault("parser.extractor_api_key", "")
	v.SetDefault("parser.extractor_timeout_seconds", 120)
	v.SetDefault("importer.sample_size", 500)
	v.SetDefault("importer.id_attempts", 5)
	v.SetDefault("review.require_manual", true)
	v.SetDefault("review.min_content_runes", 8)
	v.SetDefault("review.max_content_runes", 5000)
	v.SetDefault("review.sweep_limit", 50)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.timeout_seconds", 60)
	v.SetDefault("openai.temperature", 0.0)
	v.SetDefault("openai.pass_score", 0.7)
	v.SetDefault("dashboard.top_errors", 5)
	v.SetDefault("dashboard.error_sample", 100)
	v.SetDefault("dashboard.warning_threshold", 5)
	v.SetDefault("logs.retention_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.MaxInFlight <= 0 {
		return fmt.Errorf("crawler.max_in_flight must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Robots.TimeoutSeconds <= 0 || c.Robots.TimeoutSeconds >= c.HTTP.TimeoutSeconds {
		return fmt.Errorf("robots.timeout_seconds must be > 0 and shorter than http.timeout_seconds")
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_interval_seconds must be > 0")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendMemory, BackendPostgres)
	}
	switch c.Blob.Backend {
	case BackendMemory:
	case BackendGCS:
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.backend is gcs")
		}
	case BackendLocal:
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set when blob.backend is local")
		}
	default:
		return fmt.Errorf("blob.backend must be %q, %q or %q", BackendMemory, BackendGCS, BackendLocal)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Parser.ConfidenceThreshold < 0 || c.Parser.ConfidenceThreshold > 1 {
		return fmt.Errorf("parser.confidence_threshold must be within [0, 1]")
	}
	if c.Importer.SampleSize <= 0 || c.Importer.SampleSize > 500 {
		return fmt.Errorf("importer.sample_size must be within [1, 500]")
	}
	if c.OpenAI.PassScore < 0 || c.OpenAI.PassScore > 1 {
		return fmt.Errorf("openai.pass_score must be within [0, 1]")
	}
	if c.Logs.RetentionDays < 1 {
		return fmt.Errorf("logs.retention_days must be >= 1")
	}
	return nil
}

// Location returns the scheduler's time zone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FetchTimeout is the per-page fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// TickInterval is the period of the scheduler loop.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}
