// Package config loads and validates imagecrawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. IMAGECRAWL_STATE_PROVIDER.
const EnvPrefix = "IMAGECRAWL"

// State store providers.
const (
	ProviderMemory   = "memory"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderPostgres = "postgres"
	ProviderSQLite   = "sqlite"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	State    StateConfig    `mapstructure:"state"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Download DownloadConfig `mapstructure:"download"`
	Staging  StagingConfig  `mapstructure:"staging"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Server   ServerConfig   `mapstructure:"server"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features and the rotating log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// StateConfig selects where the session snapshot lives.
type StateConfig struct {
	Provider string         `mapstructure:"provider"`
	Folder   string         `mapstructure:"folder"`
	Name     string         `mapstructure:"name"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// LocalConfig roots the local snapshot file.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the bucket holding the snapshot object.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PostgresConfig controls the relational snapshot store.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// SQLiteConfig points at the embedded snapshot database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// FetchConfig configures image retrieval and retries.
type FetchConfig struct {
	URLTemplate  string `mapstructure:"url_template"`
	Placeholder  string `mapstructure:"placeholder"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
	Backoff      string `mapstructure:"backoff"`
	MaxDelayMs   int    `mapstructure:"max_delay_ms"`
}

// HTTPConfig configures the colly transport.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyMB      int    `mapstructure:"max_body_mb"`
	// RequestsPerSecond caps requests per image host; 0 disables the cap.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DownloadConfig governs the run loop.
type DownloadConfig struct {
	DelayMs            int `mapstructure:"delay_ms"`
	MaxPersistFailures int `mapstructure:"max_persist_failures"`
}

// StagingConfig roots the per-session scratch directories.
type StagingConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ExtractConfig sets the domain marker harvested strings must contain.
type ExtractConfig struct {
	Marker string `mapstructure:"marker"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// PubSubConfig holds the optional run-summary topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig toggles the OpenTelemetry provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional .env file, the config file at path
// and IMAGECRAWL_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("state.provider", ProviderLocal)
	v.SetDefault("state.folder", "imagecrawl")
	v.SetDefault("state.name", "imagecrawl_session.json")
	v.SetDefault("state.local.base_dir", ".imagecrawl")
	v.SetDefault("state.gcs.bucket", "")
	v.SetDefault("state.postgres.dsn", "")
	v.SetDefault("state.postgres.table", "session_snapshots")
	v.SetDefault("state.postgres.max_conns", 4)
	v.SetDefault("state.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("state.sqlite.path", "imagecrawl.db")
	v.SetDefault("fetch.url_template",
		"https://sg30p0.familysearch.org/service/records/storage/deepzoomcloud/dz/v1/3:1:{IDs}/$dist")
	v.SetDefault("fetch.placeholder", "{IDs}")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_delay_ms", 5000)
	v.SetDefault("fetch.backoff", "constant")
	v.SetDefault("fetch.max_delay_ms", 60000)
	v.SetDefault("http.user_agent", "imagecrawl/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_mb", 64)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("download.delay_ms", 200)
	v.SetDefault("download.max_persist_failures", 3)
	v.SetDefault("staging.base_dir", "")
	v.SetDefault("extract.marker", "familysearch.org/ark:")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 120)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "imagecrawl")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.State.Provider {
	case ProviderMemory, ProviderLocal, ProviderSQLite:
	case ProviderGCS:
		if c.State.GCS.Bucket == "" {
			return fmt.Errorf("state.gcs.bucket must be set when state.provider is gcs")
		}
	case ProviderPostgres:
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn must be set when state.provider is postgres")
		}
	default:
		return fmt.Errorf("state.provider %q is not supported", c.State.Provider)
	}
	if c.State.Name == "" {
		return fmt.Errorf("state.name must be set")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.RetryDelayMs < 0 {
		return fmt.Errorf("fetch.retry_delay_ms must be >= 0")
	}
	if !strings.Contains(c.Fetch.URLTemplate, c.Fetch.Placeholder) || c.Fetch.Placeholder == "" {
		return fmt.Errorf("fetch.url_template must contain fetch.placeholder %q", c.Fetch.Placeholder)
	}
	switch c.Fetch.Backoff {
	case "constant", "exponential":
	default:
		return fmt.Errorf("fetch.backoff must be constant or exponential, got %q", c.Fetch.Backoff)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Download.DelayMs < 0 {
		return fmt.Errorf("download.delay_ms must be >= 0")
	}
	if c.Download.MaxPersistFailures <= 0 {
		return fmt.Errorf("download.max_persist_failures must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// RetryDelay converts fetch.retry_delay_ms into a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Fetch.RetryDelayMs) * time.Millisecond
}

// MaxRetryDelay converts fetch.max_delay_ms into a duration.
func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Fetch.MaxDelayMs) * time.Millisecond
}

// ItemDelay converts download.delay_ms into the default inter-item delay.
func (c Config) ItemDelay() time.Duration {
	return time.Duration(c.Download.DelayMs) * time.Millisecond
}

// HTTPTimeout is the per-attempt request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
