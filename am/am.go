// Package am holds the orchestrator configuration ("application manifest").
//
// Configuration is read by viper from TOML files and TESTORCH_* environment
// variables. Every section has defaults (see defaults.go) so an empty file is
// a valid configuration.
package am

import "time"

// Config represents the complete testorch configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Server      ServerConfig      `mapstructure:"server" toml:"server" yaml:"server" json:"server"`
	Log         LogConfig         `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
	Webhooks    WebhooksConfig    `mapstructure:"webhooks" toml:"webhooks" yaml:"webhooks" json:"webhooks"`
	Correlation CorrelationConfig `mapstructure:"correlation" toml:"correlation" yaml:"correlation" json:"correlation"`
	Queue       QueueConfig       `mapstructure:"queue" toml:"queue" yaml:"queue" json:"queue"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch" toml:"dispatch" yaml:"dispatch" json:"dispatch"`
	Tracker     TrackerConfig     `mapstructure:"tracker" toml:"tracker" yaml:"tracker" json:"tracker"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// ServerConfig configures the HTTP API and websocket endpoint
type ServerConfig struct {
	Port                   int      `mapstructure:"port" toml:"port" yaml:"port" json:"port"`
	AllowedOrigins         []string `mapstructure:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// Server port constants
const (
	DefaultServerPort = 8771
)

// LogConfig configures the global zap logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json" yaml:"json" json:"json"`
	Level string `mapstructure:"level" toml:"level" yaml:"level" json:"level"`
}

// WebhooksConfig configures the webhook ingestion gateway
type WebhooksConfig struct {
	ReplayWindowSeconds int                       `mapstructure:"replay_window_seconds" toml:"replay_window_seconds" yaml:"replay_window_seconds" json:"replay_window_seconds"`
	MaxBodyBytes        int64                     `mapstructure:"max_body_bytes" toml:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
	RatePerSecond       float64                   `mapstructure:"rate_per_second" toml:"rate_per_second" yaml:"rate_per_second" json:"rate_per_second"`
	Burst               int                       `mapstructure:"burst" toml:"burst" yaml:"burst" json:"burst"`
	Providers           map[string]ProviderConfig `mapstructure:"providers" toml:"providers" yaml:"providers" json:"providers"`
}

// ProviderConfig holds the per-provider webhook secret.
// A provider without a secret is disabled.
type ProviderConfig struct {
	Secret string `mapstructure:"secret" toml:"secret" yaml:"secret" json:"secret"`
}

// ReplayWindow returns the accepted timestamp skew
func (w WebhooksConfig) ReplayWindow() time.Duration {
	return time.Duration(w.ReplayWindowSeconds) * time.Second
}

// Secrets returns provider name -> secret for every enabled provider
func (w WebhooksConfig) Secrets() map[string][]byte {
	out := make(map[string][]byte, len(w.Providers))
	for name, p := range w.Providers {
		if p.Secret == "" {
			continue
		}
		out[name] = []byte(p.Secret)
	}
	return out
}

// CorrelationConfig configures the correlation engine
type CorrelationConfig struct {
	Workers                 int `mapstructure:"workers" toml:"workers" yaml:"workers" json:"workers"`
	Backlog                 int `mapstructure:"backlog" toml:"backlog" yaml:"backlog" json:"backlog"`
	DedupTTLHours           int `mapstructure:"dedup_ttl_hours" toml:"dedup_ttl_hours" yaml:"dedup_ttl_hours" json:"dedup_ttl_hours"`
	UnresolvedAttempts      int `mapstructure:"unresolved_attempts" toml:"unresolved_attempts" yaml:"unresolved_attempts" json:"unresolved_attempts"`
	UnresolvedWindowSeconds int `mapstructure:"unresolved_window_seconds" toml:"unresolved_window_seconds" yaml:"unresolved_window_seconds" json:"unresolved_window_seconds"`
}

// DedupTTL returns how long dedup keys are retained
func (c CorrelationConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLHours) * time.Hour
}

// UnresolvedWindow returns the span over which unresolved events are retried
func (c CorrelationConfig) UnresolvedWindow() time.Duration {
	return time.Duration(c.UnresolvedWindowSeconds) * time.Second
}

// QueueConfig configures admission control
type QueueConfig struct {
	MaxRunning            int `mapstructure:"max_running" toml:"max_running" yaml:"max_running" json:"max_running"`
	MaxInFlightShards     int `mapstructure:"max_in_flight_shards" toml:"max_in_flight_shards" yaml:"max_in_flight_shards" json:"max_in_flight_shards"`
	MaxWaiting            int `mapstructure:"max_waiting" toml:"max_waiting" yaml:"max_waiting" json:"max_waiting"`
	DefaultShards         int `mapstructure:"default_shards" toml:"default_shards" yaml:"default_shards" json:"default_shards"`
	MaxShards             int `mapstructure:"max_shards" toml:"max_shards" yaml:"max_shards" json:"max_shards"`
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes" toml:"default_timeout_minutes" yaml:"default_timeout_minutes" json:"default_timeout_minutes"`
	RetentionDays         int `mapstructure:"retention_days" toml:"retention_days" yaml:"retention_days" json:"retention_days"`
}

// DispatchConfig configures the CI/CD trigger call
type DispatchConfig struct {
	URL            string  `mapstructure:"url" toml:"url" yaml:"url" json:"url"`
	Token          string  `mapstructure:"token" toml:"token" yaml:"token" json:"-"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	RatePerMinute  float64 `mapstructure:"rate_per_minute" toml:"rate_per_minute" yaml:"rate_per_minute" json:"rate_per_minute"`
}

// Timeout returns the trigger call timeout
func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Tracker kinds
const (
	TrackerLog    = "log"
	TrackerGitHub = "github"
)

// TrackerConfig configures the external issue tracker
type TrackerConfig struct {
	Kind           string   `mapstructure:"kind" toml:"kind" yaml:"kind" json:"kind"`
	BaseURL        string   `mapstructure:"base_url" toml:"base_url" yaml:"base_url" json:"base_url"`
	Repo           string   `mapstructure:"repo" toml:"repo" yaml:"repo" json:"repo"`
	Token          string   `mapstructure:"token" toml:"token" yaml:"token" json:"-"`
	Labels         []string `mapstructure:"labels" toml:"labels" yaml:"labels" json:"labels"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxAttempts    int      `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BaseBackoffMS  int      `mapstructure:"base_backoff_ms" toml:"base_backoff_ms" yaml:"base_backoff_ms" json:"base_backoff_ms"`
}

// Timeout returns the per-call tracker timeout
func (t TrackerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// BaseBackoff returns the first retry delay
func (t TrackerConfig) BaseBackoff() time.Duration {
	return time.Duration(t.BaseBackoffMS) * time.Millisecond
}
