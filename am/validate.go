package am

import (
	"net/url"

	"github.com/rogersg17/demoApp-sub002/errors"
)

// KnownProviders lists the webhook providers with an adapter.
var KnownProviders = []string{"github", "gitlab", "azure", "jenkins", "generic"}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("server.shutdown_timeout_seconds must be >= 0, got %d", c.Server.ShutdownTimeoutSeconds)
	}

	if c.Webhooks.ReplayWindowSeconds <= 0 {
		return errors.Newf("webhooks.replay_window_seconds must be > 0, got %d", c.Webhooks.ReplayWindowSeconds)
	}
	if c.Webhooks.MaxBodyBytes <= 0 {
		return errors.Newf("webhooks.max_body_bytes must be > 0, got %d", c.Webhooks.MaxBodyBytes)
	}
	if c.Webhooks.RatePerSecond < 0 {
		return errors.Newf("webhooks.rate_per_second must be >= 0, got %f", c.Webhooks.RatePerSecond)
	}
	for name := range c.Webhooks.Providers {
		if !isKnownProvider(name) {
			return errors.Newf("webhooks.providers.%s: unknown provider (known: %v)", name, KnownProviders)
		}
	}

	if c.Correlation.Workers <= 0 {
		return errors.Newf("correlation.workers must be > 0, got %d", c.Correlation.Workers)
	}
	if c.Correlation.Backlog <= 0 {
		return errors.Newf("correlation.backlog must be > 0, got %d", c.Correlation.Backlog)
	}
	if c.Correlation.DedupTTLHours <= 0 {
		return errors.Newf("correlation.dedup_ttl_hours must be > 0, got %d", c.Correlation.DedupTTLHours)
	}
	if c.Correlation.UnresolvedAttempts < 0 {
		return errors.Newf("correlation.unresolved_attempts must be >= 0, got %d", c.Correlation.UnresolvedAttempts)
	}
	if c.Correlation.UnresolvedAttempts > 0 && c.Correlation.UnresolvedWindowSeconds <= 0 {
		return errors.Newf("correlation.unresolved_window_seconds must be > 0 when retries are enabled, got %d", c.Correlation.UnresolvedWindowSeconds)
	}

	if c.Queue.MaxRunning <= 0 {
		return errors.Newf("queue.max_running must be > 0, got %d", c.Queue.MaxRunning)
	}
	if c.Queue.MaxShards <= 0 {
		return errors.Newf("queue.max_shards must be > 0, got %d", c.Queue.MaxShards)
	}
	if c.Queue.MaxInFlightShards < c.Queue.MaxShards {
		return errors.Newf("queue.max_in_flight_shards (%d) must be >= queue.max_shards (%d)", c.Queue.MaxInFlightShards, c.Queue.MaxShards)
	}
	if c.Queue.DefaultShards <= 0 || c.Queue.DefaultShards > c.Queue.MaxShards {
		return errors.Newf("queue.default_shards must be in 1..%d, got %d", c.Queue.MaxShards, c.Queue.DefaultShards)
	}
	if c.Queue.MaxWaiting < 0 {
		return errors.Newf("queue.max_waiting must be >= 0, got %d", c.Queue.MaxWaiting)
	}
	if c.Queue.DefaultTimeoutMinutes <= 0 {
		return errors.Newf("queue.default_timeout_minutes must be > 0, got %d", c.Queue.DefaultTimeoutMinutes)
	}

	if c.Dispatch.URL != "" {
		if _, err := url.ParseRequestURI(c.Dispatch.URL); err != nil {
			return errors.Wrapf(err, "dispatch.url is not a valid URL")
		}
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return errors.Newf("dispatch.timeout_seconds must be > 0, got %d", c.Dispatch.TimeoutSeconds)
	}

	switch c.Tracker.Kind {
	case TrackerLog:
	case TrackerGitHub:
		if c.Tracker.Repo == "" {
			return errors.New("tracker.repo is required when tracker.kind = \"github\"")
		}
		if c.Tracker.BaseURL == "" {
			return errors.New("tracker.base_url cannot be empty when tracker.kind = \"github\"")
		}
	default:
		return errors.Newf("tracker.kind must be %q or %q, got %q", TrackerLog, TrackerGitHub, c.Tracker.Kind)
	}
	if c.Tracker.TimeoutSeconds <= 0 {
		return errors.Newf("tracker.timeout_seconds must be > 0, got %d", c.Tracker.TimeoutSeconds)
	}
	if c.Tracker.MaxAttempts <= 0 {
		return errors.Newf("tracker.max_attempts must be > 0, got %d", c.Tracker.MaxAttempts)
	}
	if c.Tracker.BaseBackoffMS < 0 {
		return errors.Newf("tracker.base_backoff_ms must be >= 0, got %d", c.Tracker.BaseBackoffMS)
	}

	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}
