package am

import (
	"strings"

	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.testorch
const DefaultDirPermissions = 0o755

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "testorch.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	})
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	// Webhook gateway defaults
	v.SetDefault("webhooks.replay_window_seconds", 300)
	v.SetDefault("webhooks.max_body_bytes", 5<<20) // 5 MiB
	v.SetDefault("webhooks.rate_per_second", 50.0)
	v.SetDefault("webhooks.burst", 100)

	// Correlation defaults
	v.SetDefault("correlation.workers", 4)
	v.SetDefault("correlation.backlog", 1024)
	v.SetDefault("correlation.dedup_ttl_hours", 24)
	v.SetDefault("correlation.unresolved_attempts", 3)
	v.SetDefault("correlation.unresolved_window_seconds", 30)

	// Admission defaults
	v.SetDefault("queue.max_running", 4)
	v.SetDefault("queue.max_in_flight_shards", 16)
	v.SetDefault("queue.max_waiting", 100)
	v.SetDefault("queue.default_shards", 1)
	v.SetDefault("queue.max_shards", 16)
	v.SetDefault("queue.default_timeout_minutes", 60)
	v.SetDefault("queue.retention_days", 30)

	// CI/CD trigger defaults
	v.SetDefault("dispatch.timeout_seconds", 15)
	v.SetDefault("dispatch.rate_per_minute", 60.0)

	// Issue tracker defaults (base 1s, factor 2, 3 attempts)
	v.SetDefault("tracker.kind", TrackerLog)
	v.SetDefault("tracker.base_url", "https://api.github.com")
	v.SetDefault("tracker.labels", []string{"test-failure"})
	v.SetDefault("tracker.timeout_seconds", 10)
	v.SetDefault("tracker.max_attempts", 3)
	v.SetDefault("tracker.base_backoff_ms", 1000)
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables so
// they never need to live in a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("tracker.token", "TESTORCH_TRACKER_TOKEN", "GITHUB_TOKEN")
	v.BindEnv("dispatch.token", "TESTORCH_DISPATCH_TOKEN")
	for _, name := range []string{"github", "gitlab", "azure", "jenkins", "generic"} {
		v.BindEnv("webhooks.providers."+name+".secret", "TESTORCH_WEBHOOK_SECRET_"+strings.ToUpper(name))
	}
}
