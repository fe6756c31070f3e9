package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "stagee.db")

	// Server defaults
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.allowed_origins", []string{})

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	// Engine defaults
	v.SetDefault("engine.immediate_threshold_ms", 10_000)  // Plans estimated under 10s run inline
	v.SetDefault("engine.default_step_estimate_ms", 1_000) // Per step per target, before any p95 exists
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.poll_interval_ms", 1_000)
	v.SetDefault("engine.dequeue_wait_ms", 5_000)
	v.SetDefault("engine.lease_safety_buffer_ms", 10_000)
	v.SetDefault("engine.reaper_interval_ms", 15_000)
	v.SetDefault("engine.lock_backend", "sql")
	v.SetDefault("engine.result_cap_bytes", 10_240)
	v.SetDefault("engine.retry_base_ms", 2_000)
	v.SetDefault("engine.retry_max_ms", 5*60*1_000)
	v.SetDefault("engine.http_block_private", false)

	// Redis defaults (disabled unless addr is set)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.events_channel", "stagee:events")

	// Object store defaults (disabled unless endpoint is set)
	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.bucket", "stagee-results")
	v.SetDefault("objectstore.use_ssl", true)

	// Auth defaults
	v.SetDefault("auth.tenant_claim", "tenant_id")
	v.SetDefault("auth.permissions_claim", "permissions")

	v.SetDefault("inventory.path", "")
}

// BindSensitiveEnvVars binds secrets that should never live in config files.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("redis.password", "STAGEE_REDIS_PASSWORD")
	_ = v.BindEnv("objectstore.access_key", "STAGEE_OBJECTSTORE_ACCESS_KEY")
	_ = v.BindEnv("objectstore.secret_key", "STAGEE_OBJECTSTORE_SECRET_KEY")
}
