package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "jobsvc.db")

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost", "http://127.0.0.1"})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("leader.replica_id", "")
	v.SetDefault("leader.cluster", "default")
	v.SetDefault("leader.heartbeat_expiration", "30s")
	v.SetDefault("leader.heartbeat_interval", "10s") // expiration/3
	v.SetDefault("leader.version_constraint", "")

	v.SetDefault("retry.max_retries", 20)
	v.SetDefault("retry.backoff", "exponential")
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 1.5)
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.reset_on_success", false)

	v.SetDefault("dispatch.default_timeout", "10s")
	v.SetDefault("dispatch.max_per_second", 0) // unlimited
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("dispatch.block_private_ip", false)

	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.warm_start_batch", 500)
	v.SetDefault("scheduler.retention", "0s")
	v.SetDefault("scheduler.sweep_interval", "1h")

	v.SetDefault("events.lifecycle_topic", "jobs.lifecycle")
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 256)
}
