// Package am ("am" as in "I am") holds the jobsvc configuration.
//
// Values come from, lowest precedence first: built-in defaults,
// /etc/jobsvc/config.toml, ~/.jobsvc/config.toml, the nearest jobsvc.toml
// walking up from the working directory, and JOBSVC_* environment variables.
package am

import "time"

// Config represents the jobsvc configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
}

// DatabaseConfig configures the SQLite database shared by all replicas
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the management API listener
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins are origin prefixes accepted for WebSocket upgrades.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8080
)

// LogConfig configures zap output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// LeaderConfig configures heartbeat leader election
type LeaderConfig struct {
	ReplicaID           string        `mapstructure:"replica_id"` // empty = random per process
	Cluster             string        `mapstructure:"cluster"`    // management row key
	HeartbeatExpiration time.Duration `mapstructure:"heartbeat_expiration"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	VersionConstraint   string        `mapstructure:"version_constraint"` // semver constraint, e.g. ">= 1.2.0"
}

// RetryConfig configures the retry policy for failed dispatches.
// Reloaded at runtime.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	Backoff        string        `mapstructure:"backoff"` // exponential or fixed
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	ResetOnSuccess bool          `mapstructure:"reset_on_success"`
}

// DispatchConfig configures recipient delivery.
// Reloaded at runtime.
type DispatchConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxPerSecond   float64       `mapstructure:"max_per_second"` // 0 = unlimited
	Burst          int           `mapstructure:"burst"`
	BlockPrivateIP bool          `mapstructure:"block_private_ip"`
}

// SchedulerConfig configures the deadline queue and worker pool
type SchedulerConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	WarmStartBatch int           `mapstructure:"warm_start_batch"`
	Retention      time.Duration `mapstructure:"retention"` // 0 = keep terminal jobs forever
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// EventsConfig configures lifecycle event fan-out
type EventsConfig struct {
	LifecycleTopic string `mapstructure:"lifecycle_topic"`
	LogEnabled     bool   `mapstructure:"log_enabled"`
	BufferSize     int    `mapstructure:"buffer_size"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
