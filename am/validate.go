package am

import (
	"strings"

	"github.com/teranos/jobsvc/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	if c.Leader.HeartbeatExpiration <= 0 {
		return errors.Newf("leader.heartbeat_expiration must be > 0, got %s", c.Leader.HeartbeatExpiration)
	}
	if c.Leader.HeartbeatInterval < 0 {
		return errors.Newf("leader.heartbeat_interval must be >= 0, got %s", c.Leader.HeartbeatInterval)
	}
	if c.Leader.HeartbeatInterval >= c.Leader.HeartbeatExpiration {
		return errors.Newf("leader.heartbeat_interval (%s) must be shorter than leader.heartbeat_expiration (%s)",
			c.Leader.HeartbeatInterval, c.Leader.HeartbeatExpiration)
	}

	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}

	// Scheduler: zero workers would never fire anything
	if c.Scheduler.Workers <= 0 {
		return errors.Newf("scheduler.workers must be > 0, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueSize < 0 {
		return errors.Newf("scheduler.queue_size must be >= 0, got %d", c.Scheduler.QueueSize)
	}
	if c.Scheduler.WarmStartBatch <= 0 {
		return errors.Newf("scheduler.warm_start_batch must be > 0, got %d", c.Scheduler.WarmStartBatch)
	}
	if c.Scheduler.Retention < 0 {
		return errors.Newf("scheduler.retention must be >= 0, got %s", c.Scheduler.Retention)
	}
	if c.Scheduler.Retention > 0 && c.Scheduler.SweepInterval <= 0 {
		return errors.Newf("scheduler.sweep_interval must be > 0 when retention is set, got %s", c.Scheduler.SweepInterval)
	}

	if c.Events.LifecycleTopic == "" {
		return errors.New("events.lifecycle_topic cannot be empty")
	}
	if c.Events.BufferSize < 0 {
		return errors.Newf("events.buffer_size must be >= 0, got %d", c.Events.BufferSize)
	}

	return nil
}

// Validate checks the [retry] section on its own; the config watcher uses
// it before swapping policies.
func (r RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return errors.Newf("retry.max_retries must be >= 0, got %d", r.MaxRetries)
	}
	switch strings.ToLower(r.Backoff) {
	case "", "exponential", "fixed":
	default:
		return errors.Newf("retry.backoff must be exponential or fixed, got %q", r.Backoff)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return errors.Newf("retry.multiplier must be >= 1, got %g", r.Multiplier)
	}
	return nil
}

// Validate checks the [dispatch] section on its own.
func (d DispatchConfig) Validate() error {
	if d.DefaultTimeout <= 0 {
		return errors.Newf("dispatch.default_timeout must be > 0, got %s", d.DefaultTimeout)
	}
	if d.MaxPerSecond < 0 {
		return errors.Newf("dispatch.max_per_second must be >= 0, got %g", d.MaxPerSecond)
	}
	if d.MaxPerSecond > 0 && d.Burst <= 0 {
		return errors.Newf("dispatch.burst must be > 0 when rate limiting, got %d", d.Burst)
	}
	return nil
}
