package queue

import (
	"os"
	"strconv"
	"time"
)

// Defaults shared between config and store seeding.
const (
	DefaultConcurrency = 2
	DefaultMaxAttempts = 3
	// WaitMaxAttempts is the retry budget for polling wait jobs; the
	// reschedule path does not consume it, so it only bounds genuine
	// claim attempts after crashes.
	WaitMaxAttempts = 300
)

// MaxAttemptsFor returns the enqueue-time retry budget for a job type.
// Wait jobs poll by round-tripping through the queue and get the large
// budget; everything else gets the standard one.
func MaxAttemptsFor(t JobType) int {
	switch t {
	case TypeDockerWaitReady, TypeProductionWaitReady:
		return WaitMaxAttempts
	default:
		return DefaultMaxAttempts
	}
}

// Config controls the worker pool. Concurrency and pause state live in the
// queue_settings row and are runtime-settable; the rest is start-time only.
type Config struct {
	Lease             time.Duration // lease duration per claim. Default 60s.
	PollInterval      time.Duration // scheduler idle poll. Default 250ms.
	HeartbeatInterval time.Duration // lease extension cadence. Default 5s.
	RecoveryInterval  time.Duration // expired-lease sweep cadence. Default 10s.
	RetentionDays     int           // terminal job retention; 0 disables. Default 7.
	BackoffBase       time.Duration // retry backoff base. Default 2s.
	BackoffCap        time.Duration // retry backoff cap. Default 60s.
	Enabled           bool          // whether the pool runs. Default true.
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() *Config {
	return &Config{
		Lease:             60 * time.Second,
		PollInterval:      250 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		RecoveryInterval:  10 * time.Second,
		RetentionDays:     7,
		BackoffBase:       2 * time.Second,
		BackoffCap:        60 * time.Second,
		Enabled:           true,
	}
}

// ConfigFromEnv loads config from environment variables.
// DOCE_QUEUE_LEASE_MS, DOCE_QUEUE_POLL_MS, DOCE_QUEUE_HEARTBEAT_MS,
// DOCE_QUEUE_RECOVERY_MS, DOCE_QUEUE_RETENTION_DAYS, DOCE_QUEUE_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DOCE_QUEUE_LEASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lease = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("DOCE_QUEUE_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("DOCE_QUEUE_HEARTBEAT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatInterval = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("DOCE_QUEUE_RECOVERY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RecoveryInterval = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("DOCE_QUEUE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("DOCE_QUEUE_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}

// Backoff returns the retry delay for the nth attempt (1-based):
// min(cap, base * 2^(attempt-1)).
func (c *Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}
