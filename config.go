package pace

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tuning knobs for the engine. Zero values are not usable;
// start from DefaultConfig or ConfigFromEnv and override fields as needed.
type Config struct {
	// WorkerEnabled disables the worker loop entirely when false.
	// The engine still accepts enqueues and serves reads.
	WorkerEnabled bool

	// PollInterval is how often the worker loop ticks.
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs claimed per tick.
	BatchSize int

	// RequestsPerMinute and TokensPerMinute are the rate limiter capacities,
	// restored once per Window.
	RequestsPerMinute int64
	TokensPerMinute   int64

	// Window is the rate limiter refill period.
	Window time.Duration

	// RetryBackoffBase and RetryBackoffCap tune the exponential retry
	// delay applied on execution failure.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// DeferCeiling is the hard ceiling on capacity-deferral delays.
	DeferCeiling time.Duration

	// StaleThreshold is how long a job may remain running before the
	// maintenance sweep reclaims it back to pending.
	StaleThreshold time.Duration

	// SweepInterval is how often maintenance tasks run.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for the in-flight batch
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerEnabled:     true,
		PollInterval:      60 * time.Second,
		BatchSize:         10,
		RequestsPerMinute: 60,
		TokensPerMinute:   100_000,
		Window:            time.Minute,
		RetryBackoffBase:  1 * time.Second,
		RetryBackoffCap:   60 * time.Second,
		DeferCeiling:      300 * time.Second,
		StaleThreshold:    30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by recognized environment
// variables. Unset or malformed values keep their defaults; config loading
// never fails.
//
// Recognized variables: WORKER_ENABLED, WORKER_POLL_INTERVAL_MS,
// WORKER_BATCH_SIZE, RATE_LIMIT_REQUESTS_PER_MINUTE,
// RATE_LIMIT_TOKENS_PER_MINUTE, RETRY_BACKOFF_BASE_MS, RETRY_BACKOFF_CAP_MS,
// WORKER_STALE_THRESHOLD_MINUTES.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.WorkerEnabled = envBool("WORKER_ENABLED", cfg.WorkerEnabled)
	cfg.PollInterval = envMillis("WORKER_POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.BatchSize = envInt("WORKER_BATCH_SIZE", cfg.BatchSize)
	cfg.RequestsPerMinute = envInt64("RATE_LIMIT_REQUESTS_PER_MINUTE", cfg.RequestsPerMinute)
	cfg.TokensPerMinute = envInt64("RATE_LIMIT_TOKENS_PER_MINUTE", cfg.TokensPerMinute)
	cfg.RetryBackoffBase = envMillis("RETRY_BACKOFF_BASE_MS", cfg.RetryBackoffBase)
	cfg.RetryBackoffCap = envMillis("RETRY_BACKOFF_CAP_MS", cfg.RetryBackoffCap)
	cfg.StaleThreshold = envMinutes("WORKER_STALE_THRESHOLD_MINUTES", cfg.StaleThreshold)

	return cfg
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envMinutes(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}
