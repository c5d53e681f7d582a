package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes jobs.
	WorkerCount int

	// MaxConcurrentJobs is the global limit of concurrently processing jobs
	// across all replicas/pods. Enforced by a database COUNT(*) check.
	MaxConcurrentJobs int

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// JobTimeout is the maximum time a single job may run. Must exceed the
	// longest expected pipeline phase.
	JobTimeout time.Duration

	// HeartbeatInterval renews the job lease. Kept well under
	// OrphanThreshold so a healthy worker never loses its lease.
	HeartbeatInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// to drain during shutdown.
	GracefulShutdownTimeout time.Duration

	// OrphanDetectionInterval is how often to scan for orphaned jobs.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a job can go without a heartbeat before
	// its lease is considered expired and the job is re-delivered.
	OrphanThreshold time.Duration

	// MaxAttempts is how many times a failed job is delivered before it
	// lands in a terminal failed state.
	MaxAttempts int

	// RetryBackoffBase seeds the exponential re-delivery backoff:
	// delay = RetryBackoffBase * 2^(attempt-1).
	RetryBackoffBase time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentJobs:       5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              30 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         10 * time.Minute,
		MaxAttempts:             3,
		RetryBackoffBase:        30 * time.Second,
	}
}

// LoadQueueConfigFromEnv returns the queue defaults with environment
// overrides applied.
func LoadQueueConfigFromEnv() *QueueConfig {
	cfg := DefaultQueueConfig()
	if n := getEnvInt("WORKER_CONCURRENCY", cfg.WorkerCount); n > 0 {
		cfg.WorkerCount = n
		cfg.MaxConcurrentJobs = n
	}
	if d, err := time.ParseDuration(getEnv("JOB_TIMEOUT", "")); err == nil && d > 0 {
		cfg.JobTimeout = d
	}
	if n := getEnvInt("JOB_MAX_ATTEMPTS", cfg.MaxAttempts); n > 0 {
		cfg.MaxAttempts = n
	}
	return cfg
}
