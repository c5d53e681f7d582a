// Package queue implements the durable Postgres-backed job queue: claim via
// FOR UPDATE SKIP LOCKED, heartbeat leases, retry with backoff, and orphan
// recovery. Delivery is at-least-once; handlers must be idempotent against
// re-delivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job intents dispatched by name.
const (
	JobInitialCreation = "initialProjectCreationJob"
	JobModification    = "projectModificationJob"
	JobSecretSync      = "sync-flyio-secrets"
)

// Sentinel errors for the polling loop.
var (
	ErrNoJobsAvailable = errors.New("no jobs available")
	ErrAtCapacity      = errors.New("at max concurrent job capacity")
)

// Job is one queued unit of work.
type Job struct {
	JobID           string         `db:"job_id"`
	JobName         string         `db:"job_name"`
	Payload         types.JSONText `db:"payload"`
	Status          string         `db:"status"`
	Attempt         int            `db:"attempt"`
	MaxAttempts     int            `db:"max_attempts"`
	PodID           *string        `db:"pod_id"`
	ErrorMessage    *string        `db:"error_message"`
	RunAfter        time.Time      `db:"run_after"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       *time.Time     `db:"started_at"`
	LastHeartbeatAt *time.Time     `db:"last_heartbeat_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
}

// Handler processes one job. A returned error schedules a retry (or fails
// the job terminally once attempts are exhausted).
type Handler func(ctx context.Context, job *Job) error

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"currentJobId,omitempty"`
	JobsProcessed int          `json:"jobsProcessed"`
	LastActivity  time.Time    `json:"lastActivity"`
}

// PoolHealth is the pool's aggregate health snapshot, served by the ops API.
type PoolHealth struct {
	IsHealthy        bool           `json:"isHealthy"`
	DBReachable      bool           `json:"dbReachable"`
	DBError          string         `json:"dbError,omitempty"`
	PodID            string         `json:"podId"`
	ActiveWorkers    int            `json:"activeWorkers"`
	TotalWorkers     int            `json:"totalWorkers"`
	ActiveJobs       int            `json:"activeJobs"`
	MaxConcurrent    int            `json:"maxConcurrent"`
	QueueDepth       int            `json:"queueDepth"`
	WorkerStats      []WorkerHealth `json:"workerStats"`
	LastOrphanScan   time.Time      `json:"lastOrphanScan"`
	OrphansRecovered int            `json:"orphansRecovered"`
}
