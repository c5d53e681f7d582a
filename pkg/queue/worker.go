package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	db       *sqlx.DB
	table    string
	config   *config.QueueConfig
	handlers map[string]Handler
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. handlers maps job names to their
// processing functions; the map is shared with the pool and read-only.
func NewWorker(id, podID string, db *sqlx.DB, table string, cfg *config.QueueConfig, handlers map[string]Handler) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		db:           db,
		table:        table,
		config:       cfg,
		handlers:     handlers,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Capacity check is best-effort; racy with concurrent workers but bounded
	// by WorkerCount and mitigated by poll jitter.
	var active int
	err := w.db.GetContext(ctx, &active,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", w.table), StatusProcessing)
	if err != nil {
		return fmt.Errorf("checking active jobs: %w", err)
	}
	if active >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	job, err := w.claimNextJob(ctx)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.JobID, "job_name", job.JobName, "worker_id", w.id)
	log.Info("Job claimed", "attempt", job.Attempt)

	w.setStatus(WorkerStatusWorking, job.JobID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go w.runHeartbeat(heartbeatCtx, job.JobID)

	procErr := w.dispatch(jobCtx, job)

	cancelHeartbeat()

	// Terminal status update uses a background context: jobCtx may already
	// be cancelled or expired.
	if err := w.finishJob(context.Background(), job, procErr); err != nil {
		log.Error("Failed to record job outcome", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	if procErr != nil {
		log.Warn("Job failed", "error", procErr)
	} else {
		log.Info("Job completed")
	}
	return nil
}

// claimNextJob atomically claims the next due pending job using
// FOR UPDATE SKIP LOCKED, ordered by created_at for FIFO processing.
func (w *Worker) claimNextJob(ctx context.Context) (*Job, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job Job
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE status = $1 AND run_after <= now()
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, w.table)
	if err := tx.GetContext(ctx, &job, query, StatusPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("failed to query pending job: %w", err)
	}

	claim := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, pod_id = $2, attempt = attempt + 1,
		    started_at = now(), last_heartbeat_at = now()
		WHERE job_id = $3`, w.table)
	if _, err := tx.ExecContext(ctx, claim, StatusProcessing, w.podID, job.JobID); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = StatusProcessing
	job.Attempt++
	job.PodID = &w.podID
	return &job, nil
}

// errNoHandler marks jobs whose name no handler knows. Never retried:
// re-delivery cannot fix an unknown name.
var errNoHandler = errors.New("no handler registered")

// dispatch routes the job to its registered handler.
func (w *Worker) dispatch(ctx context.Context, job *Job) error {
	handler, ok := w.handlers[job.JobName]
	if !ok {
		return fmt.Errorf("%w for job name %q", errNoHandler, job.JobName)
	}
	return handler(ctx, job)
}

// finishJob writes the terminal or retry state. Failed jobs with remaining
// attempts return to pending with exponential backoff on run_after.
func (w *Worker) finishJob(ctx context.Context, job *Job, procErr error) error {
	if procErr == nil {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = $1, completed_at = now(), error_message = NULL
			WHERE job_id = $2`, w.table)
		_, err := w.db.ExecContext(ctx, query, StatusCompleted, job.JobID)
		return err
	}

	if job.Attempt >= job.MaxAttempts || errors.Is(procErr, errNoHandler) {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = $1, completed_at = now(), error_message = $2
			WHERE job_id = $3`, w.table)
		_, err := w.db.ExecContext(ctx, query, StatusFailed, procErr.Error(), job.JobID)
		return err
	}

	backoff := w.config.RetryBackoffBase * time.Duration(1<<(job.Attempt-1))
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, pod_id = NULL, error_message = $2,
		    run_after = now() + $3 * interval '1 second'
		WHERE job_id = $4`, w.table)
	_, err := w.db.ExecContext(ctx, query, StatusPending, procErr.Error(), int(backoff.Seconds()), job.JobID)
	if err == nil {
		slog.Info("Job scheduled for retry",
			"job_id", job.JobID, "attempt", job.Attempt, "backoff", backoff)
	}
	return err
}

// runHeartbeat periodically renews the lease for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	query := fmt.Sprintf("UPDATE %s SET last_heartbeat_at = now() WHERE job_id = $1", w.table)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.db.ExecContext(ctx, query, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter, de-synchronizing
// concurrent workers.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
