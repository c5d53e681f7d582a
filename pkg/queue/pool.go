package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
)

// WorkerPool manages a pool of queue workers plus the orphan detection task.
type WorkerPool struct {
	podID    string
	db       *sqlx.DB
	table    string
	config   *config.QueueConfig
	handlers map[string]Handler
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a worker pool over the jobs table in the given
// schema.
func NewWorkerPool(podID string, db *sqlx.DB, schemaPrefix string, cfg *config.QueueConfig) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		db:       db,
		table:    schemaPrefix + ".jobs",
		config:   cfg,
		handlers: make(map[string]Handler),
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (p *WorkerPool) Register(jobName string, handler Handler) {
	p.handlers[jobName] = handler
}

// Start spawns worker goroutines and the orphan detection background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	if err := p.recoverStartupOrphans(ctx); err != nil {
		return fmt.Errorf("startup orphan recovery: %w", err)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.db, p.table, p.config, p.handlers)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// Enqueue adds a pending job. The front end normally enqueues; the worker
// uses this for tests and operational tooling.
func (p *WorkerPool) Enqueue(ctx context.Context, jobName string, payload []byte) (string, error) {
	jobID := ids.New()
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, job_name, payload, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5)`, p.table)
	_, err := p.db.ExecContext(ctx, query, jobID, jobName, payload, StatusPending, p.config.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobName, err)
	}
	return jobID, nil
}

// ClearPendingJobs deletes all pending jobs. Called on shutdown outside
// production so stale local jobs do not fire on the next run.
func (p *WorkerPool) ClearPendingJobs(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE status = $1", p.table), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("clear pending jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Health returns the pool's aggregate health snapshot.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	var queueDepth int
	errQ := p.db.GetContext(ctx, &queueDepth,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", p.table), StatusPending)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}

	var activeJobs int
	errA := p.db.GetContext(ctx, &activeJobs,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1 AND pod_id = $2", p.table),
		StatusProcessing, p.podID)
	if errA != nil {
		slog.Error("Failed to query active jobs for health check", "pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	// DB errors affect health status: unreachable DB means not healthy.
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeJobs <= p.config.MaxConcurrentJobs && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errA != nil {
		dbError = fmt.Sprintf("active jobs query failed: %v", errA)
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveJobs:       activeJobs,
		MaxConcurrent:    p.config.MaxConcurrentJobs,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}
