package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/database"
)

func newQueueDB(t *testing.T) *database.Client {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("turbobackend"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "turbobackend",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func fastQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 1
	cfg.MaxConcurrentJobs = 1
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.JobTimeout = 10 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RetryBackoffBase = 10 * time.Millisecond
	return cfg
}

func jobStatus(t *testing.T, db *database.Client, jobID string) (string, int, *string) {
	t.Helper()
	var row struct {
		Status       string  `db:"status"`
		Attempt      int     `db:"attempt"`
		ErrorMessage *string `db:"error_message"`
	}
	require.NoError(t, db.GetContext(context.Background(), &row,
		"SELECT status, attempt, error_message FROM turbobackend.jobs WHERE job_id = $1", jobID))
	return row.Status, row.Attempt, row.ErrorMessage
}

func waitForStatus(t *testing.T, db *database.Client, jobID, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, _, _ := jobStatus(t, db, jobID)
		if status == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	status, attempt, errMsg := jobStatus(t, db, jobID)
	t.Fatalf("job %s never reached %s: status=%s attempt=%d err=%v", jobID, want, status, attempt, errMsg)
}

func TestWorkerPool_ProcessesJob(t *testing.T) {
	db := newQueueDB(t)
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", fastQueueConfig())

	var processed atomic.Int32
	pool.Register(JobInitialCreation, func(ctx context.Context, job *Job) error {
		processed.Add(1)
		assert.Equal(t, StatusProcessing, job.Status)
		assert.JSONEq(t, `{"projectId":"p1"}`, string(job.Payload))
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	jobID, err := pool.Enqueue(context.Background(), JobInitialCreation, []byte(`{"projectId":"p1"}`))
	require.NoError(t, err)

	waitForStatus(t, db, jobID, StatusCompleted)
	assert.Equal(t, int32(1), processed.Load())

	_, attempt, errMsg := jobStatus(t, db, jobID)
	assert.Equal(t, 1, attempt)
	assert.Nil(t, errMsg)
}

func TestWorkerPool_RetriesThenFails(t *testing.T) {
	db := newQueueDB(t)
	cfg := fastQueueConfig()
	cfg.MaxAttempts = 2
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", cfg)

	var attempts atomic.Int32
	pool.Register(JobModification, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("sandbox provider unavailable")
	})

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	jobID, err := pool.Enqueue(context.Background(), JobModification, []byte(`{}`))
	require.NoError(t, err)

	waitForStatus(t, db, jobID, StatusFailed)
	assert.Equal(t, int32(2), attempts.Load())

	_, attempt, errMsg := jobStatus(t, db, jobID)
	assert.Equal(t, 2, attempt)
	require.NotNil(t, errMsg)
	assert.Contains(t, *errMsg, "sandbox provider unavailable")
}

func TestWorkerPool_UnknownJobNameFailsWithoutRetry(t *testing.T) {
	db := newQueueDB(t)
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", fastQueueConfig())

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	jobID, err := pool.Enqueue(context.Background(), "unknown-job-name", []byte(`{}`))
	require.NoError(t, err)

	waitForStatus(t, db, jobID, StatusFailed)

	_, attempt, errMsg := jobStatus(t, db, jobID)
	assert.Equal(t, 1, attempt)
	require.NotNil(t, errMsg)
	assert.Contains(t, *errMsg, "no handler registered")
}

func TestWorkerPool_StartupOrphanRecovery(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()

	// A job this pod held when it crashed, with attempts remaining.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO turbobackend.jobs (job_id, job_name, payload, status, attempt, max_attempts, pod_id, last_heartbeat_at)
		VALUES ('orphan-1', '%s', '{}', '%s', 1, 3, 'pod-test', now())`,
		JobInitialCreation, StatusProcessing))
	require.NoError(t, err)

	// Same pod, attempts exhausted.
	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO turbobackend.jobs (job_id, job_name, payload, status, attempt, max_attempts, pod_id, last_heartbeat_at)
		VALUES ('orphan-2', '%s', '{}', '%s', 3, 3, 'pod-test', now())`,
		JobInitialCreation, StatusProcessing))
	require.NoError(t, err)

	cfg := fastQueueConfig()
	cfg.WorkerCount = 0 // recovery only, no processing
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", cfg)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	status, _, errMsg := jobStatus(t, db, "orphan-1")
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, errMsg)
	assert.Contains(t, *errMsg, "pod restarted")

	status, _, _ = jobStatus(t, db, "orphan-2")
	assert.Equal(t, StatusFailed, status)
}

func TestWorkerPool_DetectAndRecoverOrphans(t *testing.T) {
	db := newQueueDB(t)
	ctx := context.Background()

	// Stale lease from another pod.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO turbobackend.jobs (job_id, job_name, payload, status, attempt, max_attempts, pod_id, last_heartbeat_at)
		VALUES ('stale-1', '%s', '{}', '%s', 1, 3, 'pod-dead', now() - interval '1 hour')`,
		JobInitialCreation, StatusProcessing))
	require.NoError(t, err)

	// Fresh lease must be left alone.
	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO turbobackend.jobs (job_id, job_name, payload, status, attempt, max_attempts, pod_id, last_heartbeat_at)
		VALUES ('fresh-1', '%s', '{}', '%s', 1, 3, 'pod-alive', now())`,
		JobInitialCreation, StatusProcessing))
	require.NoError(t, err)

	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", fastQueueConfig())
	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	status, _, errMsg := jobStatus(t, db, "stale-1")
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, errMsg)
	assert.Contains(t, *errMsg, "heartbeat lease expired")

	status, _, _ = jobStatus(t, db, "fresh-1")
	assert.Equal(t, StatusProcessing, status)
}

func TestWorkerPool_ClearPendingJobs(t *testing.T) {
	db := newQueueDB(t)
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", fastQueueConfig())

	_, err := pool.Enqueue(context.Background(), JobSecretSync, []byte(`{}`))
	require.NoError(t, err)
	_, err = pool.Enqueue(context.Background(), JobSecretSync, []byte(`{}`))
	require.NoError(t, err)

	n, err := pool.ClearPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWorkerPool_Health(t *testing.T) {
	db := newQueueDB(t)
	pool := NewWorkerPool("pod-test", db.DB, "turbobackend", fastQueueConfig())
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-test", health.PodID)
	assert.Equal(t, 1, health.TotalWorkers)
	assert.Equal(t, 0, health.QueueDepth)
	assert.Len(t, health.WorkerStats, 1)
}

func TestPollIntervalJitterBounds(t *testing.T) {
	cfg := config.DefaultQueueConfig()
	w := NewWorker("w1", "pod", nil, "turbobackend.jobs", cfg, nil)

	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, cfg.PollInterval-cfg.PollIntervalJitter)
		assert.LessOrEqual(t, d, cfg.PollInterval+cfg.PollIntervalJitter)
	}
}
