package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// runOrphanDetection periodically scans for processing jobs whose lease has
// gone stale. All pods run this independently; the recovery statements are
// idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans re-delivers stale processing jobs with remaining
// attempts and terminally fails the rest. Re-delivery keeps the incremented
// attempt count, so a repeatedly crashing job still converges to failed.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := int(p.config.OrphanThreshold.Seconds())

	redeliver := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, pod_id = NULL,
		    error_message = 'orphaned: heartbeat lease expired'
		WHERE status = $2
		  AND last_heartbeat_at < now() - $3 * interval '1 second'
		  AND attempt < max_attempts`, p.table)
	res, err := p.db.ExecContext(ctx, redeliver, StatusPending, StatusProcessing, threshold)
	if err != nil {
		return fmt.Errorf("re-deliver orphaned jobs: %w", err)
	}
	redelivered, _ := res.RowsAffected()

	fail := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, completed_at = now(),
		    error_message = 'orphaned: heartbeat lease expired, attempts exhausted'
		WHERE status = $2
		  AND last_heartbeat_at < now() - $3 * interval '1 second'`, p.table)
	res, err = p.db.ExecContext(ctx, fail, StatusFailed, StatusProcessing, threshold)
	if err != nil {
		return fmt.Errorf("fail exhausted orphaned jobs: %w", err)
	}
	failed, _ := res.RowsAffected()

	if redelivered > 0 || failed > 0 {
		slog.Warn("Recovered orphaned jobs", "redelivered", redelivered, "failed", failed)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += int(redelivered + failed)
	p.orphans.mu.Unlock()
	return nil
}

// recoverStartupOrphans handles jobs this pod held when it previously
// crashed. Runs once before the workers start.
func (p *WorkerPool) recoverStartupOrphans(ctx context.Context) error {
	redeliver := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, pod_id = NULL,
		    error_message = 'orphaned: pod restarted mid-job'
		WHERE status = $2 AND pod_id = $3 AND attempt < max_attempts`, p.table)
	res, err := p.db.ExecContext(ctx, redeliver, StatusPending, StatusProcessing, p.podID)
	if err != nil {
		return fmt.Errorf("re-deliver startup orphans: %w", err)
	}
	redelivered, _ := res.RowsAffected()

	fail := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, completed_at = now(),
		    error_message = 'orphaned: pod restarted mid-job, attempts exhausted'
		WHERE status = $2 AND pod_id = $3`, p.table)
	res, err = p.db.ExecContext(ctx, fail, StatusFailed, StatusProcessing, p.podID)
	if err != nil {
		return fmt.Errorf("fail exhausted startup orphans: %w", err)
	}
	failed, _ := res.RowsAffected()

	if redelivered > 0 || failed > 0 {
		slog.Warn("Recovered startup orphans from previous run",
			"pod_id", p.podID, "redelivered", redelivered, "failed", failed)
	}
	return nil
}
