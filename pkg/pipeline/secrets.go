package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// ErrNoDeployment fails secret-sync jobs for projects that were never
// deployed: there is no app to install the secret on.
var ErrNoDeployment = errors.New("no deployment found for this project")

// ErrNotDeployed fails secret-sync jobs while the project's deployment is
// still pending or has failed. Retry the sync once the app is live.
var ErrNotDeployed = errors.New("project deployment has not completed")

// HandleSecretSync installs one user-supplied credential as an app secret.
// A fresh sandbox exists only for this operation and is torn down regardless
// of outcome. The activity row records success or failure either way.
func (p *Pipelines) HandleSecretSync(ctx context.Context, job *queue.Job) error {
	var payload SecretSyncPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}

	return p.runInTx(ctx, func(tx *sqlx.Tx) error {
		dep, err := p.store.GetDeployment(ctx, tx, payload.ProjectID)
		if err != nil {
			return err
		}
		if dep == nil {
			return fmt.Errorf("%w (project %s)", ErrNoDeployment, payload.ProjectID)
		}
		if dep.Status != store.DeploymentDeployed {
			return fmt.Errorf("%w (project %s, deployment status %q)",
				ErrNotDeployed, payload.ProjectID, dep.Status)
		}

		sb, session, err := p.sandboxes.Provision(ctx, tx, payload.ProjectID)
		if err != nil {
			return fmt.Errorf("sandbox provisioning: %w", err)
		}

		varName := payload.RequestParams.VarName
		syncErr := p.deployer.SetSecret(ctx, sb, dep.AppName, varName, payload.RequestParams.VarValue)
		success := syncErr == nil

		// On failure the outer transaction rolls back, so the session close
		// and the failure activity go straight to the pool to survive it.
		conn := p.teardownConn(tx, success)
		status := store.SessionCompleted
		activityStatus := "completed"
		details := fmt.Sprintf("Synced secret %s to app %s", varName, dep.AppName)
		if syncErr != nil {
			status = store.SessionFailed
			activityStatus = "failed"
			details = fmt.Sprintf("Failed to sync secret %s to app %s: %v", varName, dep.AppName, syncErr)
		}
		reqID := requestID(payload.RequestID, job)
		p.sandboxes.Teardown(context.WithoutCancel(ctx), conn, sb, session, status)
		p.store.LogActivity(ctx, conn, &store.Activity{
			ProjectID:     payload.ProjectID,
			UserID:        payload.UserID,
			RequestID:     &reqID,
			ActionType:    store.ActionFlySecretSync,
			ActionDetails: details,
			Status:        activityStatus,
		})

		if syncErr != nil {
			slog.Error("Secret sync failed",
				"project_id", payload.ProjectID, "var_name", varName, "error", syncErr)
			return syncErr
		}
		return nil
	})
}
