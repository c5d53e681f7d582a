package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent"
	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// ErrNoActiveRepo fails modification jobs for projects that were never
// pushed. Operator-actionable: the project must complete creation first.
var ErrNoActiveRepo = errors.New("No GitHub repository found for this project")

type modificationResult struct {
	blueprint    json.RawMessage
	terminalText string
}

// HandleModification runs the modification pipeline for one job.
func (p *Pipelines) HandleModification(ctx context.Context, job *queue.Job) error {
	var payload ModificationPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		p.events.PublishError(ctx, job.JobID, "Invalid job payload")
		return err
	}
	streamID := payload.StreamID
	if streamID == "" {
		streamID = job.JobID
	}
	if err := payload.validate(); err != nil {
		slog.Error("Modification payload rejected",
			"job_id", job.JobID, "project_id", payload.ProjectID, "error", err)
		p.events.PublishError(ctx, streamID, err.Error())
		return err
	}

	var result *modificationResult
	err := p.runInTx(ctx, func(tx *sqlx.Tx) error {
		var runErr error
		result, runErr = p.runModification(ctx, tx, job, payload, streamID)
		return runErr
	})
	if err != nil {
		slog.Error("Modification pipeline failed",
			"job_id", job.JobID, "project_id", payload.ProjectID, "error", err)
		p.events.PublishError(ctx, streamID, err.Error())
		return err
	}

	if result.blueprint != nil {
		var content interface{}
		if err := json.Unmarshal(result.blueprint, &content); err == nil {
			p.events.PublishBlueprint(ctx, streamID, content)
		}
	}
	p.events.PublishSuccess(ctx, streamID, result.terminalText)
	return nil
}

func (p *Pipelines) runModification(ctx context.Context, tx *sqlx.Tx, job *queue.Job, payload ModificationPayload, streamID string) (*modificationResult, error) {
	projectID, userID := payload.ProjectID, payload.UserID
	modRequest := payload.RequestParams.ModificationRequest
	reqID := requestID(payload.RequestID, job)
	p.logRequest(ctx, tx, job, reqID, projectID, userID, "modification")

	// M1: fresh sandbox.
	p.events.PublishProgress(ctx, streamID, "Preparing your project...", 5)
	sb, session, err := p.sandboxes.Provision(ctx, tx, projectID)
	if err != nil {
		return nil, fmt.Errorf("sandbox provisioning: %w", err)
	}
	success := false
	defer func() {
		status := store.SessionCompleted
		if !success {
			status = store.SessionFailed
		}
		p.sandboxes.Teardown(context.WithoutCancel(ctx), p.teardownConn(tx, success), sb, session, status)
	}()

	// M2: the project must have been pushed before.
	repo, err := p.store.GetActiveRepo(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrNoActiveRepo
	}

	// M3/M4: checkout + feature branch.
	if err := p.pusher.CheckoutForModification(ctx, sb, repo); err != nil {
		return nil, fmt.Errorf("project checkout: %w", err)
	}
	featureBranch, err := p.pusher.CreateFeatureBranch(ctx, sb)
	if err != nil {
		return nil, fmt.Errorf("feature branch: %w", err)
	}
	p.events.PublishProgress(ctx, streamID, "Project checked out", 15)

	// M5: project context.
	pc, err := p.loadProjectContext(ctx, tx, sb, projectID)
	if err != nil {
		return nil, fmt.Errorf("project context: %w", err)
	}

	// M6: agentic loop with the existing-endpoints prompt section.
	p.events.PublishProgress(ctx, streamID, "Applying your changes...", 25)
	loopResult, err := p.loop.Run(ctx, tx, agent.NewExecutor(sb), agent.LoopInput{
		ProjectID:     projectID,
		UserID:        userID,
		JobID:         job.JobID,
		UserRequest:   modRequest,
		ExistingFiles: pc.Files,
		Prompt: prompt.Input{
			ExistingEndpoints: pc.Endpoints,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("code modification: %w", err)
	}
	if !loopResult.Success {
		return nil, fmt.Errorf("code modification: agent did not complete within %d iterations", loopResult.Iterations)
	}
	p.events.PublishProgress(ctx, streamID, "Changes applied", 70)

	// M7: apply deferred CREATE TABLE statements to the existing database.
	if err := p.applyDeferredDDL(ctx, tx, projectID, pc, loopResult.DBQueries); err != nil {
		return nil, err
	}

	// M8: commit on the feature branch, merge to main, push both.
	if err := p.pusher.Push(ctx, tx, sb, projectID, userID, repo.RepoURL, featureBranch, modRequest); err != nil {
		return nil, fmt.Errorf("feature push: %w", err)
	}
	if err := p.pusher.MergeToMain(ctx, tx, sb, projectID, userID, repo.RepoURL, featureBranch); err != nil {
		return nil, fmt.Errorf("merge to main: %w", err)
	}
	p.events.PublishProgress(ctx, streamID, "Changes pushed", 85)

	// M9: refresh the stored blueprint if the agent touched the file.
	blueprint, err := p.refreshBlueprint(ctx, tx, sb, reqID, projectID, loopResult)
	if err != nil {
		return nil, err
	}

	// M10: classify the modification for the activity feed.
	p.store.LogActivity(ctx, tx, &store.Activity{
		ProjectID:     projectID,
		UserID:        userID,
		RequestID:     &reqID,
		ActionType:    classifyModification(loopResult.FilesModified),
		ActionDetails: loopResult.Summary,
	})

	// M11: deployment re-triggers via CI on the main push; record intent.
	if _, err := p.deployer.RecordPendingDeployment(ctx, tx, projectID, ids.AppName(projectID)); err != nil {
		return nil, err
	}

	success = true
	return &modificationResult{
		blueprint:    blueprint,
		terminalText: modificationTerminalText(loopResult),
	}, nil
}

// applyDeferredDDL runs the agent's CREATE TABLE statements against the
// project's existing database.
func (p *Pipelines) applyDeferredDDL(ctx context.Context, tx *sqlx.Tx, projectID string, pc *ProjectContext, queries []agent.Command) error {
	var creates []schema.DDLStatement
	for _, q := range queries {
		if strings.EqualFold(q.QueryType, "CREATE TABLE") {
			creates = append(creates, schema.DDLStatement{
				Query:     q.Query,
				TableName: q.SchemaName,
				QueryType: q.QueryType,
			})
		}
	}
	if len(creates) == 0 {
		return nil
	}
	if pc.Database == nil {
		return fmt.Errorf("agent requested DDL but the project has no active database")
	}
	if err := p.provisioner.ApplyDDL(ctx, tx, projectID, pc.Database.DBName, creates); err != nil {
		return fmt.Errorf("deferred DDL: %w", err)
	}
	return nil
}

// refreshBlueprint reads api-blueprint.json back from the sandbox when the
// agent modified it, updates the latest blueprint row, and returns the new
// content for publishing.
func (p *Pipelines) refreshBlueprint(ctx context.Context, tx *sqlx.Tx, sb sandbox.Sandbox, reqID, projectID string, loopResult *agent.LoopResult) (json.RawMessage, error) {
	touched := false
	for _, f := range loopResult.FilesModified {
		if strings.HasSuffix(f.Path, "api-blueprint.json") {
			touched = true
			break
		}
	}
	if !touched {
		return nil, nil
	}

	content, err := sb.ReadFile(ctx, "api-blueprint.json")
	if err != nil {
		return nil, fmt.Errorf("read modified blueprint: %w", err)
	}
	if !json.Valid([]byte(content)) {
		slog.Warn("Modified blueprint is not valid JSON, skipping update", "project_id", projectID)
		return nil, nil
	}

	latest, err := p.store.GetLatestBlueprint(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		if err := p.store.InsertBlueprint(ctx, tx, &store.Blueprint{
			ProjectID:        projectID,
			RequestID:        &reqID,
			BlueprintContent: []byte(content),
		}); err != nil {
			return nil, err
		}
	} else if err := p.store.UpdateBlueprintContent(ctx, tx, latest.BlueprintID, []byte(content)); err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

// classifyModification picks the activity type from the modified files:
// new routes win over changed routes; anything else is business logic.
func classifyModification(files []agent.ModifiedFile) string {
	var newRoutes, changedRoutes int
	for _, f := range files {
		if f.Type != agent.FileTypeRoute {
			continue
		}
		if f.IsNew {
			newRoutes++
		} else {
			changedRoutes++
		}
	}
	switch {
	case newRoutes > 0:
		return store.ActionEndpointsAdded
	case changedRoutes > 0:
		return store.ActionEndpointsModified
	default:
		return store.ActionBusinessLogicModified
	}
}

func modificationTerminalText(loopResult *agent.LoopResult) string {
	var sb strings.Builder
	sb.WriteString("Project updated successfully!\n\n")
	if loopResult.Summary != "" {
		sb.WriteString(loopResult.Summary + "\n\n")
	}
	fmt.Fprintf(&sb, "Files modified: %d\n", len(loopResult.FilesModified))
	fmt.Fprintf(&sb, "Cost: $%.4f\n", loopResult.TotalCost)
	sb.WriteString("Your changes deploy automatically when CI completes.\n")
	return sb.String()
}
