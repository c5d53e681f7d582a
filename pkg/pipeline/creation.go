package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent"
	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/deploy"
	"github.com/SaaSManDan/turbobackend-worker/pkg/detect"
	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// creationResult carries what the terminal messages need out of the outer
// transaction.
type creationResult struct {
	blueprint     json.RawMessage
	deploymentURL string
	terminalText  string
}

// HandleCreation runs the creation pipeline for one job. All control
// database writes happen inside one outer transaction; the terminal stream
// messages are published only after it commits.
func (p *Pipelines) HandleCreation(ctx context.Context, job *queue.Job) error {
	var payload CreationPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		p.events.PublishError(ctx, job.JobID, "Invalid job payload")
		return err
	}
	streamID := payload.StreamID
	if streamID == "" {
		streamID = job.JobID
	}
	if err := payload.validate(); err != nil {
		slog.Error("Creation payload rejected",
			"job_id", job.JobID, "project_id", payload.ProjectID, "error", err)
		p.events.PublishError(ctx, streamID, err.Error())
		return err
	}

	var result *creationResult
	err := p.runInTx(ctx, func(tx *sqlx.Tx) error {
		var runErr error
		result, runErr = p.runCreation(ctx, tx, job, payload, streamID)
		return runErr
	})
	if err != nil {
		slog.Error("Creation pipeline failed",
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
	p.events.PublishDeploymentTriggered(ctx, streamID, result.deploymentURL,
		"Deployment queued; your API goes live when CI completes.")
	p.events.PublishSuccess(ctx, streamID, result.terminalText)
	return nil
}

func (p *Pipelines) runCreation(ctx context.Context, tx *sqlx.Tx, job *queue.Job, payload CreationPayload, streamID string) (*creationResult, error) {
	projectID, userID := payload.ProjectID, payload.UserID
	userPrompt := payload.RequestParams.UserPrompt
	reqID := requestID(payload.RequestID, job)
	p.logRequest(ctx, tx, job, reqID, projectID, userID, "creation")

	callInfo := detect.CallInfo{ProjectID: projectID, UserID: userID, JobID: job.JobID}
	totalCost := 0.0

	// P0: intent detection.
	p.events.PublishProgress(ctx, streamID, "Analyzing your request...", 5)
	authRes := p.detector.Detect(ctx, tx, detect.KindAuth, userPrompt, callInfo)
	p.events.PublishProgress(ctx, streamID, "Checked authentication needs", 5)
	payRes := p.detector.Detect(ctx, tx, detect.KindPayment, userPrompt, callInfo)
	p.events.PublishProgress(ctx, streamID, "Checked payment needs", 5)
	dbRes := p.detector.Detect(ctx, tx, detect.KindDatabase, userPrompt, callInfo)
	p.events.PublishProgress(ctx, streamID, "Checked database needs", 5)
	totalCost += authRes.Cost + payRes.Cost + dbRes.Cost

	// P1: schema design + database provisioning.
	var dbInfo *schema.DatabaseInfo
	if dbRes.Needed {
		p.events.PublishProgress(ctx, streamID, "Designing your database schema...", 10)
		design, designCost, err := p.designer.Design(ctx, tx, userPrompt, schema.DesignInfo{
			ProjectID: projectID, UserID: userID, JobID: job.JobID,
		})
		totalCost += designCost
		if err != nil {
			return nil, fmt.Errorf("schema design: %w", err)
		}
		dbInfo, err = p.provisioner.Provision(ctx, tx, projectID, userID, design)
		if err != nil {
			return nil, fmt.Errorf("database provisioning: %w", err)
		}
		p.events.PublishProgress(ctx, streamID, "Database provisioned", 15)
	}

	// P2: sandbox + project skeleton.
	p.events.PublishProgress(ctx, streamID, "Setting up your project environment...", 20)
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
		// The failed path runs outside the (rolled back) transaction.
		p.sandboxes.Teardown(context.WithoutCancel(ctx), p.teardownConn(tx, success), sb, session, status)
	}()

	initOpts := sandbox.InitOptions{
		ProjectID:   projectID,
		ProjectName: payload.ProjectName,
		Database:    dbInfo,
		NeedsAuth:   authRes.Needed,
		NeedsPay:    payRes.Needed,
	}
	if err := p.sandboxes.InitializeProject(ctx, sb, initOpts); err != nil {
		return nil, fmt.Errorf("project initialization: %w", err)
	}
	p.store.LogActivity(ctx, tx, &store.Activity{
		ProjectID:     projectID,
		UserID:        userID,
		RequestID:     &reqID,
		ActionType:    store.ActionProjectCreated,
		ActionDetails: "Initialized project skeleton in sandbox",
		ReferenceIDs:  store.StringMap{"container_session_id": session.SessionID},
	})
	p.events.PublishProgress(ctx, streamID, "Project environment ready", 25)

	// P3/P4: agentic loop. Integration docs load lazily inside the builder.
	var design *schema.Design
	if dbInfo != nil {
		design = dbInfo.Design
	}
	p.events.PublishProgress(ctx, streamID, "Generating your API...", 30)
	loopResult, err := p.loop.Run(ctx, tx, agent.NewExecutor(sb), agent.LoopInput{
		ProjectID:   projectID,
		UserID:      userID,
		JobID:       job.JobID,
		UserRequest: userPrompt,
		Prompt: prompt.Input{
			Database:  design,
			NeedsAuth: authRes.Needed,
			NeedsPay:  payRes.Needed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("code generation: %w", err)
	}
	if !loopResult.Success {
		return nil, fmt.Errorf("code generation: agent did not complete within %d iterations", loopResult.Iterations)
	}
	totalCost += loopResult.TotalCost
	p.events.PublishProgress(ctx, streamID, "API generated", 70)

	// P5: deterministic injections + deployment prep.
	if err := deployPrep(ctx, p, tx, sb, reqID, projectID, userID, dbInfo, loopResult); err != nil {
		return nil, err
	}
	p.events.PublishProgress(ctx, streamID, "Deployment configured", 80)

	// P6: initial push, repository secret, object-store mirror.
	repo, err := p.pusher.InitialPush(ctx, tx, sb, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("source push: %w", err)
	}
	if err := p.github.SetActionsSecret(ctx, repo.RepoName, "FLY_API_TOKEN", p.cfg.FlyAPIToken); err != nil {
		return nil, fmt.Errorf("repository secret: %w", err)
	}
	if err := p.sandboxes.SyncToObjectStore(ctx, sb, projectID); err != nil {
		return nil, fmt.Errorf("object store mirror: %w", err)
	}
	p.events.PublishProgress(ctx, streamID, "Code pushed", 90)

	// P7: blueprint.
	blueprint := stripBlueprintMetadata(loopResult.APIBlueprint)
	if blueprint != nil {
		if err := sb.WriteFile(ctx, "api-blueprint.json", string(blueprint)); err != nil {
			return nil, fmt.Errorf("blueprint write: %w", err)
		}
		if err := p.pusher.Push(ctx, tx, sb, projectID, userID, repo.RepoURL, "main", "Add API blueprint"); err != nil {
			return nil, fmt.Errorf("blueprint push: %w", err)
		}
		if err := p.store.InsertBlueprint(ctx, tx, &store.Blueprint{
			ProjectID:        projectID,
			RequestID:        &reqID,
			BlueprintContent: []byte(blueprint),
		}); err != nil {
			return nil, err
		}
	}

	// P8: credential placeholders for the integrations the user must key.
	if err := p.insertCredentialPlaceholders(ctx, tx, reqID, projectID, userID, authRes.Needed, payRes.Needed); err != nil {
		return nil, err
	}

	success = true
	return &creationResult{
		blueprint:     blueprint,
		deploymentURL: ids.AppURL(projectID),
		terminalText:  creationTerminalText(projectID, dbInfo, loopResult, authRes.Needed, payRes.Needed, totalCost),
	}, nil
}

// deployPrep runs the P5 substeps: CORS injection, CI/deploy files, app
// creation, DB secrets, pending deployment row, endpoints_added activity.
func deployPrep(ctx context.Context, p *Pipelines, tx *sqlx.Tx, sb sandbox.Sandbox, reqID, projectID, userID string, dbInfo *schema.DatabaseInfo, loopResult *agent.LoopResult) error {
	if err := deploy.InjectCORS(ctx, sb); err != nil {
		return fmt.Errorf("cors injection: %w", err)
	}
	if err := deploy.InjectDeployFiles(ctx, sb, projectID); err != nil {
		return fmt.Errorf("deploy file injection: %w", err)
	}

	appName, err := p.deployer.EnsureApp(ctx, projectID)
	if err != nil {
		return fmt.Errorf("deployment app: %w", err)
	}
	if dbInfo != nil {
		if err := p.deployer.SetDatabaseSecrets(ctx, sb, appName, dbInfo); err != nil {
			return fmt.Errorf("deployment secrets: %w", err)
		}
	}
	if _, err := p.deployer.RecordPendingDeployment(ctx, tx, projectID, appName); err != nil {
		return err
	}

	routes := routeFiles(loopResult.FilesModified)
	if len(routes) > 0 {
		p.store.LogActivity(ctx, tx, &store.Activity{
			ProjectID:     projectID,
			UserID:        userID,
			RequestID:     &reqID,
			ActionType:    store.ActionEndpointsAdded,
			ActionDetails: "Added endpoints: " + strings.Join(endpointSummaries(routes), ", "),
		})
	}
	return nil
}

// teardownConn picks the connection for closing the container session: the
// job transaction while it is still viable, the pool once it rolled back.
func (p *Pipelines) teardownConn(tx *sqlx.Tx, txAlive bool) sqlx.ExtContext {
	if txAlive {
		return tx
	}
	return p.db
}

func (p *Pipelines) insertCredentialPlaceholders(ctx context.Context, tx *sqlx.Tx, reqID, projectID, userID string, needsAuth, needsPay bool) error {
	var required []string
	insert := func(provider string, vars []string) error {
		for _, v := range vars {
			if err := p.store.InsertCredential(ctx, tx, &store.Credential{
				ProjectID: projectID,
				Provider:  provider,
				VarName:   v,
			}); err != nil {
				return err
			}
			required = append(required, v)
		}
		return nil
	}

	if needsAuth {
		if err := insert("clerk", sandbox.AuthEnvVars); err != nil {
			return err
		}
	}
	if needsPay {
		if err := insert("stripe", sandbox.PaymentEnvVars); err != nil {
			return err
		}
	}
	if len(required) == 0 {
		return nil
	}

	p.store.LogActivity(ctx, tx, &store.Activity{
		ProjectID:     projectID,
		UserID:        userID,
		RequestID:     &reqID,
		ActionType:    store.ActionEnvVarsRequired,
		ActionDetails: "Environment variables required: " + strings.Join(required, ", "),
	})
	return nil
}

// stripBlueprintMetadata removes the metadata fields the control plane owns
// from the agent's blueprint. Returns nil when there is no blueprint.
func stripBlueprintMetadata(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("Agent blueprint is not a JSON object, dropping", "error", err)
		return nil
	}
	for _, field := range []string{"projectId", "projectName", "version", "database"} {
		delete(doc, field)
	}
	cleaned, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return cleaned
}

func creationTerminalText(projectID string, dbInfo *schema.DatabaseInfo, loopResult *agent.LoopResult, needsAuth, needsPay bool, totalCost float64) string {
	var sb strings.Builder
	sb.WriteString("Project created successfully!\n\n")
	if loopResult.Summary != "" {
		sb.WriteString(loopResult.Summary + "\n\n")
	}
	fmt.Fprintf(&sb, "Files modified: %d\n", len(loopResult.FilesModified))
	if dbInfo != nil {
		fmt.Fprintf(&sb, "Database: %s (%d tables)\n", dbInfo.DBName, len(dbInfo.Design.Tables))
	}
	fmt.Fprintf(&sb, "Cost: $%.4f\n", totalCost)
	fmt.Fprintf(&sb, "Deploying to: %s\n", ids.AppURL(projectID))

	if needsAuth {
		sb.WriteString("\n⚠️  CLERK keys required: set " + strings.Join(sandbox.AuthEnvVars, ", ") + " to activate authentication.\n")
	}
	if needsPay {
		sb.WriteString("\n⚠️  STRIPE keys required: set " + strings.Join(sandbox.PaymentEnvVars, ", ") + " to activate payments.\n")
	}
	return sb.String()
}

func routeFiles(files []agent.ModifiedFile) []agent.ModifiedFile {
	var routes []agent.ModifiedFile
	for _, f := range files {
		if f.Type == agent.FileTypeRoute {
			routes = append(routes, f)
		}
	}
	return routes
}

// endpointSummaries renders "METHOD /path" strings parsed from route file
// paths for the endpoints_added activity.
func endpointSummaries(routes []agent.ModifiedFile) []string {
	var out []string
	for _, r := range routes {
		if ep, ok := endpointFromPath(r.Path); ok {
			out = append(out, ep.Method+" "+ep.Path)
		} else {
			out = append(out, r.Path)
		}
	}
	return out
}
