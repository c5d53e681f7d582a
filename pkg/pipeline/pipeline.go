// Package pipeline orchestrates the creation, modification, and secret-sync
// jobs: phased state machines over the sandbox, LLM, database cluster,
// source host, object store, and deployment platform, with all control
// database writes inside one outer transaction per job.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent"
	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/database"
	"github.com/SaaSManDan/turbobackend-worker/pkg/deploy"
	"github.com/SaaSManDan/turbobackend-worker/pkg/detect"
	"github.com/SaaSManDan/turbobackend-worker/pkg/events"
	"github.com/SaaSManDan/turbobackend-worker/pkg/github"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// CreationPayload is the payload of an initialProjectCreationJob. The
// intent-specific parameters ride under requestParams.
type CreationPayload struct {
	ProjectID     string         `json:"projectId"`
	ProjectName   string         `json:"projectName"`
	UserID        string         `json:"userId"`
	RequestID     string         `json:"requestId"`
	StreamID      string         `json:"streamId"`
	RequestParams CreationParams `json:"requestParams"`
}

// CreationParams are the creation-specific request parameters.
type CreationParams struct {
	UserPrompt string `json:"userPrompt"`
}

func (p CreationPayload) validate() error {
	if strings.TrimSpace(p.RequestParams.UserPrompt) == "" {
		return fmt.Errorf("creation job for project %s has no requestParams.userPrompt", p.ProjectID)
	}
	return nil
}

// ModificationPayload is the payload of a projectModificationJob.
type ModificationPayload struct {
	ProjectID     string             `json:"projectId"`
	UserID        string             `json:"userId"`
	RequestID     string             `json:"requestId"`
	StreamID      string             `json:"streamId"`
	RequestParams ModificationParams `json:"requestParams"`
}

// ModificationParams are the modification-specific request parameters.
type ModificationParams struct {
	ModificationRequest string `json:"modificationRequest"`
}

func (p ModificationPayload) validate() error {
	if strings.TrimSpace(p.RequestParams.ModificationRequest) == "" {
		return fmt.Errorf("modification job for project %s has no requestParams.modificationRequest", p.ProjectID)
	}
	return nil
}

// SecretSyncPayload is the payload of a sync-flyio-secrets job.
type SecretSyncPayload struct {
	ProjectID     string           `json:"projectId"`
	UserID        string           `json:"userId"`
	RequestID     string           `json:"requestId"`
	StreamID      string           `json:"streamId"`
	RequestParams SecretSyncParams `json:"requestParams"`
}

// SecretSyncParams are the secret-sync request parameters.
type SecretSyncParams struct {
	Provider string `json:"provider"`
	VarName  string `json:"varName"`
	VarValue string `json:"varValue"`
}

func (p SecretSyncPayload) validate() error {
	if p.RequestParams.VarName == "" {
		return fmt.Errorf("secret-sync job for project %s has no requestParams.varName", p.ProjectID)
	}
	return nil
}

// Pipelines wires the external adapters into the job state machines.
type Pipelines struct {
	cfg         *config.Config
	db          *database.Client
	store       *store.Store
	events      *events.Publisher
	detector    *detect.Detector
	designer    *schema.Designer
	provisioner *schema.Provisioner
	sandboxes   *sandbox.Manager
	loop        *agent.Loop
	github      *github.Client
	pusher      *github.Pusher
	deployer    *deploy.Deployer
}

// New assembles the pipelines with all their collaborators.
func New(cfg *config.Config, db *database.Client, st *store.Store, pub *events.Publisher,
	detector *detect.Detector, designer *schema.Designer, provisioner *schema.Provisioner,
	sandboxes *sandbox.Manager, loop *agent.Loop, gh *github.Client, pusher *github.Pusher,
	deployer *deploy.Deployer) *Pipelines {
	return &Pipelines{
		cfg:         cfg,
		db:          db,
		store:       st,
		events:      pub,
		detector:    detector,
		designer:    designer,
		provisioner: provisioner,
		sandboxes:   sandboxes,
		loop:        loop,
		github:      gh,
		pusher:      pusher,
		deployer:    deployer,
	}
}

// RegisterHandlers binds the job intents to the pool.
func (p *Pipelines) RegisterHandlers(pool *queue.WorkerPool) {
	pool.Register(queue.JobInitialCreation, p.HandleCreation)
	pool.Register(queue.JobModification, p.HandleModification)
	pool.Register(queue.JobSecretSync, p.HandleSecretSync)
}

// runInTx opens the job's outer transaction, runs fn, and commits. Any
// error rolls back every control-database write the job made.
func (p *Pipelines) runInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin job transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job transaction: %w", err)
	}
	return nil
}

// requestID picks the request identifier for ledger rows: the id the
// enqueuer supplied, or the job id when this is the request's first touch.
func requestID(payloadID string, job *queue.Job) string {
	if payloadID != "" {
		return payloadID
	}
	return job.JobID
}

// logRequest writes the immutable request-log row for a job.
func (p *Pipelines) logRequest(ctx context.Context, q sqlx.ExtContext, job *queue.Job, reqID, projectID, userID, intent string) {
	if err := p.store.InsertRequestLog(ctx, q, &store.RequestLog{
		RequestID:     reqID,
		ProjectID:     projectID,
		UserID:        userID,
		Intent:        intent,
		RequestParams: job.Payload,
		Status:        "processing",
	}); err != nil {
		slog.Warn("Failed to insert request log", "job_id", job.JobID, "error", err)
	}
}

func unmarshalPayload(job *queue.Job, v interface{}) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", job.JobName, err)
	}
	return nil
}
