package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
)

// Store issues control-database statements. Every statement is prefixed
// with the configured schema namespace. Methods take a sqlx.ExtContext so
// callers decide whether a statement runs on the pool or inside the job's
// outer transaction.
type Store struct {
	prefix      string
	environment string
}

// New creates a Store bound to a schema prefix and environment tag.
func New(schemaPrefix, environment string) *Store {
	return &Store{prefix: schemaPrefix, environment: environment}
}

// Environment returns the environment tag written into domain rows.
func (s *Store) Environment() string { return s.environment }

func (s *Store) table(name string) string {
	return s.prefix + "." + name
}

func now() int64 { return time.Now().Unix() }

// --- Request logs ---

// InsertRequestLog writes the immutable per-request record.
func (s *Store) InsertRequestLog(ctx context.Context, q sqlx.ExtContext, rl *RequestLog) error {
	if rl.CreatedAt == 0 {
		rl.CreatedAt = now()
	}
	if rl.Status == "" {
		rl.Status = "processing"
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(request_id, project_id, user_id, intent, request_params, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("request_logs"))
	_, err := q.ExecContext(ctx, query,
		rl.RequestID, rl.ProjectID, rl.UserID, rl.Intent, rl.RequestParams, rl.Status, rl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// --- Project databases ---

// InsertProjectDatabase writes a project-database row. The partial unique
// index on (project_id) WHERE is_active enforces the single-active invariant.
func (s *Store) InsertProjectDatabase(ctx context.Context, q sqlx.ExtContext, pd *ProjectDatabase) error {
	if pd.DatabaseID == "" {
		pd.DatabaseID = ids.New()
	}
	if pd.SchemaName == "" {
		pd.SchemaName = "public"
	}
	pd.Environment = s.environment
	pd.CreatedAt, pd.UpdatedAt = now(), now()
	pd.IsActive = true
	query := fmt.Sprintf(`INSERT INTO %s
		(database_id, project_id, user_id, db_name, schema_name, is_active, environment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table("project_databases"))
	_, err := q.ExecContext(ctx, query,
		pd.DatabaseID, pd.ProjectID, pd.UserID, pd.DBName, pd.SchemaName,
		pd.IsActive, pd.Environment, pd.CreatedAt, pd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project database: %w", err)
	}
	return nil
}

// GetActiveProjectDatabase returns the active database row for a project,
// or nil when the project has no database.
func (s *Store) GetActiveProjectDatabase(ctx context.Context, q sqlx.ExtContext, projectID string) (*ProjectDatabase, error) {
	var pd ProjectDatabase
	query := fmt.Sprintf(`SELECT * FROM %s WHERE project_id = $1 AND is_active`, s.table("project_databases"))
	err := sqlx.GetContext(ctx, q, &pd, query, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active project database: %w", err)
	}
	return &pd, nil
}

// --- Generated queries ---

// InsertGeneratedQuery writes one audit row per DDL execution attempt.
func (s *Store) InsertGeneratedQuery(ctx context.Context, q sqlx.ExtContext, gq *GeneratedQuery) error {
	if gq.QueryID == "" {
		gq.QueryID = ids.New()
	}
	gq.Environment = s.environment
	gq.CreatedAt, gq.UpdatedAt = now(), now()
	query := fmt.Sprintf(`INSERT INTO %s
		(query_id, project_id, query_text, query_type, schema_name, execution_status, error_message, environment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table("generated_queries"))
	_, err := q.ExecContext(ctx, query,
		gq.QueryID, gq.ProjectID, gq.QueryText, gq.QueryType, gq.SchemaName,
		gq.ExecutionStatus, gq.ErrorMessage, gq.Environment, gq.CreatedAt, gq.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert generated query: %w", err)
	}
	return nil
}

// --- Repos ---

// InsertRepo writes a source-repository row.
func (s *Store) InsertRepo(ctx context.Context, q sqlx.ExtContext, r *Repo) error {
	if r.RepoID == "" {
		r.RepoID = ids.New()
	}
	if r.Branch == "" {
		r.Branch = "main"
	}
	r.IsActive = true
	r.CreatedAt, r.UpdatedAt = now(), now()
	query := fmt.Sprintf(`INSERT INTO %s
		(repo_id, project_id, user_id, repo_url, repo_name, branch, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table("github_repos"))
	_, err := q.ExecContext(ctx, query,
		r.RepoID, r.ProjectID, r.UserID, r.RepoURL, r.RepoName, r.Branch,
		r.IsActive, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

// GetActiveRepo returns the active source repository for a project, or nil
// when none exists.
func (s *Store) GetActiveRepo(ctx context.Context, q sqlx.ExtContext, projectID string) (*Repo, error) {
	var r Repo
	query := fmt.Sprintf(`SELECT * FROM %s WHERE project_id = $1 AND is_active`, s.table("github_repos"))
	err := sqlx.GetContext(ctx, q, &r, query, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active repo: %w", err)
	}
	return &r, nil
}

// --- Push history ---

// InsertPush writes a push-history row.
func (s *Store) InsertPush(ctx context.Context, q sqlx.ExtContext, p *Push) error {
	if p.PushID == "" {
		p.PushID = ids.New()
	}
	p.Environment = s.environment
	if p.PushedAt == 0 {
		p.PushedAt = now()
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(push_id, project_id, commit_sha, commit_message, files_changed, repo_url, environment, pushed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("push_history"))
	_, err := q.ExecContext(ctx, query,
		p.PushID, p.ProjectID, p.CommitSHA, p.CommitMessage, p.FilesChanged,
		p.RepoURL, p.Environment, p.PushedAt)
	if err != nil {
		return fmt.Errorf("insert push: %w", err)
	}
	return nil
}

// --- Container sessions ---

// InsertContainerSession records a sandbox allocation.
func (s *Store) InsertContainerSession(ctx context.Context, q sqlx.ExtContext, cs *ContainerSession) error {
	if cs.SessionID == "" {
		cs.SessionID = ids.New()
	}
	if cs.Status == "" {
		cs.Status = SessionActive
	}
	cs.Environment = s.environment
	if cs.StartedAt == 0 {
		cs.StartedAt = now()
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(session_id, project_id, container_id, provider, status, environment, started_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("container_sessions"))
	_, err := q.ExecContext(ctx, query,
		cs.SessionID, cs.ProjectID, cs.ContainerID, cs.Provider, cs.Status,
		cs.Environment, cs.StartedAt, cs.StoppedAt)
	if err != nil {
		return fmt.Errorf("insert container session: %w", err)
	}
	return nil
}

// CloseContainerSession marks a session terminal. stopped_at is clamped to
// started_at so stopped_at >= started_at always holds.
func (s *Store) CloseContainerSession(ctx context.Context, q sqlx.ExtContext, sessionID, status string) error {
	query := fmt.Sprintf(`UPDATE %s
		SET status = $2, stopped_at = GREATEST($3, started_at)
		WHERE session_id = $1`, s.table("container_sessions"))
	_, err := q.ExecContext(ctx, query, sessionID, status, now())
	if err != nil {
		return fmt.Errorf("close container session: %w", err)
	}
	return nil
}

// --- Deployments ---

// InsertDeployment writes a deployment record.
func (s *Store) InsertDeployment(ctx context.Context, q sqlx.ExtContext, d *Deployment) error {
	if d.DeploymentID == "" {
		d.DeploymentID = ids.New()
	}
	if d.Platform == "" {
		d.Platform = "fly.io"
	}
	d.DeployedAt, d.LastUpdated = now(), now()
	query := fmt.Sprintf(`INSERT INTO %s
		(deployment_id, project_id, platform, app_name, url, status, deployed_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("deployments"))
	_, err := q.ExecContext(ctx, query,
		d.DeploymentID, d.ProjectID, d.Platform, d.AppName, d.URL, d.Status,
		d.DeployedAt, d.LastUpdated)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// UpdateDeploymentStatus transitions a deployment record.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, q sqlx.ExtContext, deploymentID, status string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, last_updated = $3 WHERE deployment_id = $1`,
		s.table("deployments"))
	_, err := q.ExecContext(ctx, query, deploymentID, status, now())
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	return nil
}

// GetDeployment returns the latest deployment record for a project, or nil.
func (s *Store) GetDeployment(ctx context.Context, q sqlx.ExtContext, projectID string) (*Deployment, error) {
	var d Deployment
	query := fmt.Sprintf(`SELECT * FROM %s WHERE project_id = $1 ORDER BY deployed_at DESC LIMIT 1`,
		s.table("deployments"))
	err := sqlx.GetContext(ctx, q, &d, query, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query deployment: %w", err)
	}
	return &d, nil
}

// --- Blueprints ---

// InsertBlueprint stores a new API blueprint document.
func (s *Store) InsertBlueprint(ctx context.Context, q sqlx.ExtContext, b *Blueprint) error {
	if b.BlueprintID == "" {
		b.BlueprintID = ids.New()
	}
	b.CreatedAt, b.LastUpdated = now(), now()
	query := fmt.Sprintf(`INSERT INTO %s
		(blueprint_id, project_id, request_id, blueprint_content, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.table("api_blueprints"))
	_, err := q.ExecContext(ctx, query,
		b.BlueprintID, b.ProjectID, b.RequestID, b.BlueprintContent, b.LastUpdated, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blueprint: %w", err)
	}
	return nil
}

// GetLatestBlueprint returns the authoritative blueprint for a project, or nil.
func (s *Store) GetLatestBlueprint(ctx context.Context, q sqlx.ExtContext, projectID string) (*Blueprint, error) {
	var b Blueprint
	query := fmt.Sprintf(`SELECT * FROM %s WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`,
		s.table("api_blueprints"))
	err := sqlx.GetContext(ctx, q, &b, query, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest blueprint: %w", err)
	}
	return &b, nil
}

// UpdateBlueprintContent replaces the content of an existing blueprint row.
func (s *Store) UpdateBlueprintContent(ctx context.Context, q sqlx.ExtContext, blueprintID string, content []byte) error {
	query := fmt.Sprintf(`UPDATE %s SET blueprint_content = $2, last_updated = $3 WHERE blueprint_id = $1`,
		s.table("api_blueprints"))
	_, err := q.ExecContext(ctx, query, blueprintID, content, now())
	if err != nil {
		return fmt.Errorf("update blueprint content: %w", err)
	}
	return nil
}

// --- Credentials ---

// InsertCredential writes a credential placeholder row.
func (s *Store) InsertCredential(ctx context.Context, q sqlx.ExtContext, c *Credential) error {
	if c.CredentialID == "" {
		c.CredentialID = ids.New()
	}
	c.IsActive = true
	c.CreatedAt, c.UpdatedAt = now(), now()
	query := fmt.Sprintf(`INSERT INTO %s
		(credential_id, project_id, provider, var_name, var_value, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("credentials"))
	_, err := q.ExecContext(ctx, query,
		c.CredentialID, c.ProjectID, c.Provider, c.VarName, c.VarValue,
		c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}
