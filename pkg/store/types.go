// Package store persists the worker's durable records in the control
// database. All writes accept a sqlx.ExtContext so they join the calling
// job's outer transaction.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"
)

// Activity action types. This vocabulary is shared with the frontend's
// activity feed — do not rename values.
const (
	ActionProjectCreated        = "project_created"
	ActionDatabaseCreated       = "database_created"
	ActionQueriesExecuted       = "queries_executed"
	ActionEndpointsAdded        = "endpoints_added"
	ActionEndpointsModified     = "endpoints_modified"
	ActionBusinessLogicModified = "business_logic_modified"
	ActionTablesAdded           = "tables_added"
	ActionGitHubPush            = "github_push"
	ActionDeployment            = "deployment"
	ActionEnvVarsRequired       = "env_vars_required"
	ActionFlySecretSync         = "flyio-secret-sync"
	ActionBlueprintUpdated      = "api_blueprint_updated"
)

// Execution and deployment statuses.
const (
	QueryExecuted = "executed"
	QueryFailed   = "failed"

	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"

	DeploymentPending  = "pending"
	DeploymentDeployed = "deployed"
	DeploymentFailed   = "failed"
)

// StringMap is a JSONB-backed map column (e.g. activity reference ids).
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringList is a JSONB-backed string slice column (e.g. changed files).
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src, dest interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	case nil:
		return nil
	default:
		return fmt.Errorf("store: cannot scan %T into JSON column", src)
	}
}

// RequestLog is one immutable record per ingested request.
type RequestLog struct {
	RequestID     string         `db:"request_id"`
	ProjectID     string         `db:"project_id"`
	UserID        string         `db:"user_id"`
	Intent        string         `db:"intent"`
	RequestParams types.JSONText `db:"request_params"`
	Status        string         `db:"status"`
	CreatedAt     int64          `db:"created_at"`
}

// ProjectDatabase records a provisioned per-project database.
// At most one row per project has IsActive=true.
type ProjectDatabase struct {
	DatabaseID  string `db:"database_id"`
	ProjectID   string `db:"project_id"`
	UserID      string `db:"user_id"`
	DBName      string `db:"db_name"`
	SchemaName  string `db:"schema_name"`
	IsActive    bool   `db:"is_active"`
	Environment string `db:"environment"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// GeneratedQuery is one audit row per DDL execution attempt.
type GeneratedQuery struct {
	QueryID         string `db:"query_id"`
	ProjectID       string `db:"project_id"`
	QueryText       string `db:"query_text"`
	QueryType       string `db:"query_type"`
	SchemaName      string `db:"schema_name"`
	ExecutionStatus string `db:"execution_status"`
	ErrorMessage    string `db:"error_message"`
	Environment     string `db:"environment"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

// Repo records a project's source repository. At most one active per project.
type Repo struct {
	RepoID    string `db:"repo_id"`
	ProjectID string `db:"project_id"`
	UserID    string `db:"user_id"`
	RepoURL   string `db:"repo_url"`
	RepoName  string `db:"repo_name"`
	Branch    string `db:"branch"`
	IsActive  bool   `db:"is_active"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Push is one row per push to the source host.
type Push struct {
	PushID        string     `db:"push_id"`
	ProjectID     string     `db:"project_id"`
	CommitSHA     string     `db:"commit_sha"`
	CommitMessage string     `db:"commit_message"`
	FilesChanged  StringList `db:"files_changed"`
	RepoURL       string     `db:"repo_url"`
	Environment   string     `db:"environment"`
	PushedAt      int64      `db:"pushed_at"`
}

// ContainerSession records a sandbox lifecycle.
type ContainerSession struct {
	SessionID   string `db:"session_id"`
	ProjectID   string `db:"project_id"`
	ContainerID string `db:"container_id"`
	Provider    string `db:"provider"`
	Status      string `db:"status"`
	Environment string `db:"environment"`
	StartedAt   int64  `db:"started_at"`
	StoppedAt   *int64 `db:"stopped_at"`
}

// Deployment is the canonical deployment record for a project.
type Deployment struct {
	DeploymentID string `db:"deployment_id"`
	ProjectID    string `db:"project_id"`
	Platform     string `db:"platform"`
	AppName      string `db:"app_name"`
	URL          string `db:"url"`
	Status       string `db:"status"`
	DeployedAt   int64  `db:"deployed_at"`
	LastUpdated  int64  `db:"last_updated"`
}

// Activity is an append-only ledger entry.
type Activity struct {
	ActionID      string    `db:"action_id"`
	ProjectID     string    `db:"project_id"`
	UserID        string    `db:"user_id"`
	RequestID     *string   `db:"request_id"`
	ActionType    string    `db:"action_type"`
	ActionDetails string    `db:"action_details"`
	Status        string    `db:"status"`
	Environment   string    `db:"environment"`
	ReferenceIDs  StringMap `db:"reference_ids"`
	CreatedAt     int64     `db:"created_at"`
}

// MessageCost is an append-only token/cost accounting entry.
type MessageCost struct {
	CostID           string  `db:"cost_id"`
	ProjectID        string  `db:"project_id"`
	JobID            string  `db:"job_id"`
	UserID           string  `db:"user_id"`
	PromptContent    string  `db:"prompt_content"`
	MessageType      string  `db:"message_type"`
	Model            string  `db:"model"`
	InputTokens      int     `db:"input_tokens"`
	OutputTokens     int     `db:"output_tokens"`
	CostUSD          float64 `db:"cost_usd"`
	TimeToCompletion float64 `db:"time_to_completion"`
	StartedAt        int64   `db:"started_at"`
	CreatedAt        int64   `db:"created_at"`
}

// Blueprint is a stored API blueprint document. The latest row per project
// is authoritative.
type Blueprint struct {
	BlueprintID      string         `db:"blueprint_id"`
	ProjectID        string         `db:"project_id"`
	RequestID        *string        `db:"request_id"`
	BlueprintContent types.JSONText `db:"blueprint_content"`
	LastUpdated      int64          `db:"last_updated"`
	CreatedAt        int64          `db:"created_at"`
}

// Credential is a placeholder for a user-supplied integration secret.
type Credential struct {
	CredentialID string  `db:"credential_id"`
	ProjectID    string  `db:"project_id"`
	Provider     string  `db:"provider"`
	VarName      string  `db:"var_name"`
	VarValue     *string `db:"var_value"`
	IsActive     bool    `db:"is_active"`
	CreatedAt    int64   `db:"created_at"`
	UpdatedAt    int64   `db:"updated_at"`
}
