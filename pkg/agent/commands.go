// Package agent implements the agentic loop: a bounded conversation with the
// LLM whose structured commands are executed inside the project sandbox.
package agent

import "encoding/json"

// Command types the agent may emit.
const (
	CommandExecute = "execute"
	CommandWrite   = "write"
	CommandRead    = "read"
	CommandDelete  = "delete"
	CommandDBQuery = "db_query"
)

// Command is one structured operation requested by the agent. Fields are
// populated per type: execute uses Command; write uses Path and Content;
// read and delete use Path; db_query uses Query, SchemaName, QueryType.
type Command struct {
	Type       string `json:"type"`
	Command    string `json:"command,omitempty"`
	Path       string `json:"path,omitempty"`
	Content    string `json:"content,omitempty"`
	Query      string `json:"query,omitempty"`
	SchemaName string `json:"schemaName,omitempty"`
	QueryType  string `json:"queryType,omitempty"`
}

// Response is the JSON document the agent must emit every iteration.
type Response struct {
	Reasoning    string          `json:"reasoning"`
	Commands     []Command       `json:"commands"`
	TaskComplete bool            `json:"taskComplete"`
	Summary      string          `json:"summary"`
	APIBlueprint json.RawMessage `json:"apiBlueprint,omitempty"`
}

// CommandResult is the outcome of executing one command. Per-command failure
// never aborts the rest of the batch.
type CommandResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// File types assigned to written paths, used to classify modifications.
const (
	FileTypeRoute      = "route"
	FileTypeMiddleware = "middleware"
	FileTypeModel      = "model"
	FileTypeUtility    = "utility"
	FileTypeConfig     = "config"
	FileTypeOther      = "other"
)

// ModifiedFile is one file the agent wrote during the loop.
type ModifiedFile struct {
	Path  string
	Type  string
	IsNew bool
}
