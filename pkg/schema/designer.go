// Package schema designs per-project table schemas with the LLM and
// provisions them onto the database cluster.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/llm"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// Column is one designed column.
type Column struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Constraints []string `json:"constraints"`
}

// Table is one designed table with its ready-to-run DDL.
type Table struct {
	TableName   string   `json:"tableName"`
	Columns     []Column `json:"columns"`
	CreateQuery string   `json:"createQuery"`
}

// Design is the full designer output.
type Design struct {
	Tables []Table `json:"tables"`
}

// designerSystemPrompt fixes the schema conventions: identifier columns are
// VARCHAR, timestamps are BIGINT epoch seconds, constraints are inline in
// createQuery, and table names are unqualified (no schema prefix).
const designerSystemPrompt = `You are a database schema designer for small HTTP APIs.
Given the user's description, design the relational tables the API needs.

Rules:
- Identifier columns (ids, foreign keys) use VARCHAR(255).
- Timestamp columns use BIGINT storing epoch seconds.
- Encode constraints (PRIMARY KEY, UNIQUE, NOT NULL, FOREIGN KEY) inline in createQuery.
- Table names must be unqualified: never prefix them with a schema name.
- Keep the design minimal: only tables the described API actually needs.

Respond with ONLY a JSON object, no prose, no markdown fences:
{"tables": [{"tableName": string, "columns": [{"name": string, "type": string, "constraints": [string]}], "createQuery": string}]}`

// Designer produces a Design from a natural-language request.
type Designer struct {
	llm     llm.Client
	model   string
	pricing *config.PricingTable
	store   *store.Store
}

// NewDesigner creates a Designer using the main agent model.
func NewDesigner(client llm.Client, model string, pricing *config.PricingTable, st *store.Store) *Designer {
	return &Designer{llm: client, model: model, pricing: pricing, store: st}
}

// DesignInfo identifies the job a designer call belongs to, for cost rows.
type DesignInfo struct {
	ProjectID string
	UserID    string
	JobID     string
}

// Design invokes the LLM and parses the schema document. One message-cost
// row is written per call.
func (d *Designer) Design(ctx context.Context, q sqlx.ExtContext, userRequest string, info DesignInfo) (*Design, float64, error) {
	started := time.Now()
	resp, err := d.llm.Generate(ctx, d.model, designerSystemPrompt, userRequest)
	if err != nil {
		return nil, 0, fmt.Errorf("schema designer LLM call: %w", err)
	}

	cost := d.pricing.CostFor(resp.Usage.InputTokens, resp.Usage.OutputTokens, d.model)
	d.store.RecordMessageCost(ctx, q, &store.MessageCost{
		ProjectID:        info.ProjectID,
		JobID:            info.JobID,
		UserID:           info.UserID,
		PromptContent:    userRequest,
		MessageType:      "schema-design",
		Model:            d.model,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CostUSD:          cost,
		TimeToCompletion: time.Since(started).Seconds(),
		StartedAt:        started.Unix(),
	})

	var design Design
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &design); err != nil {
		return nil, cost, fmt.Errorf("parse schema designer response: %w", err)
	}
	if len(design.Tables) == 0 {
		return nil, cost, fmt.Errorf("schema designer returned no tables")
	}
	for _, t := range design.Tables {
		if t.TableName == "" || t.CreateQuery == "" {
			return nil, cost, fmt.Errorf("schema designer returned incomplete table definition")
		}
	}
	return &design, cost, nil
}

// Render formats the design for inclusion in the agent's system prompt.
func (d *Design) Render() string {
	var sb strings.Builder
	for _, t := range d.Tables {
		fmt.Fprintf(&sb, "Table: %s\n", t.TableName)
		for _, c := range t.Columns {
			fmt.Fprintf(&sb, "  - %s %s", c.Name, c.Type)
			if len(c.Constraints) > 0 {
				fmt.Fprintf(&sb, " [%s]", strings.Join(c.Constraints, ", "))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
