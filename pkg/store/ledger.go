package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
)

// maxPromptContentLen bounds the prompt snapshot stored with a cost entry.
const maxPromptContentLen = 1000

// LogActivity appends an activity ledger entry. Ledger writes never fail the
// calling operation: errors are logged and swallowed.
func (s *Store) LogActivity(ctx context.Context, q sqlx.ExtContext, a *Activity) {
	if a.ActionID == "" {
		a.ActionID = ids.New()
	}
	if a.Status == "" {
		a.Status = "success"
	}
	a.Environment = s.environment
	a.CreatedAt = now()
	query := fmt.Sprintf(`INSERT INTO %s
		(action_id, project_id, user_id, request_id, action_type, action_details, status, environment, reference_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table("activities"))
	_, err := q.ExecContext(ctx, query,
		a.ActionID, a.ProjectID, a.UserID, a.RequestID, a.ActionType,
		a.ActionDetails, a.Status, a.Environment, a.ReferenceIDs, a.CreatedAt)
	if err != nil {
		slog.Error("Failed to write activity entry",
			"project_id", a.ProjectID, "action_type", a.ActionType, "error", err)
	}
}

// RecordMessageCost appends a message-cost entry. Like activity writes, cost
// accounting failures are logged and swallowed.
func (s *Store) RecordMessageCost(ctx context.Context, q sqlx.ExtContext, mc *MessageCost) {
	if mc.CostID == "" {
		mc.CostID = ids.New()
	}
	if len(mc.PromptContent) > maxPromptContentLen {
		mc.PromptContent = mc.PromptContent[:maxPromptContentLen]
	}
	if mc.StartedAt == 0 {
		mc.StartedAt = now()
	}
	mc.CreatedAt = now()
	query := fmt.Sprintf(`INSERT INTO %s
		(cost_id, project_id, job_id, user_id, prompt_content, message_type, model, input_tokens, output_tokens, cost_usd, time_to_completion, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, s.table("message_costs"))
	_, err := q.ExecContext(ctx, query,
		mc.CostID, mc.ProjectID, mc.JobID, mc.UserID, mc.PromptContent,
		mc.MessageType, mc.Model, mc.InputTokens, mc.OutputTokens,
		mc.CostUSD, mc.TimeToCompletion, mc.StartedAt, mc.CreatedAt)
	if err != nil {
		slog.Error("Failed to write message cost entry",
			"project_id", mc.ProjectID, "message_type", mc.MessageType, "error", err)
	}
}
