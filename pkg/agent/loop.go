package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/llm"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"

	// messageTypeLoop tags the single aggregated cost row per loop run.
	messageTypeLoop = "agentic-container-execution"

	continueReminder = "Continue working, or set taskComplete to true when the API is fully implemented."
	invalidJSONNote  = "Your previous response was not valid JSON. Re-emit your full response as a single valid JSON object of the required shape, with no surrounding text."
)

// turn is one conversation entry.
type turn struct {
	role    string
	content string
}

// ChunkPublisher streams raw LLM output to observers as it is produced.
type ChunkPublisher interface {
	PublishLLMChunk(ctx context.Context, jobID, chunk string)
	PublishLLMDone(ctx context.Context, jobID, errMsg string)
}

// LoopInput parameterizes one loop run.
type LoopInput struct {
	ProjectID   string
	UserID      string
	JobID       string
	UserRequest string

	Prompt prompt.Input

	// ExistingFiles marks paths that pre-date this run; writes to any other
	// path are classified as new files.
	ExistingFiles []string
}

// LoopResult is the aggregated outcome of a loop run.
type LoopResult struct {
	FilesModified []ModifiedFile
	DBQueries     []Command
	Summary       string
	APIBlueprint  json.RawMessage
	Iterations    int
	TotalCost     float64
	Success       bool
}

// Loop drives the bounded agent conversation. Strictly sequential: iteration
// k's commands complete before iteration k+1's LLM call.
type Loop struct {
	llm           llm.Client
	model         string
	maxIterations int
	pricing       *config.PricingTable
	store         *store.Store
	builder       *prompt.Builder
	chunks        ChunkPublisher // optional
}

// NewLoop creates a Loop. chunks may be nil to disable output streaming.
func NewLoop(client llm.Client, model string, maxIterations int, pricing *config.PricingTable, st *store.Store, builder *prompt.Builder, chunks ChunkPublisher) *Loop {
	return &Loop{
		llm:           client,
		model:         model,
		maxIterations: maxIterations,
		pricing:       pricing,
		store:         st,
		builder:       builder,
		chunks:        chunks,
	}
}

// Run executes the loop against the given executor. Exactly one cost row is
// written when the loop exits, aggregating tokens across all iterations.
func (l *Loop) Run(ctx context.Context, q sqlx.ExtContext, executor *Executor, in LoopInput) (*LoopResult, error) {
	system := l.builder.BuildSystemPrompt(in.Prompt)
	conversation := []turn{{role: roleUser, content: in.UserRequest}}

	existing := make(map[string]bool, len(in.ExistingFiles))
	for _, f := range in.ExistingFiles {
		existing[f] = true
	}

	result := &LoopResult{}
	written := make(map[string]int) // path -> index into FilesModified
	totalUsage := llm.Usage{}
	started := time.Now()

	defer func() {
		result.TotalCost = l.pricing.CostFor(totalUsage.InputTokens, totalUsage.OutputTokens, l.model)
		l.store.RecordMessageCost(ctx, q, &store.MessageCost{
			ProjectID:        in.ProjectID,
			JobID:            in.JobID,
			UserID:           in.UserID,
			PromptContent:    in.UserRequest,
			MessageType:      messageTypeLoop,
			Model:            l.model,
			InputTokens:      totalUsage.InputTokens,
			OutputTokens:     totalUsage.OutputTokens,
			CostUSD:          result.TotalCost,
			TimeToCompletion: time.Since(started).Seconds(),
			StartedAt:        started.Unix(),
		})
	}()

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		result.Iterations = iteration + 1

		resp, err := l.generate(ctx, in.JobID, system, conversation)
		if err != nil {
			return result, fmt.Errorf("agent LLM call (iteration %d): %w", iteration+1, err)
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		conversation = append(conversation, turn{role: roleAssistant, content: resp.Text})

		parsed, parseErr := ParseResponse(resp.Text)
		if parseErr != nil {
			slog.Warn("Agent emitted invalid JSON, requesting re-emit",
				"job_id", in.JobID, "iteration", iteration+1, "error", parseErr)
			conversation = append(conversation, turn{role: roleUser, content: invalidJSONNote})
			continue
		}

		results := executor.Execute(ctx, parsed.Commands)
		for _, cmd := range parsed.Commands {
			switch cmd.Type {
			case CommandWrite:
				if _, seen := written[cmd.Path]; seen {
					continue
				}
				written[cmd.Path] = len(result.FilesModified)
				result.FilesModified = append(result.FilesModified, ModifiedFile{
					Path:  cmd.Path,
					Type:  ClassifyPath(cmd.Path),
					IsNew: !existing[cmd.Path],
				})
			case CommandDBQuery:
				result.DBQueries = append(result.DBQueries, cmd)
			}
		}

		if parsed.TaskComplete {
			result.Summary = parsed.Summary
			result.APIBlueprint = parsed.APIBlueprint
			result.Success = true
			slog.Info("Agent loop completed",
				"job_id", in.JobID,
				"iterations", result.Iterations,
				"files_modified", len(result.FilesModified))
			return result, nil
		}

		conversation = append(conversation, turn{
			role:    roleUser,
			content: formatResults(results) + "\n\n" + continueReminder,
		})
	}

	slog.Warn("Agent loop hit iteration cap without completing",
		"job_id", in.JobID, "max_iterations", l.maxIterations)
	return result, nil
}

// generate serializes the conversation into a single prompt payload and
// invokes the LLM, streaming chunks to the publisher when one is attached.
func (l *Loop) generate(ctx context.Context, jobID, system string, conversation []turn) (*llm.Response, error) {
	payload := serializeConversation(conversation)

	if l.chunks == nil {
		return l.llm.Generate(ctx, l.model, system, payload)
	}

	resp, err := l.llm.GenerateStream(ctx, l.model, system, payload, func(chunk string) {
		l.chunks.PublishLLMChunk(ctx, jobID, chunk)
	})
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.chunks.PublishLLMDone(ctx, jobID, errMsg)
	return resp, err
}

// serializeConversation flattens the alternating turns into one prompt
// payload for the single-prompt LLM interface.
func serializeConversation(conversation []turn) string {
	var sb strings.Builder
	for i, t := range conversation {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch t.role {
		case roleAssistant:
			sb.WriteString("ASSISTANT:\n")
		default:
			sb.WriteString("USER:\n")
		}
		sb.WriteString(t.content)
	}
	return sb.String()
}

// formatResults renders command outcomes for the synthetic user turn.
func formatResults(results []CommandResult) string {
	if len(results) == 0 {
		return "No commands were executed."
	}
	var sb strings.Builder
	sb.WriteString("Command results:\n")
	for i, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
		}
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, r.Type, status)
		if r.Output != "" {
			fmt.Fprintf(&sb, "\n%s", truncateOutput(r.Output, 4000))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
