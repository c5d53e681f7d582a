package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
)

// Executor translates agent commands into sandbox calls. Each command is
// attempted independently; a failure becomes {success:false, error} in the
// result list and the batch continues.
type Executor struct {
	sandbox sandbox.Sandbox
}

// NewExecutor creates an Executor bound to one sandbox.
func NewExecutor(sb sandbox.Sandbox) *Executor {
	return &Executor{sandbox: sb}
}

// Execute runs a command batch in order and returns a parallel result list.
// db_query commands are accepted and acknowledged but not executed here;
// the pipeline applies them after the loop completes.
func (e *Executor) Execute(ctx context.Context, commands []Command) []CommandResult {
	results := make([]CommandResult, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, e.executeOne(ctx, cmd))
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, cmd Command) CommandResult {
	result := CommandResult{Type: cmd.Type}

	switch cmd.Type {
	case CommandExecute:
		res, err := e.sandbox.Exec(ctx, cmd.Command, sandbox.DefaultExecTimeout)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Output = res.Stdout
		if res.ExitCode != 0 {
			result.Error = fmt.Sprintf("exit %d: %s", res.ExitCode, res.Stderr)
			return result
		}
		result.Success = true

	case CommandWrite:
		if err := e.sandbox.WriteFile(ctx, cmd.Path, cmd.Content); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Output = fmt.Sprintf("wrote %s", cmd.Path)

	case CommandRead:
		content, err := e.sandbox.ReadFile(ctx, cmd.Path)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Output = content

	case CommandDelete:
		if err := e.sandbox.DeleteFile(ctx, cmd.Path); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		result.Output = fmt.Sprintf("deleted %s", cmd.Path)

	case CommandDBQuery:
		// Deferred: applied against the project database after the loop.
		result.Success = true
		result.Output = "query accepted, will run after code generation completes"

	default:
		slog.Warn("Agent emitted unknown command type", "type", cmd.Type)
		result.Error = fmt.Sprintf("unknown command type %q", cmd.Type)
	}
	return result
}
