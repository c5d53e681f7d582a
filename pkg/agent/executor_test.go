package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
)

// fakeSandbox is an in-memory Sandbox for executor and loop tests.
type fakeSandbox struct {
	files    map[string]string
	execLog  []string
	execFn   func(command string) (*sandbox.ExecResult, error)
	writeErr error
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string]string)}
}

func (f *fakeSandbox) ID() string { return "sb-test" }

func (f *fakeSandbox) Exec(_ context.Context, command string, _ time.Duration) (*sandbox.ExecResult, error) {
	f.execLog = append(f.execLog, command)
	if f.execFn != nil {
		return f.execFn(command)
	}
	return &sandbox.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, path string) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, path, content string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.files[path] = content
	return nil
}

func (f *fakeSandbox) DeleteFile(_ context.Context, path string) error {
	if _, ok := f.files[path]; !ok {
		return fmt.Errorf("no such file: %s", path)
	}
	delete(f.files, path)
	return nil
}

func (f *fakeSandbox) Stop(_ context.Context) error { return nil }

func TestExecutor_RunsCommandsInOrder(t *testing.T) {
	sb := newFakeSandbox()
	exec := NewExecutor(sb)

	results := exec.Execute(context.Background(), []Command{
		{Type: CommandExecute, Command: "mkdir -p server/api"},
		{Type: CommandWrite, Path: "server/api/health.get.js", Content: "export default 1"},
		{Type: CommandRead, Path: "server/api/health.get.js"},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, "export default 1", results[2].Output)
	assert.Equal(t, []string{"mkdir -p server/api"}, sb.execLog)
}

func TestExecutor_FailureDoesNotStopBatch(t *testing.T) {
	sb := newFakeSandbox()
	exec := NewExecutor(sb)

	results := exec.Execute(context.Background(), []Command{
		{Type: CommandRead, Path: "missing.js"},
		{Type: CommandWrite, Path: "a.js", Content: "x"},
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
	assert.True(t, results[1].Success)
	assert.Equal(t, "x", sb.files["a.js"])
}

func TestExecutor_NonZeroExitIsFailure(t *testing.T) {
	sb := newFakeSandbox()
	sb.execFn = func(string) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 1, Stdout: "partial", Stderr: "boom"}, nil
	}
	exec := NewExecutor(sb)

	results := exec.Execute(context.Background(), []Command{{Type: CommandExecute, Command: "false"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "exit 1")
	assert.Equal(t, "partial", results[0].Output)
}

func TestExecutor_DBQueryIsDeferred(t *testing.T) {
	sb := newFakeSandbox()
	exec := NewExecutor(sb)

	results := exec.Execute(context.Background(), []Command{
		{Type: CommandDBQuery, Query: "CREATE TABLE users (id VARCHAR(255))", QueryType: "CREATE TABLE"},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Output, "will run after code generation completes")
	assert.Empty(t, sb.execLog, "db_query must not touch the sandbox")
}

func TestExecutor_Delete(t *testing.T) {
	sb := newFakeSandbox()
	sb.files["old.js"] = "x"
	exec := NewExecutor(sb)

	results := exec.Execute(context.Background(), []Command{{Type: CommandDelete, Path: "old.js"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NotContains(t, sb.files, "old.js")
}

func TestExecutor_UnknownTypeFails(t *testing.T) {
	exec := NewExecutor(newFakeSandbox())

	results := exec.Execute(context.Background(), []Command{{Type: "teleport"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "unknown command type")
}
