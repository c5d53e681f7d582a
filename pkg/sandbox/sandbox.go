// Package sandbox adapts the ephemeral sandbox provisioner and implements
// the project lifecycle operations the pipelines run inside a sandbox.
package sandbox

import (
	"context"
	"time"
)

// Exec timeouts. Package installation is the slowest legitimate operation.
const (
	DefaultExecTimeout = 120 * time.Second
	InstallTimeout     = 300 * time.Second
	HealthTimeout      = 10 * time.Second
)

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is the capability set of one provisioned sandbox. All paths are
// relative to the project root (the sandbox user's home directory).
type Sandbox interface {
	// ID returns the provider's container identifier.
	ID() string

	// Exec runs a shell command with the given timeout.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// ReadFile returns the content of a file.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile creates or overwrites a file, creating parent directories.
	WriteFile(ctx context.Context, path, content string) error

	// DeleteFile removes a file.
	DeleteFile(ctx context.Context, path string) error

	// Stop stops and deletes the sandbox.
	Stop(ctx context.Context) error
}

// Provisioner creates fresh sandboxes.
type Provisioner interface {
	Create(ctx context.Context) (Sandbox, error)
}
