package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// InitOptions selects the packages and env entries written into a fresh
// project. The flags come straight from the intent detectors.
type InitOptions struct {
	ProjectID   string
	ProjectName string
	Database    *schema.DatabaseInfo // nil when no database was provisioned
	NeedsAuth   bool
	NeedsPay    bool
}

// Manager runs project lifecycle operations inside sandboxes.
type Manager struct {
	provisioner Provisioner
	store       *store.Store
	cfg         *config.Config
}

// NewManager creates a Manager.
func NewManager(p Provisioner, st *store.Store, cfg *config.Config) *Manager {
	return &Manager{provisioner: p, store: st, cfg: cfg}
}

// Provision creates a fresh sandbox, installs the tools later phases depend
// on (tree for project context discovery, the AWS CLI for the object-store
// mirror), and records a container session row on the caller's connection.
func (m *Manager) Provision(ctx context.Context, q sqlx.ExtContext, projectID string) (Sandbox, *store.ContainerSession, error) {
	sb, err := m.provisioner.Create(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("provision sandbox: %w", err)
	}
	slog.Info("Sandbox provisioned", "project_id", projectID, "sandbox_id", sb.ID())

	installs := []string{
		"sudo apt-get update -qq && sudo apt-get install -y -qq tree",
		"curl -sS 'https://awscli.amazonaws.com/awscli-exe-linux-x86_64.zip' -o awscliv2.zip && unzip -qo awscliv2.zip && sudo ./aws/install --update && rm -rf aws awscliv2.zip",
	}
	for _, cmd := range installs {
		res, err := sb.Exec(ctx, cmd, InstallTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("install sandbox tools: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, nil, fmt.Errorf("install sandbox tools: exit %d: %s", res.ExitCode, truncate(res.Stderr, 500))
		}
	}

	session := &store.ContainerSession{
		ProjectID:   projectID,
		ContainerID: sb.ID(),
		Provider:    "daytona",
	}
	if err := m.store.InsertContainerSession(ctx, q, session); err != nil {
		return nil, nil, err
	}
	return sb, session, nil
}

// InitializeProject scaffolds a new HTTP server project in the sandbox:
// package manager, framework and integration packages, scripts, server
// config, .env, health endpoint, and an initial git commit. Modification
// jobs skip this entirely; the clone populates the directory instead.
func (m *Manager) InitializeProject(ctx context.Context, sb Sandbox, opts InitOptions) error {
	steps := []struct {
		desc    string
		command string
	}{
		{"install pnpm", "sudo npm install -g pnpm"},
		{"init package.json", "pnpm init"},
		{"install server framework", "pnpm add nitropack h3"},
	}
	for _, s := range steps {
		if err := m.run(ctx, sb, s.desc, s.command, InstallTimeout); err != nil {
			return err
		}
	}

	if opts.Database != nil {
		if err := m.run(ctx, sb, "install pg driver", "pnpm add pg", InstallTimeout); err != nil {
			return err
		}
	}
	if opts.NeedsAuth {
		if err := m.run(ctx, sb, "install auth SDK", "pnpm add @clerk/backend svix", InstallTimeout); err != nil {
			return err
		}
	}
	if opts.NeedsPay {
		if err := m.run(ctx, sb, "install payment SDK", "pnpm add stripe", InstallTimeout); err != nil {
			return err
		}
	}

	// Overwrite script entries rather than merging: pnpm init's defaults are
	// not usable for a nitro project.
	scriptCmd := `node -e "const p=require('./package.json');p.scripts={dev:'nitro dev',build:'nitro build',preview:'node .output/server/index.mjs'};require('fs').writeFileSync('package.json',JSON.stringify(p,null,2))"`
	if err := m.run(ctx, sb, "set package scripts", scriptCmd, DefaultExecTimeout); err != nil {
		return err
	}

	files := map[string]string{
		"nitro.config.ts":          nitroConfig,
		".env":                     m.buildEnvFile(opts),
		"server/api/health.get.js": healthEndpoint,
		".gitignore":               gitIgnore,
	}
	for path, content := range files {
		if err := sb.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}

	gitSteps := []string{
		"git init",
		`git config user.email "worker@turbobackend.dev"`,
		`git config user.name "TurboBackend Worker"`,
		"git add -A",
		`git commit -m "Initial project scaffold"`,
	}
	for _, cmd := range gitSteps {
		if err := m.run(ctx, sb, "git setup", cmd, DefaultExecTimeout); err != nil {
			return err
		}
	}

	slog.Info("Project initialized in sandbox",
		"project_id", opts.ProjectID,
		"sandbox_id", sb.ID(),
		"database", opts.Database != nil,
		"auth", opts.NeedsAuth,
		"payments", opts.NeedsPay)
	return nil
}

// buildEnvFile assembles the project .env. Worker-held credentials are
// written with real values; integration keys the user must supply get
// literal placeholder values the frontend matches on.
func (m *Manager) buildEnvFile(opts InitOptions) string {
	var sb strings.Builder

	sb.WriteString("# Generated by TurboBackend\n")
	fmt.Fprintf(&sb, "PROJECT_ID=%s\n", opts.ProjectID)

	if opts.Database != nil {
		sb.WriteString("\n# Database\n")
		fmt.Fprintf(&sb, "DB_HOST=%s\n", opts.Database.Host)
		fmt.Fprintf(&sb, "DB_PORT=%d\n", opts.Database.Port)
		fmt.Fprintf(&sb, "DB_NAME=%s\n", opts.Database.DBName)
		fmt.Fprintf(&sb, "DB_USER=%s\n", opts.Database.User)
		fmt.Fprintf(&sb, "DB_PASSWORD=%s\n", opts.Database.Password)
	}

	sb.WriteString("\n# Object store\n")
	fmt.Fprintf(&sb, "AWS_REGION=%s\n", m.cfg.ObjectStoreRegion)
	fmt.Fprintf(&sb, "AWS_ACCESS_KEY_ID=%s\n", m.cfg.ObjectStoreAccessKey)
	fmt.Fprintf(&sb, "AWS_SECRET_ACCESS_KEY=%s\n", m.cfg.ObjectStoreSecretKey)

	if opts.NeedsAuth {
		sb.WriteString("\n# Clerk (REQUIRED - user must add)\n")
		for _, v := range AuthEnvVars {
			fmt.Fprintf(&sb, "%s=<YOUR_%s>\n", v, v)
		}
	}
	if opts.NeedsPay {
		sb.WriteString("\n# Stripe (REQUIRED - user must add)\n")
		for _, v := range PaymentEnvVars {
			fmt.Fprintf(&sb, "%s=<YOUR_%s>\n", v, v)
		}
	}
	return sb.String()
}

// Integration env vars users must supply real values for. Placeholder
// credential rows and the env_vars_required activity use the same lists.
var (
	AuthEnvVars    = []string{"CLERK_SECRET_KEY", "CLERK_PUBLISHABLE_KEY", "CLERK_WEBHOOK_SECRET"}
	PaymentEnvVars = []string{"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET"}
)

// SyncToObjectStore mirrors the project tree to s3://{bucket}/{projectId}/,
// excluding dependency, VCS, build, and secret files.
func (m *Manager) SyncToObjectStore(ctx context.Context, sb Sandbox, projectID string) error {
	cmd := fmt.Sprintf(
		"AWS_ACCESS_KEY_ID=%s AWS_SECRET_ACCESS_KEY=%s AWS_REGION=%s "+
			"aws s3 sync . s3://%s/%s/ "+
			"--exclude 'node_modules/*' --exclude '.git/*' --exclude '.output/*' "+
			"--exclude '.nitro/*' --exclude '.cache/*' --exclude '.env' --exclude 'fly.toml'",
		m.cfg.ObjectStoreAccessKey, m.cfg.ObjectStoreSecretKey, m.cfg.ObjectStoreRegion,
		m.cfg.ObjectStoreBucket, projectID)

	res, err := sb.Exec(ctx, cmd, InstallTimeout)
	if err != nil {
		return fmt.Errorf("sync to object store: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sync to object store: exit %d: %s", res.ExitCode, truncate(res.Stderr, 500))
	}
	slog.Info("Project mirrored to object store", "project_id", projectID, "bucket", m.cfg.ObjectStoreBucket)
	return nil
}

// Teardown stops the sandbox and closes its session row. Errors are logged
// and tolerated so a successful job is never failed by cleanup.
func (m *Manager) Teardown(ctx context.Context, q sqlx.ExtContext, sb Sandbox, session *store.ContainerSession, status string) {
	if err := sb.Stop(ctx); err != nil {
		slog.Warn("Failed to stop sandbox", "sandbox_id", sb.ID(), "error", err)
	}
	if session == nil {
		return
	}
	if err := m.store.CloseContainerSession(ctx, q, session.SessionID, status); err != nil {
		slog.Warn("Failed to close container session", "session_id", session.SessionID, "error", err)
	}
}

func (m *Manager) run(ctx context.Context, sb Sandbox, desc, command string, timeout time.Duration) error {
	res, err := sb.Exec(ctx, command, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", desc, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s", desc, res.ExitCode, truncate(res.Stderr, 500))
	}
	return nil
}

const nitroConfig = `export default {
  srcDir: ".",
  compatibilityDate: "2025-01-01",
};
`

const healthEndpoint = `export default defineEventHandler(() => {
  return { status: "ok", timestamp: Date.now() };
});
`

const gitIgnore = `node_modules/
.output/
.nitro/
.cache/
.env
*.log
.DS_Store
`
