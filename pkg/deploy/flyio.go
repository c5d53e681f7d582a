// Package deploy integrates with the Fly.io platform: app creation, secrets,
// and deployment records. Deployments themselves are triggered by CI on
// pushes to main; the worker only prepares the app and records intent.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

const installFlyctl = "curl -sL https://fly.io/install.sh | sh && sudo ln -sf $HOME/.fly/bin/flyctl /usr/local/bin/flyctl"

// Deployer manages Fly.io apps for projects.
type Deployer struct {
	cfg   *config.Config
	store *store.Store
	http  *http.Client
}

// NewDeployer creates a Deployer.
func NewDeployer(cfg *config.Config, st *store.Store) *Deployer {
	return &Deployer{
		cfg:   cfg,
		store: st,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureApp creates the project's app if it does not exist. Idempotent:
// an existing app, or an "already taken" error from a concurrent create,
// both count as success.
func (d *Deployer) EnsureApp(ctx context.Context, projectID string) (string, error) {
	appName := ids.AppName(projectID)

	exists, err := d.appExists(ctx, appName)
	if err != nil {
		return "", err
	}
	if exists {
		slog.Info("Fly app already exists, reusing", "app", appName)
		return appName, nil
	}

	body := map[string]string{
		"app_name": appName,
		"org_slug": d.cfg.FlyOrg,
	}
	if err := d.api(ctx, http.MethodPost, "/v1/apps", body, nil); err != nil {
		if strings.Contains(err.Error(), "already") {
			slog.Info("Fly app created concurrently, reusing", "app", appName)
			return appName, nil
		}
		return "", fmt.Errorf("create fly app %s: %w", appName, err)
	}
	slog.Info("Created Fly app", "app", appName, "org", d.cfg.FlyOrg)
	return appName, nil
}

// SetDatabaseSecrets installs the project database credentials as app
// secrets via flyctl inside the sandbox.
func (d *Deployer) SetDatabaseSecrets(ctx context.Context, sb sandbox.Sandbox, appName string, db *schema.DatabaseInfo) error {
	if err := d.ensureFlyctl(ctx, sb); err != nil {
		return err
	}
	cmd := d.secretsCmd(appName, []string{"--stage"},
		"DB_HOST="+db.Host,
		fmt.Sprintf("DB_PORT=%d", db.Port),
		"DB_NAME="+db.DBName,
		"DB_USER="+db.User,
		"DB_PASSWORD="+db.Password)
	return d.runFlyctl(ctx, sb, "set database secrets", cmd)
}

// SetSecret installs a single named secret on the app. Used by the
// secret-sync job when a user supplies a real credential value.
func (d *Deployer) SetSecret(ctx context.Context, sb sandbox.Sandbox, appName, name, value string) error {
	if err := d.ensureFlyctl(ctx, sb); err != nil {
		return err
	}
	return d.runFlyctl(ctx, sb, "set secret "+name, d.secretsCmd(appName, nil, name+"="+value))
}

// secretsCmd builds a flyctl secrets set invocation. Secret values and the
// token are user-supplied or sensitive strings; each rides as one quoted
// shell word so nothing in them is interpreted.
func (d *Deployer) secretsCmd(appName string, flags []string, pairs ...string) string {
	parts := []string{
		"FLY_API_TOKEN=" + sandbox.ShellQuote(d.cfg.FlyAPIToken),
		"flyctl", "secrets", "set", "--app", appName,
	}
	parts = append(parts, flags...)
	for _, pair := range pairs {
		parts = append(parts, sandbox.ShellQuote(pair))
	}
	return strings.Join(parts, " ")
}

// RecordPendingDeployment writes the pending deployment row. CI updates the
// status out of band; the worker never waits for it.
func (d *Deployer) RecordPendingDeployment(ctx context.Context, q sqlx.ExtContext, projectID, appName string) (*store.Deployment, error) {
	dep := &store.Deployment{
		ProjectID: projectID,
		Platform:  "flyio",
		AppName:   appName,
		URL:       ids.AppURL(projectID),
		Status:    store.DeploymentPending,
	}
	if err := d.store.InsertDeployment(ctx, q, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// DeployNow deploys synchronously from the sandbox and waits for the app to
// answer its health endpoint. The pipelines deploy via CI instead; this path
// is kept for operational use.
func (d *Deployer) DeployNow(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, dep *store.Deployment) error {
	if err := d.ensureFlyctl(ctx, sb); err != nil {
		return err
	}
	cmd := fmt.Sprintf("FLY_API_TOKEN=%s flyctl deploy --app %s --remote-only",
		sandbox.ShellQuote(d.cfg.FlyAPIToken), dep.AppName)
	res, err := sb.Exec(ctx, cmd, sandbox.InstallTimeout)
	if err != nil {
		return fmt.Errorf("flyctl deploy: %w", err)
	}

	output := strings.ToLower(res.Stdout + res.Stderr)
	deployed := res.ExitCode == 0 &&
		(strings.Contains(output, "deployed successfully") || strings.Contains(output, "release v"))
	if !deployed {
		_ = d.store.UpdateDeploymentStatus(ctx, q, dep.DeploymentID, store.DeploymentFailed)
		return fmt.Errorf("flyctl deploy failed: exit %d", res.ExitCode)
	}

	if err := d.healthCheck(ctx, dep.URL); err != nil {
		_ = d.store.UpdateDeploymentStatus(ctx, q, dep.DeploymentID, store.DeploymentFailed)
		return err
	}
	return d.store.UpdateDeploymentStatus(ctx, q, dep.DeploymentID, store.DeploymentDeployed)
}

// healthCheck probes the deployed app's health endpoint, bounded to 10s.
func (d *Deployer) healthCheck(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, sandbox.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (d *Deployer) appExists(ctx context.Context, appName string) (bool, error) {
	err := d.api(ctx, http.MethodGet, "/v1/apps/"+appName, nil, nil)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "status 404") {
		return false, nil
	}
	return false, fmt.Errorf("check fly app %s: %w", appName, err)
}

func (d *Deployer) ensureFlyctl(ctx context.Context, sb sandbox.Sandbox) error {
	res, err := sb.Exec(ctx, "command -v flyctl", sandbox.DefaultExecTimeout)
	if err != nil {
		return fmt.Errorf("check flyctl: %w", err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	return d.runFlyctl(ctx, sb, "install flyctl", installFlyctl)
}

func (d *Deployer) runFlyctl(ctx context.Context, sb sandbox.Sandbox, desc, cmd string) error {
	res, err := sb.Exec(ctx, cmd, sandbox.InstallTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", desc, err)
	}
	if res.ExitCode != 0 {
		stderr := strings.ReplaceAll(res.Stderr, d.cfg.FlyAPIToken, "***")
		if len(stderr) > 500 {
			stderr = stderr[:500] + "..."
		}
		return fmt.Errorf("%s: exit %d: %s", desc, res.ExitCode, stderr)
	}
	return nil
}

func (d *Deployer) api(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.FlyAPIURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.FlyAPIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return fmt.Errorf("fly api %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
