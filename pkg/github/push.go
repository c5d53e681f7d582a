package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

const initialCommitMessage = "Initial backend generated by TurboBackend"

// Pusher runs the deterministic git flows inside a sandbox and records push
// history on the caller's connection.
type Pusher struct {
	client *Client
	store  *store.Store
}

// NewPusher creates a Pusher.
func NewPusher(client *Client, st *store.Store) *Pusher {
	return &Pusher{client: client, store: st}
}

// InitialPush creates the remote repository, pushes the sandbox tree to main,
// and writes the Repo and Push rows. Used exactly once per project.
func (p *Pusher) InitialPush(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, projectID, userID string) (*store.Repo, error) {
	repoName := ids.RepoName(projectID)
	repoURL, err := p.client.CreateRepo(ctx, repoName)
	if err != nil {
		return nil, err
	}

	steps := []string{
		"git add -A",
		fmt.Sprintf("git commit -m %s --allow-empty", sandbox.ShellQuote(initialCommitMessage)),
		"git branch -M main",
		fmt.Sprintf("git remote add origin %s", p.client.RemoteURL(repoName)),
		"git push -u origin main",
	}
	for _, cmd := range steps {
		if err := p.git(ctx, sb, cmd); err != nil {
			return nil, err
		}
	}

	repo := &store.Repo{
		ProjectID: projectID,
		UserID:    userID,
		RepoURL:   repoURL,
		RepoName:  repoName,
		Branch:    "main",
	}
	if err := p.store.InsertRepo(ctx, q, repo); err != nil {
		return nil, err
	}
	if err := p.recordPush(ctx, q, sb, projectID, userID, initialCommitMessage, repoURL); err != nil {
		return nil, err
	}
	return repo, nil
}

// Push stages and commits outstanding changes with the given message, then
// pushes the branch. With nothing to commit the push still runs to surface
// unpushed local commits. An empty message gets a timestamped default.
func (p *Pusher) Push(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, projectID, userID, repoURL, branch, message string) error {
	if message == "" {
		message = fmt.Sprintf("Update %s", time.Now().UTC().Format(time.RFC3339))
	}

	if err := p.git(ctx, sb, "git add -A"); err != nil {
		return err
	}

	// Exit 1 from diff --cached --quiet means there are staged changes.
	staged, err := sb.Exec(ctx, "git diff --cached --quiet", sandbox.DefaultExecTimeout)
	if err != nil {
		return fmt.Errorf("git diff: %w", err)
	}
	if staged.ExitCode != 0 {
		// The message is user text; quote it so the shell never interprets it.
		if err := p.git(ctx, sb, "git commit -m "+sandbox.ShellQuote(message)); err != nil {
			return err
		}
	} else {
		slog.Info("Nothing to commit, pushing anyway", "project_id", projectID, "branch", branch)
	}

	if err := p.git(ctx, sb, "git push origin "+branch); err != nil {
		return err
	}
	return p.recordPush(ctx, q, sb, projectID, userID, message, repoURL)
}

// CheckoutForModification populates the sandbox with the project's code:
// clone into the fresh workdir, check out the target branch, and set git
// identity. Fresh sandboxes start empty, so a plain clone is safe.
func (p *Pusher) CheckoutForModification(ctx context.Context, sb sandbox.Sandbox, repo *store.Repo) error {
	steps := []string{
		fmt.Sprintf("git clone %s .", p.client.RemoteURL(repo.RepoName)),
		fmt.Sprintf("git checkout %s", repo.Branch),
		`git config user.email "worker@turbobackend.dev"`,
		`git config user.name "TurboBackend Worker"`,
	}
	for _, cmd := range steps {
		if err := p.git(ctx, sb, cmd); err != nil {
			return err
		}
	}
	return nil
}

// CreateFeatureBranch creates and checks out feature/modification-<epoch-ms>.
func (p *Pusher) CreateFeatureBranch(ctx context.Context, sb sandbox.Sandbox) (string, error) {
	branch := fmt.Sprintf("feature/modification-%d", time.Now().UnixMilli())
	if err := p.git(ctx, sb, "git checkout -b "+branch); err != nil {
		return "", err
	}
	return branch, nil
}

// MergeToMain checks out main, merges the feature branch, and pushes main.
func (p *Pusher) MergeToMain(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, projectID, userID, repoURL, featureBranch string) error {
	steps := []string{
		"git checkout main",
		"git merge " + featureBranch,
		"git push origin main",
	}
	for _, cmd := range steps {
		if err := p.git(ctx, sb, cmd); err != nil {
			return err
		}
	}
	return p.recordPush(ctx, q, sb, projectID, userID, "Merge "+featureBranch, repoURL)
}

// recordPush reads HEAD state from the sandbox and writes the push-history
// row plus a github_push activity entry.
func (p *Pusher) recordPush(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, projectID, userID, message, repoURL string) error {
	sha, err := p.gitOutput(ctx, sb, "git rev-parse HEAD")
	if err != nil {
		return err
	}
	fileList, err := p.gitOutput(ctx, sb, "git show --name-only --pretty=format: HEAD")
	if err != nil {
		return err
	}

	var files store.StringList
	for _, line := range strings.Split(fileList, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}

	push := &store.Push{
		ProjectID:     projectID,
		CommitSHA:     sha,
		CommitMessage: message,
		FilesChanged:  files,
		RepoURL:       repoURL,
	}
	if err := p.store.InsertPush(ctx, q, push); err != nil {
		return err
	}

	p.store.LogActivity(ctx, q, &store.Activity{
		ProjectID:     projectID,
		UserID:        userID,
		ActionType:    store.ActionGitHubPush,
		ActionDetails: fmt.Sprintf("Pushed %d files: %s", len(files), message),
		ReferenceIDs: store.StringMap{
			"github_push_id": push.PushID,
			"commit_sha":     sha,
		},
	})
	return nil
}

func (p *Pusher) git(ctx context.Context, sb sandbox.Sandbox, cmd string) error {
	res, err := sb.Exec(ctx, cmd, sandbox.DefaultExecTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", redactToken(cmd, p.client.token), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: exit %d: %s",
			redactToken(cmd, p.client.token), res.ExitCode, redactToken(truncate(res.Stderr, 500), p.client.token))
	}
	return nil
}

func (p *Pusher) gitOutput(ctx context.Context, sb sandbox.Sandbox, cmd string) (string, error) {
	res, err := sb.Exec(ctx, cmd, sandbox.DefaultExecTimeout)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s: exit %d: %s", cmd, res.ExitCode, truncate(res.Stderr, 500))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// redactToken keeps the access token out of error messages and logs.
func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
