// Package github integrates with the source host: repository creation,
// Actions secrets, and the deterministic git operations the pipelines run
// inside the project sandbox.
package github

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/box"
)

const apiBase = "https://api.github.com"

// Client talks to the GitHub REST API with the worker's token.
type Client struct {
	token string
	owner string
	base  string
	http  *http.Client
}

// NewClient creates a Client for the configured owner account.
func NewClient(token, owner string) *Client {
	return &Client{
		token: token,
		owner: owner,
		base:  apiBase,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Owner returns the account repositories are created under.
func (c *Client) Owner() string { return c.owner }

// CreateRepo creates a private repository under the owner. "already exists"
// is treated as success so re-delivered jobs are tolerated.
func (c *Client) CreateRepo(ctx context.Context, name string) (string, error) {
	body := map[string]interface{}{
		"name":    name,
		"private": true,
	}
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	err := c.do(ctx, http.MethodPost, "/user/repos", body, &created)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			slog.Info("Repository already exists, reusing", "repo", name)
			return fmt.Sprintf("https://github.com/%s/%s", c.owner, name), nil
		}
		return "", fmt.Errorf("create repository %s: %w", name, err)
	}
	return created.HTMLURL, nil
}

// SetActionsSecret installs a repository Actions secret: fetch the repo's
// public key, seal the value with an anonymous NaCl box, PUT the ciphertext.
func (c *Client) SetActionsSecret(ctx context.Context, repo, name, value string) error {
	var key struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"` // base64 curve25519 public key
	}
	keyPath := fmt.Sprintf("/repos/%s/%s/actions/secrets/public-key", c.owner, repo)
	if err := c.do(ctx, http.MethodGet, keyPath, nil, &key); err != nil {
		return fmt.Errorf("fetch actions public key for %s: %w", repo, err)
	}

	decoded, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil {
		return fmt.Errorf("decode actions public key: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("actions public key has unexpected length %d", len(decoded))
	}
	var pubKey [32]byte
	copy(pubKey[:], decoded)

	sealed, err := box.SealAnonymous(nil, []byte(value), &pubKey, rand.Reader)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", name, err)
	}

	secretPath := fmt.Sprintf("/repos/%s/%s/actions/secrets/%s", c.owner, repo, name)
	err = c.do(ctx, http.MethodPut, secretPath, map[string]interface{}{
		"encrypted_value": base64.StdEncoding.EncodeToString(sealed),
		"key_id":          key.KeyID,
	}, nil)
	if err != nil {
		return fmt.Errorf("install secret %s on %s: %w", name, repo, err)
	}
	slog.Info("Installed repository secret", "repo", repo, "secret", name)
	return nil
}

// RemoteURL returns the authenticated HTTPS remote for a repository. The
// token is embedded; never log the returned value.
func (c *Client) RemoteURL(repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", c.token, c.owner, repo)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("github api %s %s: %d: %s", method, path, resp.StatusCode, truncate(string(data), 500))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
