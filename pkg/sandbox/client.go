package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// apiProvisioner talks to the sandbox provider's REST API. The provider
// exposes a flat JSON surface: create/delete sandboxes, exec commands, and
// file operations addressed by relative path.
type apiProvisioner struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewProvisioner creates a REST-backed sandbox provisioner.
func NewProvisioner(baseURL, apiKey string) Provisioner {
	return &apiProvisioner{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Exec calls carry their own timeout in the request body; the HTTP
		// timeout only has to outlast the longest exec.
		http: &http.Client{Timeout: InstallTimeout + 30*time.Second},
	}
}

// Create provisions a fresh sandbox.
func (p *apiProvisioner) Create(ctx context.Context) (Sandbox, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandboxes", map[string]interface{}{
		"image": "default",
	}, &created); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create sandbox: provider returned empty id")
	}
	return &apiSandbox{provisioner: p, id: created.ID}, nil
}

// apiSandbox addresses one sandbox by id. The provider is list-then-find on
// its side; a deleted sandbox surfaces as a 404 on any call.
type apiSandbox struct {
	provisioner *apiProvisioner
	id          string
}

func (s *apiSandbox) ID() string { return s.id }

func (s *apiSandbox) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	var result struct {
		ExitCode int    `json:"exitCode"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	err := s.provisioner.do(ctx, http.MethodPost, "/sandboxes/"+s.id+"/exec", map[string]interface{}{
		"command":        command,
		"timeoutSeconds": int(timeout.Seconds()),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("exec in sandbox %s: %w", s.id, err)
	}
	return &ExecResult{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}, nil
}

func (s *apiSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	var result struct {
		Content string `json:"content"` // base64
	}
	endpoint := "/sandboxes/" + s.id + "/files?path=" + url.QueryEscape(path)
	if err := s.provisioner.do(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return "", fmt.Errorf("read %s in sandbox %s: %w", path, s.id, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(result.Content)
	if err != nil {
		return "", fmt.Errorf("decode %s content: %w", path, err)
	}
	return string(decoded), nil
}

func (s *apiSandbox) WriteFile(ctx context.Context, path, content string) error {
	err := s.provisioner.do(ctx, http.MethodPost, "/sandboxes/"+s.id+"/files", map[string]interface{}{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	}, nil)
	if err != nil {
		return fmt.Errorf("write %s in sandbox %s: %w", path, s.id, err)
	}
	return nil
}

func (s *apiSandbox) DeleteFile(ctx context.Context, path string) error {
	endpoint := "/sandboxes/" + s.id + "/files?path=" + url.QueryEscape(path)
	if err := s.provisioner.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("delete %s in sandbox %s: %w", path, s.id, err)
	}
	return nil
}

func (s *apiSandbox) Stop(ctx context.Context) error {
	if err := s.provisioner.do(ctx, http.MethodDelete, "/sandboxes/"+s.id, nil, nil); err != nil {
		return fmt.Errorf("stop sandbox %s: %w", s.id, err)
	}
	return nil
}

// do issues one JSON request against the provider API.
func (p *apiProvisioner) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 500))
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
