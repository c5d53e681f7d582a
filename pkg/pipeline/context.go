package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// ProjectContext is everything the modification pipeline knows about an
// existing project before the agent starts.
type ProjectContext struct {
	Database     *store.ProjectDatabase
	DatabaseInfo *schema.DatabaseInfo
	Files        []string
	Endpoints    []prompt.Endpoint
}

// loadProjectContext reads the active database row and discovers the
// project's route files in the sandbox. The stored schema design is not
// reconstructed; the prompt's database section is built without it.
func (p *Pipelines) loadProjectContext(ctx context.Context, q sqlx.ExtContext, sb sandbox.Sandbox, projectID string) (*ProjectContext, error) {
	pc := &ProjectContext{}

	pd, err := p.store.GetActiveProjectDatabase(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	if pd != nil {
		pc.Database = pd
		pc.DatabaseInfo = &schema.DatabaseInfo{
			Host:     p.cfg.ClusterDB.Host,
			Port:     p.cfg.ClusterDB.Port,
			User:     p.cfg.ClusterDB.User,
			Password: p.cfg.ClusterDB.Password,
			DBName:   pd.DBName,
		}
	}

	files, err := discoverRouteFiles(ctx, sb)
	if err != nil {
		return nil, err
	}
	pc.Files = files
	for _, f := range files {
		if ep, ok := endpointFromPath(f); ok {
			pc.Endpoints = append(pc.Endpoints, ep)
		}
	}
	return pc, nil
}

// discoverRouteFiles lists route files under server/api. A missing directory
// yields an empty list, not an error.
func discoverRouteFiles(ctx context.Context, sb sandbox.Sandbox) ([]string, error) {
	res, err := sb.Exec(ctx,
		`find server/api -type f \( -name '*.js' -o -name '*.ts' \) 2>/dev/null || true`,
		sandbox.DefaultExecTimeout)
	if err != nil {
		return nil, fmt.Errorf("discover route files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// endpointFromPath derives an endpoint from a route file path: the HTTP
// method comes from the filename's verb suffix, the route path from the
// file's location under server/api. index segments collapse into their
// directory (server/api/users/index.get.js serves GET /api/users).
func endpointFromPath(file string) (prompt.Endpoint, bool) {
	idx := strings.Index(file, "server/api/")
	if idx < 0 {
		return prompt.Endpoint{}, false
	}
	rel := file[idx+len("server/api/"):]

	// name.<verb>.<ext>
	parts := strings.Split(rel, ".")
	if len(parts) < 3 {
		return prompt.Endpoint{}, false
	}
	method := strings.ToUpper(parts[len(parts)-2])
	name := strings.Join(parts[:len(parts)-2], ".")

	routePath := "/api/" + name
	routePath = strings.TrimSuffix(routePath, "/index")
	if routePath == "/api" {
		routePath = "/api/"
	}

	return prompt.Endpoint{Method: method, Path: routePath, File: file}, true
}
