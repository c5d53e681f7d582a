package deploy

import (
	"context"
	"fmt"

	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
)

// Deterministic files staged after the agentic loop completes. They are
// committed separately from the agent's work so diffs stay attributable.

const corsMiddleware = `// server/middleware/cors.js
export default defineEventHandler((event) => {
  setResponseHeaders(event, {
    "Access-Control-Allow-Origin": "*",
    "Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
    "Access-Control-Allow-Headers": "Content-Type, Authorization",
  });
  if (event.method === "OPTIONS") {
    setResponseStatus(event, 204);
    return "";
  }
});
`

const deployWorkflow = `name: Deploy
on:
  push:
    branches: [main]
jobs:
  deploy:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - uses: superfly/flyctl-actions/setup-flyctl@master
      - run: flyctl deploy --remote-only
        env:
          FLY_API_TOKEN: ${{ secrets.FLY_API_TOKEN }}
`

const flyConfigTemplate = `app = "%s"
primary_region = "iad"

[http_service]
  internal_port = 3000
  force_https = true
  auto_stop_machines = true
  auto_start_machines = true
  min_machines_running = 0

[[vm]]
  cpu_kind = "shared"
  cpus = 1
  memory_mb = 256
`

const dockerfile = `FROM node:20-slim AS build
WORKDIR /app
RUN npm install -g pnpm
COPY package.json pnpm-lock.yaml* ./
RUN pnpm install --frozen-lockfile || pnpm install
COPY . .
RUN pnpm build

FROM node:20-slim
WORKDIR /app
COPY --from=build /app/.output .output
EXPOSE 3000
CMD ["node", ".output/server/index.mjs"]
`

// InjectCORS writes the permissive CORS middleware.
func InjectCORS(ctx context.Context, sb sandbox.Sandbox) error {
	return sb.WriteFile(ctx, "server/middleware/cors.js", corsMiddleware)
}

// InjectDeployFiles writes the CI workflow, the Fly config, and the
// container recipe for the project's app.
func InjectDeployFiles(ctx context.Context, sb sandbox.Sandbox, projectID string) error {
	files := map[string]string{
		".github/workflows/deploy.yml": deployWorkflow,
		"fly.toml":                     fmt.Sprintf(flyConfigTemplate, ids.AppName(projectID)),
		"Dockerfile":                   dockerfile,
	}
	for path, content := range files {
		if err := sb.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}
	return nil
}
