// Package prompt composes the agent's system prompt from a base section and
// conditional database, auth, payment, and existing-endpoint sections.
package prompt

import (
	"fmt"
	"strings"

	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
)

// Endpoint is one discovered HTTP endpoint of an existing project.
type Endpoint struct {
	Method string
	Path   string
	File   string
}

// Input is everything the builder needs to assemble a system prompt.
// Stateless per call; the same input always yields the same prompt.
type Input struct {
	Database          *schema.Design // nil when no database was provisioned
	NeedsAuth         bool
	NeedsPay          bool
	ExistingEndpoints []Endpoint // non-empty only for modification jobs
}

const basePrompt = `You are a backend engineer working inside a Linux sandbox with a bash shell.
You are building a Node.js HTTP API using the nitro framework. The project
root is your working directory; all paths in your commands are relative to it.

Every response MUST be a single JSON object, no prose, no markdown fences:
{
  "reasoning": string,
  "commands": [
    {"type": "execute", "command": string} |
    {"type": "write", "path": string, "content": string} |
    {"type": "read", "path": string} |
    {"type": "delete", "path": string} |
    {"type": "db_query", "query": string, "schemaName": string, "queryType": string}
  ],
  "taskComplete": boolean,
  "summary": string,
  "apiBlueprint": object (required when taskComplete is true on a new project)
}

Rules:
- Route files live under server/api/ and are named <name>.<verb>.js (e.g.
  server/api/users/index.get.js handles GET /api/users).
- Use db_query only for CREATE TABLE statements; they run after you finish.
- Set taskComplete to true only when the API is fully implemented.
- The apiBlueprint object documents every endpoint: method, path, description,
  request and response shapes.`

const dbSectionHeader = `A PostgreSQL database has been provisioned for this project. The tables below
already exist; do not recreate them.`

const dbUtilityInstruction = `Create a connection utility at server/utils/db.js that reads DB_HOST, DB_PORT,
DB_NAME, DB_USER, DB_PASSWORD from the environment, exports a pg connection
pool and a query(text, params) helper, uses parameterized queries everywhere,
and handles connection errors.`

// Builder assembles system prompts. Integration docs and example files are
// loaded lazily and cached; see integrations.go.
type Builder struct {
	assets *assetLoader
}

// NewBuilder creates a Builder. promptDir optionally overrides the embedded
// integration assets with files on local disk.
func NewBuilder(promptDir string) *Builder {
	return &Builder{assets: newAssetLoader(promptDir)}
}

// BuildSystemPrompt assembles the full system prompt for one loop run.
func (b *Builder) BuildSystemPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if in.Database != nil {
		sb.WriteString("\n\n## Database\n\n")
		sb.WriteString(dbSectionHeader)
		sb.WriteString("\n\n")
		sb.WriteString(in.Database.Render())
		sb.WriteString("\n")
		sb.WriteString(dbUtilityInstruction)
	}

	if in.NeedsAuth {
		sb.WriteString("\n\n## Authentication (Clerk)\n\n")
		sb.WriteString(b.authSection())
	}

	if in.NeedsPay {
		sb.WriteString("\n\n## Payments (Stripe)\n\n")
		sb.WriteString(b.paymentSection())
	}

	if len(in.ExistingEndpoints) > 0 {
		sb.WriteString("\n\n## Existing endpoints\n\n")
		sb.WriteString(formatEndpoints(in.ExistingEndpoints))
		sb.WriteString("\nPreserve the existing behavior of these endpoints unless the user explicitly asked to change them.")
	}

	return sb.String()
}

// authSection embeds the curated Clerk docs and example files. The example
// paths are shown for reference; the agent adapts imports to the project.
func (b *Builder) authSection() string {
	var sb strings.Builder
	sb.WriteString(b.assets.load("clerk/docs.md"))
	sb.WriteString("\n\nExample files (adapt imports to this project's layout):\n")
	for _, f := range []struct{ path, asset string }{
		{"server/middleware/auth.js", "clerk/middleware.js"},
		{"server/api/notes/index.get.js", "clerk/protected-endpoint.js"},
		{"server/api/users/me.get.js", "clerk/current-user.js"},
		{"server/api/webhooks/clerk.post.js", "clerk/signup-webhook.js"},
	} {
		fmt.Fprintf(&sb, "\n### %s\n```js\n%s```\n", f.path, b.assets.load(f.asset))
	}
	return sb.String()
}

// paymentSection embeds the Stripe docs and example files. The webhook rule
// (only the success event by default) is stated in the docs themselves.
func (b *Builder) paymentSection() string {
	var sb strings.Builder
	sb.WriteString(b.assets.load("stripe/docs.md"))
	sb.WriteString("\n\nExample files (adapt imports to this project's layout):\n")
	for _, f := range []struct{ path, asset string }{
		{"server/api/payments/create-intent.post.js", "stripe/create-intent.js"},
		{"server/api/webhooks/stripe.post.js", "stripe/webhook.js"},
		{"server/api/payments/create-customer.post.js", "stripe/create-customer.js"},
	} {
		fmt.Fprintf(&sb, "\n### %s\n```js\n%s```\n", f.path, b.assets.load(f.asset))
	}
	return sb.String()
}

func formatEndpoints(endpoints []Endpoint) string {
	var sb strings.Builder
	for _, e := range endpoints {
		fmt.Fprintf(&sb, "- %s %s (%s)\n", e.Method, e.Path, e.File)
	}
	return sb.String()
}
