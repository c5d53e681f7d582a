package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
)

func TestBuildSystemPrompt_BaseOnly(t *testing.T) {
	b := NewBuilder("")

	out := b.BuildSystemPrompt(Input{})

	assert.Contains(t, out, "taskComplete")
	assert.Contains(t, out, "db_query")
	assert.NotContains(t, out, "## Database")
	assert.NotContains(t, out, "## Authentication")
	assert.NotContains(t, out, "## Payments")
	assert.NotContains(t, out, "## Existing endpoints")
}

func TestBuildSystemPrompt_DatabaseSection(t *testing.T) {
	b := NewBuilder("")
	design := &schema.Design{Tables: []schema.Table{
		{
			TableName: "users",
			Columns: []schema.Column{
				{Name: "user_id", Type: "VARCHAR(255)", Constraints: []string{"PRIMARY KEY"}},
				{Name: "created_at", Type: "BIGINT"},
			},
			CreateQuery: "CREATE TABLE users (user_id VARCHAR(255) PRIMARY KEY, created_at BIGINT)",
		},
	}}

	out := b.BuildSystemPrompt(Input{Database: design})

	assert.Contains(t, out, "## Database")
	assert.Contains(t, out, "Table: users")
	assert.Contains(t, out, "user_id VARCHAR(255) [PRIMARY KEY]")
	assert.Contains(t, out, "server/utils/db.js")
	assert.Contains(t, out, "do not recreate them")
}

func TestBuildSystemPrompt_AuthSection(t *testing.T) {
	b := NewBuilder("")

	out := b.BuildSystemPrompt(Input{NeedsAuth: true})

	assert.Contains(t, out, "## Authentication (Clerk)")
	assert.Contains(t, out, "server/middleware/auth.js")
	assert.Contains(t, out, "server/api/webhooks/clerk.post.js")
	assert.NotContains(t, out, "## Payments")
}

func TestBuildSystemPrompt_PaymentSection(t *testing.T) {
	b := NewBuilder("")

	out := b.BuildSystemPrompt(Input{NeedsPay: true})

	assert.Contains(t, out, "## Payments (Stripe)")
	assert.Contains(t, out, "server/api/webhooks/stripe.post.js")
	assert.Contains(t, out, "payment_intent.succeeded")
}

func TestBuildSystemPrompt_ExistingEndpoints(t *testing.T) {
	b := NewBuilder("")

	out := b.BuildSystemPrompt(Input{ExistingEndpoints: []Endpoint{
		{Method: "GET", Path: "/api/users", File: "server/api/users/index.get.js"},
		{Method: "POST", Path: "/api/users", File: "server/api/users/index.post.js"},
	}})

	assert.Contains(t, out, "## Existing endpoints")
	assert.Contains(t, out, "- GET /api/users (server/api/users/index.get.js)")
	assert.Contains(t, out, "- POST /api/users (server/api/users/index.post.js)")
	assert.Contains(t, out, "Preserve the existing behavior")
}

func TestBuildSystemPrompt_Deterministic(t *testing.T) {
	b := NewBuilder("")
	in := Input{NeedsAuth: true, NeedsPay: true}

	assert.Equal(t, b.BuildSystemPrompt(in), b.BuildSystemPrompt(in))
}

func TestAssetLoader_MissingAssetDegrades(t *testing.T) {
	loader := newAssetLoader("")

	// A missing asset yields an empty string, never a panic or error.
	assert.Empty(t, loader.load("clerk/does-not-exist.md"))
}

func TestAssetLoader_EmbeddedAssetsPresent(t *testing.T) {
	loader := newAssetLoader("")

	for _, name := range []string{
		"clerk/docs.md", "clerk/middleware.js", "clerk/protected-endpoint.js",
		"clerk/current-user.js", "clerk/signup-webhook.js",
		"stripe/docs.md", "stripe/create-intent.js", "stripe/webhook.js",
		"stripe/create-customer.js",
	} {
		content := loader.load(name)
		require.NotEmpty(t, content, "asset %s", name)
		assert.False(t, strings.HasPrefix(content, "---"), "asset %s should be plain content", name)
	}
}
