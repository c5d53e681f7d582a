package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

func TestCreationPayloadShape(t *testing.T) {
	raw := `{
		"projectId": "p1",
		"userId": "u1",
		"requestId": "r1",
		"streamId": "s1",
		"requestParams": {"userPrompt": "make a weather passthrough API"}
	}`

	var payload CreationPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "make a weather passthrough API", payload.RequestParams.UserPrompt)
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, "s1", payload.StreamID)
	require.NoError(t, payload.validate())
}

func TestModificationPayloadShape(t *testing.T) {
	raw := `{
		"projectId": "p1",
		"userId": "u1",
		"streamId": "s5",
		"requestParams": {"modificationRequest": "add pagination to the users list"}
	}`

	var payload ModificationPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "add pagination to the users list", payload.RequestParams.ModificationRequest)
	require.NoError(t, payload.validate())
}

func TestPayloadValidation_MissingParams(t *testing.T) {
	err := CreationPayload{ProjectID: "p1"}.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requestParams.userPrompt")

	err = CreationPayload{ProjectID: "p1", RequestParams: CreationParams{UserPrompt: "   "}}.validate()
	require.Error(t, err)

	err = ModificationPayload{ProjectID: "p1"}.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requestParams.modificationRequest")

	err = SecretSyncPayload{ProjectID: "p1"}.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requestParams.varName")
}

func TestRequestIDFallsBackToJobID(t *testing.T) {
	job := &queue.Job{JobID: "j1"}
	assert.Equal(t, "r1", requestID("r1", job))
	assert.Equal(t, "j1", requestID("", job))
}

func TestEndpointFromPath(t *testing.T) {
	tests := []struct {
		file   string
		method string
		path   string
		ok     bool
	}{
		{"server/api/users.get.js", "GET", "/api/users", true},
		{"server/api/users/index.get.js", "GET", "/api/users", true},
		{"server/api/users/[id].put.js", "PUT", "/api/users/[id]", true},
		{"server/api/orders/checkout.post.ts", "POST", "/api/orders/checkout", true},
		{"./server/api/index.get.js", "GET", "/api/", true},
		{"server/utils/db.js", "", "", false},
		{"server/api/noverb.js", "", "", false},
	}
	for _, tc := range tests {
		ep, ok := endpointFromPath(tc.file)
		assert.Equal(t, tc.ok, ok, tc.file)
		if tc.ok {
			assert.Equal(t, tc.method, ep.Method, tc.file)
			assert.Equal(t, tc.path, ep.Path, tc.file)
			assert.Equal(t, tc.file, ep.File)
		}
	}
}

func TestClassifyModification(t *testing.T) {
	newRoute := agent.ModifiedFile{Path: "server/api/a.get.js", Type: agent.FileTypeRoute, IsNew: true}
	oldRoute := agent.ModifiedFile{Path: "server/api/b.get.js", Type: agent.FileTypeRoute}
	util := agent.ModifiedFile{Path: "server/utils/x.js", Type: agent.FileTypeUtility}

	assert.Equal(t, store.ActionEndpointsAdded,
		classifyModification([]agent.ModifiedFile{oldRoute, newRoute, util}))
	assert.Equal(t, store.ActionEndpointsModified,
		classifyModification([]agent.ModifiedFile{oldRoute, util}))
	assert.Equal(t, store.ActionBusinessLogicModified,
		classifyModification([]agent.ModifiedFile{util}))
	assert.Equal(t, store.ActionBusinessLogicModified,
		classifyModification(nil))
}

func TestStripBlueprintMetadata(t *testing.T) {
	raw := json.RawMessage(`{
		"projectId": "p1",
		"projectName": "Shop",
		"version": "1.0",
		"database": {"tables": []},
		"endpoints": [{"path": "/api/users"}]
	}`)

	cleaned := stripBlueprintMetadata(raw)
	require.NotNil(t, cleaned)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(cleaned, &doc))
	for _, field := range []string{"projectId", "projectName", "version", "database"} {
		assert.NotContains(t, doc, field)
	}
	assert.Contains(t, doc, "endpoints")
}

func TestStripBlueprintMetadata_Degenerate(t *testing.T) {
	assert.Nil(t, stripBlueprintMetadata(nil))
	assert.Nil(t, stripBlueprintMetadata(json.RawMessage("")))
	assert.Nil(t, stripBlueprintMetadata(json.RawMessage(`[1,2,3]`)))
	assert.Nil(t, stripBlueprintMetadata(json.RawMessage(`not json`)))
}

func TestCreationTerminalText(t *testing.T) {
	dbInfo := &schema.DatabaseInfo{
		DBName: "turbobackend_proj_p2",
		Design: &schema.Design{Tables: []schema.Table{{TableName: "users"}, {TableName: "posts"}}},
	}
	loopResult := &agent.LoopResult{
		Summary: "Built a users API with two endpoints.",
		FilesModified: []agent.ModifiedFile{
			{Path: "server/api/users/index.get.js", Type: agent.FileTypeRoute, IsNew: true},
			{Path: "server/utils/db.js", Type: agent.FileTypeUtility, IsNew: true},
			{Path: "server/api/users/index.post.js", Type: agent.FileTypeRoute, IsNew: true},
		},
	}

	text := creationTerminalText("p1", dbInfo, loopResult, true, true, 0.1234)

	assert.Contains(t, text, "Project created successfully!")
	assert.Contains(t, text, "Built a users API with two endpoints.")
	assert.Contains(t, text, "Files modified: 3\n")
	assert.Contains(t, text, "Database: turbobackend_proj_p2 (2 tables)\n")
	assert.Contains(t, text, "Cost: $0.1234\n")
	assert.Contains(t, text, "Deploying to: https://turbobackend-p1.fly.dev\n")
	assert.Contains(t, text, "⚠️  CLERK keys required")
	assert.Contains(t, text, "⚠️  STRIPE keys required")
	assert.Contains(t, text, "CLERK_SECRET_KEY")
	assert.Contains(t, text, "STRIPE_SECRET_KEY")
}

func TestCreationTerminalText_NoIntegrations(t *testing.T) {
	text := creationTerminalText("p1", nil, &agent.LoopResult{}, false, false, 0)

	assert.NotContains(t, text, "Database:")
	assert.NotContains(t, text, "CLERK")
	assert.NotContains(t, text, "STRIPE")
	assert.Contains(t, text, "Files modified: 0\n")
}

func TestModificationTerminalText(t *testing.T) {
	text := modificationTerminalText(&agent.LoopResult{
		Summary:       "Added pagination to the users list.",
		FilesModified: []agent.ModifiedFile{{Path: "server/api/users/index.get.js", Type: agent.FileTypeRoute}},
		TotalCost:     0.05,
	})

	assert.Contains(t, text, "Project updated successfully!")
	assert.Contains(t, text, "Added pagination to the users list.")
	assert.Contains(t, text, "Files modified: 1\n")
	assert.Contains(t, text, "Cost: $0.0500\n")
	assert.Contains(t, text, "deploy automatically")
}

func TestEndpointSummaries(t *testing.T) {
	routes := routeFiles([]agent.ModifiedFile{
		{Path: "server/api/users/index.get.js", Type: agent.FileTypeRoute},
		{Path: "server/api/orders.post.js", Type: agent.FileTypeRoute},
		{Path: "server/utils/db.js", Type: agent.FileTypeUtility},
	})
	require.Len(t, routes, 2)

	got := endpointSummaries(routes)
	assert.Equal(t, "GET /api/users, POST /api/orders", strings.Join(got, ", "))
}
