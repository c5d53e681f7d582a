package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/llm"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// scriptedLLM returns canned responses in order and records the prompts it saw.
type scriptedLLM struct {
	responses []llm.Response
	err       error
	prompts   []string
	streamed  bool
}

func (s *scriptedLLM) Generate(_ context.Context, _, _, promptText string) (*llm.Response, error) {
	s.prompts = append(s.prompts, promptText)
	if s.err != nil {
		return nil, s.err
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return &resp, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, model, system, promptText string, onChunk func(string)) (*llm.Response, error) {
	s.streamed = true
	resp, err := s.Generate(ctx, model, system, promptText)
	if err != nil {
		return nil, err
	}
	onChunk(resp.Text)
	return resp, nil
}

type recordingChunks struct {
	chunks []string
	done   int
}

func (r *recordingChunks) PublishLLMChunk(_ context.Context, _ string, chunk string) {
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingChunks) PublishLLMDone(_ context.Context, _ string, _ string) {
	r.done++
}

func newLoopFixture(t *testing.T, client llm.Client, maxIterations int, chunks ChunkPublisher) (*Loop, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sdb := sqlx.NewDb(db, "sqlmock")
	st := store.New("turbobackend", "test")
	loop := NewLoop(client, "claude-sonnet-4-20250514", maxIterations, config.DefaultPricingTable(), st, prompt.NewBuilder(""), chunks)
	return loop, sdb, mock
}

func completeResponse(text string, in, out int) llm.Response {
	return llm.Response{Text: text, Usage: llm.Usage{InputTokens: in, OutputTokens: out}}
}

func expectOneCostRow(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO turbobackend.message_costs").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestLoop_CompletesOnTaskComplete(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse(`{"reasoning":"done","commands":[{"type":"write","path":"server/api/users/index.get.js","content":"x"}],"taskComplete":true,"summary":"Built it","apiBlueprint":{"endpoints":[]}}`, 100, 50),
	}}
	loop, db, mock := newLoopFixture(t, client, 25, nil)
	expectOneCostRow(mock)

	result, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID:   "p1",
		UserID:      "u1",
		JobID:       "j1",
		UserRequest: "build a users API",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "Built it", result.Summary)
	assert.NotNil(t, result.APIBlueprint)
	require.Len(t, result.FilesModified, 1)
	assert.Equal(t, FileTypeRoute, result.FilesModified[0].Type)
	assert.True(t, result.FilesModified[0].IsNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_RecoversFromInvalidJSON(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse("I refuse to emit JSON today", 10, 10),
		completeResponse(`{"reasoning":"ok","commands":[],"taskComplete":true,"summary":"done"}`, 10, 10),
	}}
	loop, db, mock := newLoopFixture(t, client, 25, nil)
	expectOneCostRow(mock)

	result, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID: "p1", UserID: "u1", JobID: "j1", UserRequest: "build it",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	// The second call must carry the corrective instruction.
	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1], invalidJSONNote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_IterationCap(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse(`{"reasoning":"still going","commands":[],"taskComplete":false,"summary":""}`, 5, 5),
	}}
	loop, db, mock := newLoopFixture(t, client, 3, nil)
	expectOneCostRow(mock)

	result, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID: "p1", UserID: "u1", JobID: "j1", UserRequest: "build it",
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Iterations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_AggregatesCostAcrossIterations(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse(`{"reasoning":"working","commands":[],"taskComplete":false,"summary":""}`, 100, 50),
		completeResponse(`{"reasoning":"done","commands":[],"taskComplete":true,"summary":"ok"}`, 100, 50),
	}}
	loop, db, mock := newLoopFixture(t, client, 25, nil)
	expectOneCostRow(mock)

	result, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID: "p1", UserID: "u1", JobID: "j1", UserRequest: "build it",
	})
	require.NoError(t, err)

	expected := config.DefaultPricingTable().CostFor(200, 100, "claude-sonnet-4-20250514")
	assert.InDelta(t, expected, result.TotalCost, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_CostRowWrittenOnLLMError(t *testing.T) {
	client := &scriptedLLM{err: errors.New("provider unavailable")}
	loop, db, mock := newLoopFixture(t, client, 25, nil)
	expectOneCostRow(mock)

	_, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID: "p1", UserID: "u1", JobID: "j1", UserRequest: "build it",
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_TracksModifiedFilesAndDBQueries(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse(`{"reasoning":"writing","commands":[
			{"type":"write","path":"server/api/posts/index.get.js","content":"a"},
			{"type":"write","path":"server/api/posts/index.get.js","content":"b"},
			{"type":"write","path":"server/utils/db.js","content":"c"},
			{"type":"db_query","query":"CREATE TABLE posts (id VARCHAR(255))","schemaName":"posts","queryType":"CREATE TABLE"}
		],"taskComplete":true,"summary":"done"}`, 10, 10),
	}}
	loop, db, mock := newLoopFixture(t, client, 25, nil)
	expectOneCostRow(mock)

	result, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID:     "p1",
		UserID:        "u1",
		JobID:         "j1",
		UserRequest:   "add posts",
		ExistingFiles: []string{"server/utils/db.js"},
	})
	require.NoError(t, err)

	// Repeated writes to the same path count once.
	require.Len(t, result.FilesModified, 2)
	assert.True(t, result.FilesModified[0].IsNew)
	assert.False(t, result.FilesModified[1].IsNew)
	require.Len(t, result.DBQueries, 1)
	assert.Equal(t, "CREATE TABLE", result.DBQueries[0].QueryType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoop_StreamsChunksWhenPublisherAttached(t *testing.T) {
	client := &scriptedLLM{responses: []llm.Response{
		completeResponse(`{"reasoning":"ok","commands":[],"taskComplete":true,"summary":"done"}`, 10, 10),
	}}
	chunks := &recordingChunks{}
	loop, db, mock := newLoopFixture(t, client, 25, chunks)
	expectOneCostRow(mock)

	_, err := loop.Run(context.Background(), db, NewExecutor(newFakeSandbox()), LoopInput{
		ProjectID: "p1", UserID: "u1", JobID: "j1", UserRequest: "build it",
	})
	require.NoError(t, err)

	assert.True(t, client.streamed)
	assert.NotEmpty(t, chunks.chunks)
	assert.Equal(t, 1, chunks.done)
	assert.NoError(t, mock.ExpectationsWereMet())
}
