package database

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient spins up a PostgreSQL testcontainer and connects through
// NewClient, which also applies the embedded migrations.
func newTestClient(t *testing.T) *Client {
	return newSchemaClient(t, "")
}

func newSchemaClient(t *testing.T, schemaName string) *Client {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("turbobackend"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "turbobackend",
		Schema:          schemaName,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_AppliesMigrations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.HealthCheck(ctx))

	// Every table the worker writes must exist after migration.
	for _, table := range []string{
		"jobs", "request_logs", "project_databases", "generated_queries",
		"github_repos", "push_history", "container_sessions", "deployments",
		"activities", "message_costs", "api_blueprints", "credentials",
	} {
		var count int
		err := client.GetContext(ctx, &count,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'turbobackend' AND table_name = $1",
			table)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "missing table %s", table)
	}
}

func TestNewClient_CustomSchema(t *testing.T) {
	client := newSchemaClient(t, "acme")
	ctx := context.Background()

	// Tables land in the configured schema, nothing under the default one.
	var count int
	require.NoError(t, client.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'acme' AND table_name = 'jobs'"))
	assert.Equal(t, 1, count)

	require.NoError(t, client.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'turbobackend'"))
	assert.Equal(t, 0, count)
}

func TestRenderedMigrations(t *testing.T) {
	rendered, err := renderedMigrations("acme")
	require.NoError(t, err)

	data, err := fs.ReadFile(rendered, "000001_init.up.sql")
	require.NoError(t, err)
	sql := string(data)
	assert.Contains(t, sql, "CREATE SCHEMA IF NOT EXISTS acme;")
	assert.Contains(t, sql, "CREATE TABLE acme.jobs")
	assert.NotContains(t, sql, "turbobackend")

	// Empty schema keeps the authored default.
	rendered, err = renderedMigrations("")
	require.NoError(t, err)
	data, err = fs.ReadFile(rendered, "000001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE turbobackend.jobs")
}

func TestRenderedMigrations_RejectsBadSchemaName(t *testing.T) {
	for _, name := range []string{"acme; DROP TABLE x", "Acme", "1schema", "a-b"} {
		_, err := renderedMigrations(name)
		require.Error(t, err, name)
	}
}

func TestNewClient_MigrationsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// Re-running against an already-migrated database is a no-op.
	require.NoError(t, runMigrations(client.DB.DB, Config{Database: "turbobackend"}))
	require.NoError(t, client.HealthCheck(ctx))
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("CONTROL_DB_PASSWORD", "pw")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "turbobackend", cfg.Database)
	assert.Equal(t, "turbobackend", cfg.Schema)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestLoadConfigFromEnv_CustomSchema(t *testing.T) {
	t.Setenv("CONTROL_DB_SCHEMA", "acme_prod")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "acme_prod", cfg.Schema)
}

func TestLoadConfigFromEnv_InvalidSchema(t *testing.T) {
	t.Setenv("CONTROL_DB_SCHEMA", "bad-name;")

	_, err := LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_DB_SCHEMA")
}

func TestLoadConfigFromEnv_InvalidPort(t *testing.T) {
	t.Setenv("CONTROL_DB_PORT", "not-a-port")

	_, err := LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_DB_PORT")
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "h", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}
