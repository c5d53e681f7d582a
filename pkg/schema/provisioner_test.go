package schema

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/database"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// newClusterFixture runs one container serving as both the control database
// and the project cluster, which is exactly the local development setup.
func newClusterFixture(t *testing.T) (*database.Client, config.ClusterDBConfig) {
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

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "turbobackend",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cluster := config.ClusterDBConfig{
		Host: host, Port: port.Int(), User: "test", Password: "test",
	}
	return client, cluster
}

func TestProvision(t *testing.T) {
	db, cluster := newClusterFixture(t)
	st := store.New("turbobackend", "test")
	p := NewProvisioner(cluster, st)
	ctx := context.Background()

	design := &Design{Tables: []Table{
		{TableName: "users", CreateQuery: "CREATE TABLE users (user_id VARCHAR(255) PRIMARY KEY)"},
		{TableName: "posts", CreateQuery: "CREATE TABLE posts (post_id VARCHAR(255) PRIMARY KEY, user_id VARCHAR(255))"},
	}}

	info, err := p.Provision(ctx, db, "p1", "u1", design)
	require.NoError(t, err)
	assert.Equal(t, "turbobackend_proj_p1", info.DBName)
	assert.Equal(t, cluster.Host, info.Host)
	assert.Same(t, design, info.Design)

	// Control database rows.
	pd, err := st.GetActiveProjectDatabase(ctx, db, "p1")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, "turbobackend_proj_p1", pd.DBName)

	var audits int
	require.NoError(t, db.GetContext(ctx, &audits,
		"SELECT COUNT(*) FROM turbobackend.generated_queries WHERE project_id = 'p1' AND execution_status = $1",
		store.QueryExecuted))
	assert.Equal(t, 2, audits)

	// The tables exist on the project database.
	proj, err := sql.Open("pgx", fmt.Sprintf(
		"host=%s port=%d user=test password=test dbname=turbobackend_proj_p1 sslmode=disable",
		cluster.Host, cluster.Port))
	require.NoError(t, err)
	defer proj.Close()
	for _, table := range []string{"users", "posts"} {
		var count int
		require.NoError(t, proj.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1", table).Scan(&count))
		assert.Equal(t, 1, count, "missing table %s", table)
	}
}

func TestProvision_DDLFailureAudited(t *testing.T) {
	db, cluster := newClusterFixture(t)
	st := store.New("turbobackend", "test")
	p := NewProvisioner(cluster, st)
	ctx := context.Background()

	design := &Design{Tables: []Table{
		{TableName: "broken", CreateQuery: "CREATE TABL broken (id INT)"},
	}}

	_, err := p.Provision(ctx, db, "p3", "u1", design)
	require.Error(t, err)

	var failed int
	require.NoError(t, db.GetContext(ctx, &failed,
		"SELECT COUNT(*) FROM turbobackend.generated_queries WHERE project_id = 'p3' AND execution_status = $1",
		store.QueryFailed))
	assert.Equal(t, 1, failed)
}

func TestProvision_Idempotent(t *testing.T) {
	db, cluster := newClusterFixture(t)
	st := store.New("turbobackend", "test")
	p := NewProvisioner(cluster, st)
	ctx := context.Background()

	design := &Design{Tables: []Table{
		{TableName: "items", CreateQuery: "CREATE TABLE IF NOT EXISTS items (id INT)"},
	}}

	_, err := p.Provision(ctx, db, "p4", "u1", design)
	require.NoError(t, err)

	// Re-delivery: CREATE DATABASE already exists is tolerated, but the
	// control row insert hits the single-active index.
	_, err = p.Provision(ctx, db, "p4", "u1", design)
	require.Error(t, err)
}

func TestApplyDDL_Empty(t *testing.T) {
	p := NewProvisioner(config.ClusterDBConfig{}, store.New("turbobackend", "test"))
	require.NoError(t, p.ApplyDDL(context.Background(), nil, "p1", "db", nil))
}
