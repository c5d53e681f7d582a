package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("SANDBOX_API_KEY", "dtn-test")
	t.Setenv("GITHUB_TOKEN", "ghp-test")
	t.Setenv("FLY_API_TOKEN", "fly-test")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "aws-secret")
	t.Setenv("DB_CLUSTER_HOST", "cluster.local")
	t.Setenv("DB_CLUSTER_USER", "admin")
	t.Setenv("DB_CLUSTER_PASSWORD", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "turbobackend", cfg.SchemaPrefix)
	assert.Equal(t, 25, cfg.MaxIterations)
	assert.Equal(t, 5432, cfg.ClusterDB.Port)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GITHUB_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GITHUB_TOKEN")
}

func TestLoad_MissingObjectStoreCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_SECRET_ACCESS_KEY")
}

func TestLoad_InvalidMaxIterations(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AGENT_MAX_ITERATIONS", "-3")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_MAX_ITERATIONS")
}

func TestLoad_ProductionEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
