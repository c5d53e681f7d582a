// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment gates behavior that differs between local and production
// deployments (e.g. clearing pending jobs on shutdown).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config is the full worker configuration.
type Config struct {
	Environment Environment

	Queue   *QueueConfig
	Redis   RedisConfig
	Pricing *PricingTable

	// SchemaPrefix is the control-database schema namespace. Every statement
	// issued by the store is prefixed with "<SchemaPrefix>.".
	SchemaPrefix string

	// ClusterDB holds administrative credentials for the project-database
	// cluster (distinct from the control database).
	ClusterDB ClusterDBConfig

	// LLM
	AnthropicAPIKey string
	AgentModel      string
	ClassifierModel string

	// Sandbox provisioner
	SandboxAPIURL string
	SandboxAPIKey string

	// Source host
	GitHubToken string
	GitHubOwner string

	// Deployment platform
	FlyAPIToken string
	FlyAPIURL   string
	FlyOrg      string

	// Object store
	ObjectStoreBucket    string
	ObjectStoreRegion    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	// PromptDir optionally overrides the embedded integration docs and
	// example files used by the agent prompt builder.
	PromptDir string

	// MaxIterations bounds the agentic loop. Must be finite.
	MaxIterations int

	// HTTPPort serves the ops/health endpoints.
	HTTPPort string
}

// RedisConfig holds pub/sub bus connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClusterDBConfig holds the project-database cluster admin connection.
type ClusterDBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Load reads configuration from the environment and validates that every
// required variable is present. Missing required variables fail startup.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:  Environment(getEnv("ENVIRONMENT", string(EnvDevelopment))),
		Queue:        LoadQueueConfigFromEnv(),
		Pricing:      DefaultPricingTable(),
		SchemaPrefix: getEnv("CONTROL_DB_SCHEMA", "turbobackend"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AgentModel:      getEnv("AGENT_MODEL", "claude-sonnet-4-20250514"),
		ClassifierModel: getEnv("CLASSIFIER_MODEL", "claude-3-5-haiku-20241022"),

		SandboxAPIURL: getEnv("SANDBOX_API_URL", "https://app.daytona.io/api"),
		SandboxAPIKey: os.Getenv("SANDBOX_API_KEY"),

		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		GitHubOwner: getEnv("GITHUB_OWNER", "SaaSManDan"),

		FlyAPIToken: os.Getenv("FLY_API_TOKEN"),
		FlyAPIURL:   getEnv("FLY_API_URL", "https://api.machines.dev"),
		FlyOrg:      getEnv("FLY_ORG", "personal"),

		ObjectStoreBucket:    getEnv("S3_BUCKET", "turbobackend-projects"),
		ObjectStoreRegion:    getEnv("AWS_REGION", "us-east-1"),
		ObjectStoreAccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		ObjectStoreSecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),

		PromptDir: os.Getenv("PROMPT_DIR"),
		HTTPPort:  getEnv("HTTP_PORT", "8081"),
	}

	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
	}

	clusterPort, err := strconv.Atoi(getEnv("DB_CLUSTER_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CLUSTER_PORT: %w", err)
	}
	cfg.ClusterDB = ClusterDBConfig{
		Host:     os.Getenv("DB_CLUSTER_HOST"),
		Port:     clusterPort,
		User:     os.Getenv("DB_CLUSTER_USER"),
		Password: os.Getenv("DB_CLUSTER_PASSWORD"),
	}

	cfg.MaxIterations = getEnvInt("AGENT_MAX_ITERATIONS", 25)
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("AGENT_MAX_ITERATIONS must be a positive integer, got %d", cfg.MaxIterations)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that every variable without a usable default is set.
func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"ANTHROPIC_API_KEY", c.AnthropicAPIKey},
		{"SANDBOX_API_KEY", c.SandboxAPIKey},
		{"GITHUB_TOKEN", c.GitHubToken},
		{"FLY_API_TOKEN", c.FlyAPIToken},
		{"AWS_ACCESS_KEY_ID", c.ObjectStoreAccessKey},
		{"AWS_SECRET_ACCESS_KEY", c.ObjectStoreSecretKey},
		{"DB_CLUSTER_HOST", c.ClusterDB.Host},
		{"DB_CLUSTER_USER", c.ClusterDB.User},
		{"DB_CLUSTER_PASSWORD", c.ClusterDB.Password},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required environment variable %s", r.name)
		}
	}
	return nil
}

// IsProduction reports whether the worker runs with production gating.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
