package database

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// schemaNamePattern restricts the schema to a plain lowercase identifier:
// it is spliced into migration DDL and store statements unquoted.
var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds control-database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Schema is the namespace the migrations create and the store prefixes
	// every statement with. Shares the CONTROL_DB_SCHEMA variable with the
	// store configuration so the two can never disagree.
	Schema  string
	SSLMode string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the pgx-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadConfigFromEnv loads control-database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("CONTROL_DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CONTROL_DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("CONTROL_DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("CONTROL_DB_MAX_IDLE_CONNS", "5"))

	schemaName := getEnvOrDefault("CONTROL_DB_SCHEMA", defaultSchema)
	if !schemaNamePattern.MatchString(schemaName) {
		return Config{}, fmt.Errorf("invalid CONTROL_DB_SCHEMA %q: must match %s", schemaName, schemaNamePattern)
	}

	return Config{
		Host:            getEnvOrDefault("CONTROL_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("CONTROL_DB_USER", "turbobackend"),
		Password:        os.Getenv("CONTROL_DB_PASSWORD"),
		Database:        getEnvOrDefault("CONTROL_DB_NAME", "turbobackend"),
		Schema:          schemaName,
		SSLMode:         getEnvOrDefault("CONTROL_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
