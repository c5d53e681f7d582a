// Package database provides the control-database client and migration
// utilities. The control database holds every durable record the worker
// writes (jobs, request logs, project artifacts, ledgers).
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// defaultSchema is the schema name the migration files are authored against.
// At load time every occurrence is rewritten to the configured schema, so the
// migrated tables and the store's CONTROL_DB_SCHEMA prefix always agree.
const defaultSchema = "turbobackend"

var schemaTokenPattern = regexp.MustCompile(`\b` + defaultSchema + `\b`)

// Client wraps the sqlx handle to the control database.
type Client struct {
	*sqlx.DB
}

// NewClientFromDB wraps an existing database handle (useful for testing).
func NewClientFromDB(db *sqlx.DB) *Client {
	return &Client{DB: db}
}

// NewClient opens the control database, configures pooling, and applies
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{DB: db}, nil
}

// runMigrations applies embedded migration files with golang-migrate.
// Files are embedded via go:embed so production binaries carry their own
// schema.
func runMigrations(db *stdsql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return errors.New("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	rendered, err := renderedMigrations(cfg.Schema)
	if err != nil {
		return fmt.Errorf("failed to render migrations: %w", err)
	}
	sourceDriver, err := iofs.New(rendered, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// renderedMigrations serves the embedded migration files with the schema
// name rewritten to the configured one. An empty schema keeps the default.
func renderedMigrations(schemaName string) (fs.FS, error) {
	if schemaName == "" {
		schemaName = defaultSchema
	}
	if !schemaNamePattern.MatchString(schemaName) {
		return nil, fmt.Errorf("invalid schema name %q", schemaName)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	rendered := fstest.MapFS{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		rendered[entry.Name()] = &fstest.MapFile{
			Data: schemaTokenPattern.ReplaceAll(data, []byte(schemaName)),
		}
	}
	return rendered, nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
