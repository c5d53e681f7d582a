package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for the project cluster
	"github.com/jmoiron/sqlx"

	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/ids"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// DatabaseInfo carries everything later phases need to reach the project
// database: cluster connection parameters plus the designed schema.
type DatabaseInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Design   *Design
}

// DDLStatement is one deferred DDL to apply to a project database.
type DDLStatement struct {
	Query     string
	TableName string
	QueryType string
}

// validDBName guards CREATE DATABASE against identifier injection. Derived
// names are lowercase slugs, so anything else is a bug upstream.
var validDBName = regexp.MustCompile(`^[a-z0-9_]+$`)

// Provisioner creates per-project databases on the cluster and applies the
// designed DDL.
type Provisioner struct {
	cluster config.ClusterDBConfig
	store   *store.Store
}

// NewProvisioner creates a Provisioner with cluster admin credentials.
func NewProvisioner(cluster config.ClusterDBConfig, st *store.Store) *Provisioner {
	return &Provisioner{cluster: cluster, store: st}
}

// Provision creates the project database, records it in the control database
// (on the caller's outer transaction), and applies every create query inside
// one transaction on the new database. Any DDL error rolls the project
// database back and propagates so the caller's outer transaction rolls back
// too; the CREATE DATABASE itself is not undone (reclaimed by ops tooling).
func (p *Provisioner) Provision(ctx context.Context, q sqlx.ExtContext, projectID, userID string, design *Design) (*DatabaseInfo, error) {
	dbName := ids.DatabaseName(projectID)
	if !validDBName.MatchString(dbName) {
		return nil, fmt.Errorf("derived database name %q is not a valid identifier", dbName)
	}

	if err := p.createDatabase(ctx, dbName); err != nil {
		return nil, err
	}

	pd := &store.ProjectDatabase{
		ProjectID: projectID,
		UserID:    userID,
		DBName:    dbName,
	}
	if err := p.store.InsertProjectDatabase(ctx, q, pd); err != nil {
		return nil, err
	}

	if err := p.applyDesign(ctx, q, projectID, dbName, design); err != nil {
		return nil, err
	}

	p.store.LogActivity(ctx, q, &store.Activity{
		ProjectID:     projectID,
		UserID:        userID,
		ActionType:    store.ActionDatabaseCreated,
		ActionDetails: fmt.Sprintf("Created database %s with %d tables", dbName, len(design.Tables)),
		ReferenceIDs: store.StringMap{
			"database_id":   pd.DatabaseID,
			"database_name": dbName,
		},
	})

	return &DatabaseInfo{
		Host:     p.cluster.Host,
		Port:     p.cluster.Port,
		User:     p.cluster.User,
		Password: p.cluster.Password,
		DBName:   dbName,
		Design:   design,
	}, nil
}

// ApplyDDL runs deferred DDL statements (from the agent's db_query commands)
// against an existing project database, auditing each attempt. Used by the
// modification pipeline after the agentic loop.
func (p *Provisioner) ApplyDDL(ctx context.Context, q sqlx.ExtContext, projectID, dbName string, stmts []DDLStatement) error {
	if len(stmts) == 0 {
		return nil
	}
	design := &Design{}
	for _, s := range stmts {
		design.Tables = append(design.Tables, Table{TableName: s.TableName, CreateQuery: s.Query})
	}
	return p.applyDesign(ctx, q, projectID, dbName, design)
}

// createDatabase connects to the cluster's administrative database, issues
// CREATE DATABASE, and closes the connection. "already exists" is treated as
// success so re-delivered jobs are tolerated.
func (p *Provisioner) createDatabase(ctx context.Context, dbName string) error {
	admin, err := sql.Open("pgx", p.dsn("postgres"))
	if err != nil {
		return fmt.Errorf("open cluster admin connection: %w", err)
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			slog.Warn("Failed to close cluster admin connection", "error", cerr)
		}
	}()

	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+dbName); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			slog.Info("Project database already exists, reusing", "db_name", dbName)
			return nil
		}
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// applyDesign executes each create query in order inside one transaction on
// the project database, writing one generated-query audit row per attempt on
// the caller's control-database connection.
func (p *Provisioner) applyDesign(ctx context.Context, q sqlx.ExtContext, projectID, dbName string, design *Design) error {
	projDB, err := sql.Open("pgx", p.dsn(dbName))
	if err != nil {
		return fmt.Errorf("open project database %s: %w", dbName, err)
	}
	defer func() {
		if cerr := projDB.Close(); cerr != nil {
			slog.Warn("Failed to close project database connection", "db_name", dbName, "error", cerr)
		}
	}()

	tx, err := projDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin project database transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range design.Tables {
		_, execErr := tx.ExecContext(ctx, t.CreateQuery)

		gq := &store.GeneratedQuery{
			ProjectID:       projectID,
			QueryText:       t.CreateQuery,
			QueryType:       "CREATE TABLE",
			SchemaName:      t.TableName,
			ExecutionStatus: store.QueryExecuted,
		}
		if execErr != nil {
			gq.ExecutionStatus = store.QueryFailed
			gq.ErrorMessage = execErr.Error()
		}
		if err := p.store.InsertGeneratedQuery(ctx, q, gq); err != nil {
			return err
		}
		if execErr != nil {
			return fmt.Errorf("execute DDL for table %s: %w", t.TableName, execErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project database DDL: %w", err)
	}
	return nil
}

func (p *Provisioner) dsn(dbName string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		p.cluster.Host, p.cluster.Port, p.cluster.User, p.cluster.Password, dbName)
}
