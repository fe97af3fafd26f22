package product

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/types"
)

// ResultSchemaVersion is the schema revision this build reads and writes
const ResultSchemaVersion = 1

var resultDDL = []string{
	`CREATE TABLE IF NOT EXISTS result_schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cleanup_plans (
		id          {SERIAL},
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		due_date    BIGINT,
		closed_at   BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS cleanup_plan_report_hashes (
		plan_id     BIGINT NOT NULL REFERENCES cleanup_plans(id) ON DELETE CASCADE,
		report_hash TEXT NOT NULL,
		PRIMARY KEY (plan_id, report_hash)
	)`,
}

// ResultStore is one product's analysis-result database. Only the slices of
// the result schema this server manages live here; report storage itself is
// out of scope.
type ResultStore struct {
	db     *sqlx.DB
	driver types.DriverKind
}

// openResult connects to a product's result database and classifies its
// schema. A connection failure yields a nil store with the disconnected
// status; schema trouble yields a usable-for-nothing store with a non-ok
// status so callers can report it.
func openResult(spec types.ConnectionSpec) (*ResultStore, types.SchemaStatus) {
	driverName, dsn, err := configstore.DSN(spec)
	if err != nil {
		return nil, types.SchemaStatusDisconnected
	}
	if spec.Driver == types.DriverSQLite {
		if dir := filepath.Dir(spec.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, types.SchemaStatusDisconnected
			}
		}
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, types.SchemaStatusDisconnected
	}
	if spec.Driver == types.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	rs := &ResultStore{db: db, driver: spec.Driver}
	status := rs.initSchema()
	if status == types.SchemaStatusDisconnected {
		db.Close()
		return nil, status
	}
	return rs, status
}

// initSchema creates the schema on a fresh database and classifies an
// existing one against ResultSchemaVersion.
func (r *ResultStore) initSchema() types.SchemaStatus {
	var version int
	err := r.db.Get(&version, `SELECT version FROM result_schema_version`)
	switch {
	case err == nil:
		if version == ResultSchemaVersion {
			return types.SchemaStatusOK
		}
		if version < ResultSchemaVersion {
			return types.SchemaStatusNeedsUpgrade
		}
		// written by a newer build
		return types.SchemaStatusBroken
	case errors.Is(err, sql.ErrNoRows):
		// version table exists but is empty: a half-initialized database
		return types.SchemaStatusBroken
	}

	// No version table. A fresh database gets the schema; anything else is
	// a foreign database we must not touch.
	if !r.empty() {
		return types.SchemaStatusBroken
	}
	for _, stmt := range resultDDL {
		if _, err := r.db.Exec(r.dialect(stmt)); err != nil {
			return types.SchemaStatusBroken
		}
	}
	if _, err := r.db.Exec(r.rebind(
		`INSERT INTO result_schema_version (version) VALUES (?)`), ResultSchemaVersion); err != nil {
		return types.SchemaStatusBroken
	}
	return types.SchemaStatusOK
}

// empty reports whether the database has no user tables
func (r *ResultStore) empty() bool {
	var n int
	var err error
	if r.driver == types.DriverSQLite {
		err = r.db.Get(&n,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	} else {
		err = r.db.Get(&n,
			`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public'`)
	}
	return err == nil && n == 0
}

func (r *ResultStore) dialect(stmt string) string {
	if r.driver == types.DriverPostgres {
		return strings.ReplaceAll(stmt, "{SERIAL}", "BIGSERIAL PRIMARY KEY")
	}
	return strings.ReplaceAll(stmt, "{SERIAL}", "INTEGER PRIMARY KEY AUTOINCREMENT")
}

func (r *ResultStore) rebind(query string) string {
	return r.db.Rebind(query)
}

func (r *ResultStore) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", types.ErrTransient, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", types.ErrTransient, err)
	}
	return nil
}

// Ping verifies the result database connection is alive
func (r *ResultStore) Ping() error {
	if err := r.db.Ping(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	return nil
}

// Close closes the underlying database
func (r *ResultStore) Close() error {
	return r.db.Close()
}
