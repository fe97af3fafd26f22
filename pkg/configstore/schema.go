package configstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/reporthub/reporthub/pkg/types"
)

// SchemaVersion is the configuration-store schema this build understands.
// A store reporting a newer version is left untouched and surfaced as
// needing an upgrade; upgrading itself is an operator concern.
const SchemaVersion = 1

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		endpoint      TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		driver        TEXT NOT NULL,
		conn_path     TEXT NOT NULL DEFAULT '',
		conn_host     TEXT NOT NULL DEFAULT '',
		conn_port     INTEGER NOT NULL DEFAULT 0,
		conn_user     TEXT NOT NULL DEFAULT '',
		conn_password TEXT NOT NULL DEFAULT '',
		conn_database TEXT NOT NULL DEFAULT '',
		conn_sslmode  TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id               {SERIAL},
		permission       TEXT NOT NULL,
		product_endpoint TEXT NOT NULL DEFAULT '',
		grantee          TEXT NOT NULL,
		is_group         {BOOL} NOT NULL,
		UNIQUE (permission, product_endpoint, grantee, is_group)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		username     TEXT NOT NULL,
		issued_at    INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		expires_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		token             TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		summary           TEXT NOT NULL DEFAULT '',
		actor             TEXT NOT NULL DEFAULT '',
		product_endpoint  TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		created_at        INTEGER NOT NULL,
		enqueued_at       INTEGER,
		started_at        INTEGER,
		last_heartbeat_at INTEGER,
		finished_at       INTEGER,
		cancel_requested  {BOOL} NOT NULL,
		owner_server_id   TEXT NOT NULL DEFAULT '',
		consumed          {BOOL} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner_server_id)`,
	`CREATE TABLE IF NOT EXISTS task_comments (
		id         {SERIAL},
		token      TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		body       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_comments_token ON task_comments (token)`,
	`CREATE TABLE IF NOT EXISTS task_payloads (
		token       TEXT PRIMARY KEY,
		envelope    {BLOB} NOT NULL,
		enqueued_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		message    TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS filter_presets (
		id               {SERIAL},
		product_endpoint TEXT NOT NULL,
		username         TEXT NOT NULL,
		name             TEXT NOT NULL,
		value            TEXT NOT NULL,
		UNIQUE (product_endpoint, username, name)
	)`,
	`CREATE TABLE IF NOT EXISTS source_components (
		product_endpoint TEXT NOT NULL,
		name             TEXT NOT NULL,
		value            TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (product_endpoint, name)
	)`,
}

// dialect rewrites the portable DDL tokens for the active driver
func (s *Store) dialect(ddl string) string {
	switch s.driver {
	case types.DriverPostgres:
		ddl = strings.ReplaceAll(ddl, "{SERIAL}", "BIGSERIAL PRIMARY KEY")
		ddl = strings.ReplaceAll(ddl, "{BOOL}", "BOOLEAN")
		ddl = strings.ReplaceAll(ddl, "{BLOB}", "BYTEA")
	default:
		ddl = strings.ReplaceAll(ddl, "{SERIAL}", "INTEGER PRIMARY KEY AUTOINCREMENT")
		ddl = strings.ReplaceAll(ddl, "{BOOL}", "INTEGER")
		ddl = strings.ReplaceAll(ddl, "{BLOB}", "BLOB")
	}
	return ddl
}

// ensureSchema creates missing tables and stamps the schema version. A
// store already stamped with a newer version is rejected.
func (s *Store) ensureSchema() error {
	var version int
	err := s.db.Get(&version, `SELECT version FROM schema_version`)
	switch {
	case err == nil:
		if version > SchemaVersion {
			return fmt.Errorf("%w: configuration store schema version %d is newer than supported %d",
				types.ErrInputMalformed, version, SchemaVersion)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// Table exists but no stamp; fall through and stamp it.
	default:
		// Table missing; create everything.
	}

	for _, ddl := range schemaDDL {
		if _, err := s.db.Exec(s.dialect(ddl)); err != nil {
			return fmt.Errorf("%w: failed to create schema: %v", types.ErrTransient, err)
		}
	}
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_version`); err != nil {
		return fmt.Errorf("%w: failed to read schema version: %v", types.ErrTransient, err)
	}
	if count == 0 {
		if _, err := s.db.Exec(s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), SchemaVersion); err != nil {
			return fmt.Errorf("%w: failed to stamp schema version: %v", types.ErrTransient, err)
		}
	}
	return nil
}
