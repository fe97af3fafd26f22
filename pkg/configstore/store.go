package configstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/reporthub/reporthub/pkg/types"
)

// Store is the single server-wide configuration database. It holds product
// definitions, permission grants, sessions, task records, the task work
// queue, notifications, filter presets, and source components.
type Store struct {
	db     *sqlx.DB
	driver types.DriverKind
}

// DSN renders a connection spec into a driver name and data source string
func DSN(spec types.ConnectionSpec) (string, string, error) {
	switch spec.Driver {
	case types.DriverSQLite:
		if spec.Path == "" {
			return "", "", fmt.Errorf("%w: sqlite connection requires a path", types.ErrInputMalformed)
		}
		return "sqlite3", spec.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
	case types.DriverPostgres:
		sslmode := spec.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		port := spec.Port
		if port == 0 {
			port = 5432
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			spec.Host, port, spec.User, spec.Password, spec.Database, sslmode)
		return "postgres", dsn, nil
	}
	return "", "", fmt.Errorf("%w: unknown database driver %q", types.ErrInputMalformed, spec.Driver)
}

// Open connects to the configuration store and ensures its schema exists.
// SQLite stores are created on first open, including parent directories.
func Open(spec types.ConnectionSpec) (*Store, error) {
	driverName, dsn, err := DSN(spec)
	if err != nil {
		return nil, err
	}

	if spec.Driver == types.DriverSQLite {
		if dir := filepath.Dir(spec.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open configuration store: %v", types.ErrTransient, err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent claim transactions.
	if spec.Driver == types.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{db: db, driver: spec.Driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store connection is alive
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	return nil
}

// rebind converts ?-style placeholders to the driver's native form
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
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

// Timestamps are stored as integer seconds since the epoch, UTC.

func epoch(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromEpoch(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: epoch(*t), Valid: true}
}

func fromNullEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Int64)
	return &t
}

// notFound normalizes sql.ErrNoRows into the typed kind
func notFound(err error, what, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", types.ErrNotFound, what, key)
	}
	return fmt.Errorf("%w: %v", types.ErrTransient, err)
}

// placeholders builds "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
