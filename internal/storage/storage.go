// Package storage provides SQLite-backed persistence for issuers, filing
// events, watermarks, alerts, feature snapshots and risk scores.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ops holds every query shared by the store and its transactions.
type ops struct {
	q sqlx.ExtContext
}

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	ops
	db      *sqlx.DB
	applied int
}

// Tx is a unit of work. Everything written through it commits or rolls back
// together.
type Tx struct {
	ops
	tx *sqlx.Tx
}

// New opens or creates the SQLite database at dbPath and applies pending
// migrations. An empty dbPath defaults to $TMPDIR/filingwatch/filingwatch.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "filingwatch", "filingwatch.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	db.SetConnMaxLifetime(0)
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Storage{ops: ops{q: db}, db: db}
	n, err := s.migrate()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.applied = n
	return s, nil
}

func (s *Storage) migrate() (int, error) {
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}
	return migrate.Exec(s.db.DB, "sqlite3", source, migrate.Up)
}

// AppliedMigrations reports how many migrations New applied. Zero means the
// schema was already current.
func (s *Storage) AppliedMigrations() int {
	return s.applied
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise. fn must not use s directly: the pool holds a
// single connection.
func (s *Storage) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if err := fn(&Tx{ops: ops{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Row timestamps are stored as Unix nanoseconds, matching the resolution of
// time.Time. A zero time is stored as NULL.

func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func now() int64 {
	return time.Now().UnixNano()
}
