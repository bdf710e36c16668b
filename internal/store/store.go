// Package store owns the SQLite database: connection setup, schema,
// versioned migrations, transaction helpers, append-only protection, and
// the idempotency ledger keyed by correlation id. Higher-level components
// run their SQL inside transactions handed out here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tascade/internal/logging"
)

// Store wraps the SQLite handle shared by all core components.
type Store struct {
	db   *sql.DB
	path string
}

// Options tunes connection setup.
type Options struct {
	BusyTimeoutMS int
	MigrationsDir string
}

// Open creates or opens the database at path, applies pragmas and runs all
// pending migrations. Pass ":memory:" for an ephemeral test database.
func Open(path string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", path, busy)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: SQLite serializes writes anyway and this
	// keeps :memory: databases coherent across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.migrate(opts.MigrationsDir); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info("database ready",
		zap.String("path", path))
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the raw handle for read-only queries outside a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a single transaction. The DSN requests immediate
// lock acquisition so writers queue at BEGIN instead of failing mid-way.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logging.Get(logging.CategoryStore).Error("rollback failed",
				zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Now returns the timestamp written on every row this process creates.
// UTC with microsecond truncation keeps comparisons stable through SQLite.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
