package etl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/database"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/utils"
)

// Opener returns a live connection to the analytical store.
type Opener func(ctx context.Context) (*sql.DB, error)

// WarehouseOptions describe how to reach the analytical store.
type WarehouseOptions struct {
	Dialect Dialect
	DSN     string // driver connection string
	Path    string // database file for file-backed dialects
	Retry   RetryPolicy
	Open    Opener // overrides the database/sql opener, mainly for tests
}

// Warehouse hands out connections to the analytical store. Acquisition
// retries lock contention and makes sure the schema exists.
type Warehouse struct {
	dialect Dialect
	path    string
	open    Opener
	retry   RetryPolicy
	log     *logger.Logger
	metrics *metrics.Registry
}

func NewWarehouse(opts WarehouseOptions, log *logger.Logger, m *metrics.Registry) *Warehouse {
	open := opts.Open
	if open == nil {
		driver, dsn := opts.Dialect.DriverName(), opts.DSN
		open = func(ctx context.Context) (*sql.DB, error) {
			return database.OpenSQL(ctx, driver, dsn)
		}
	}
	retry := opts.Retry
	if retry.Attempts == 0 {
		retry = DefaultLockRetry()
	}
	prev := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		m.LockRetry()
		if prev != nil {
			prev(attempt, err)
		}
	}
	return &Warehouse{dialect: opts.Dialect, path: opts.Path, open: open, retry: retry, log: log, metrics: m}
}

func (w *Warehouse) Dialect() Dialect { return w.dialect }

// Exists reports whether a file-backed store has been created yet. Server
// dialects always exist.
func (w *Warehouse) Exists() bool {
	if !w.dialect.FileBacked() || w.path == "" {
		return true
	}
	return utils.FileExists(w.path)
}

// Acquire opens the store and ensures the schema, retrying lock contention.
func (w *Warehouse) Acquire(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB
	err := w.retry.Do(ctx, w.log, func() error {
		conn, err := w.open(ctx)
		if err != nil {
			return err
		}
		if err := w.EnsureSchema(ctx, conn); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire analytical store: %w", err)
	}
	return db, nil
}

// Connect opens the store without creating anything, for read-only use.
func (w *Warehouse) Connect(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB
	err := w.retry.Do(ctx, w.log, func() error {
		conn, err := w.open(ctx)
		if err != nil {
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect analytical store: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the schema, table and indexes when absent.
func (w *Warehouse) EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range w.dialect.SchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// TableExists checks for the analytical table without creating it.
func (w *Warehouse) TableExists(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx, w.dialect.TableExistsQuery()).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
