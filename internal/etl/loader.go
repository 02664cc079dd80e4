package etl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/internal/staging"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
)

// LoadReport summarizes one load. Rows is the net change in table size, or
// the final size after a full refresh.
type LoadReport struct {
	Rows     int64
	Total    int64
	Rejected int64
}

type GroupCount struct {
	Key   *string
	Count int64
}

type TableStats struct {
	Rows        int64
	MinDate     string
	MaxDate     string
	Days        int64
	TopProjects []GroupCount
	Types       []GroupCount
}

// Loader upserts everything in intermediate storage into the analytical
// table. It is the only writer of that table.
type Loader struct {
	warehouse *Warehouse
	store     staging.Store
	validator *Validator
	log       *logger.Logger
	metrics   *metrics.Registry
}

func NewLoader(wh *Warehouse, store staging.Store, log *logger.Logger, m *metrics.Registry) *Loader {
	return &Loader{warehouse: wh, store: store, validator: NewValidator(), log: log, metrics: m}
}

// InitSchema creates the analytical schema without loading anything.
func (l *Loader) InitSchema(ctx context.Context) error {
	db, err := l.warehouse.Acquire(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	l.log.Infof("Schema ready for %s", l.warehouse.Dialect().TableName())
	return nil
}

func (l *Loader) Load(ctx context.Context, fullRefresh bool) (*LoadReport, error) {
	db, err := l.warehouse.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var tx *sql.Tx
	err = l.warehouse.retry.Do(ctx, l.log, func() error {
		var err error
		tx, err = db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("begin load transaction: %w", err)
	}
	defer tx.Rollback()

	d := l.warehouse.Dialect()

	// 1. Count before
	before, err := countRows(ctx, tx, d)
	if err != nil {
		return nil, err
	}

	if fullRefresh {
		l.log.Infof("Full refresh: deleting %d existing rows", before)
		if _, err := tx.ExecContext(ctx, d.DeleteQuery()); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", d.TableName(), err)
		}
	}

	// 2. Stream staged records into chunked upserts
	up := newUpserter(tx, d)
	var scanned, rejected int64
	err = l.store.Scan(ctx, func(rec models.Record) error {
		scanned++
		if err := l.validator.ValidateRecord(rec); err != nil {
			rejected++
			l.log.Warnf("Skipping record: %v", err)
			return nil
		}
		return up.add(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("load from intermediate storage: %w", err)
	}
	if err := up.flush(ctx); err != nil {
		return nil, err
	}

	// 3. Count after and commit
	after, err := countRows(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit load: %w", err)
	}

	report := &LoadReport{Rows: after - before, Total: after, Rejected: rejected}
	if fullRefresh {
		report.Rows = after
	}
	l.metrics.Loaded(report.Rows, report.Total, report.Rejected)
	l.log.Infof("Loaded %d rows from %d staged records (total: %d, rejected: %d, statements: %d)",
		report.Rows, scanned, report.Total, report.Rejected, up.statements)
	return report, nil
}

func countRows(ctx context.Context, tx *sql.Tx, d Dialect) (int64, error) {
	var n int64
	if err := tx.QueryRowContext(ctx, d.CountQuery()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", d.TableName(), err)
	}
	return n, nil
}

// upserter buffers records into statement-sized chunks. Repeated ids inside
// a chunk are collapsed first, since one statement cannot touch a row twice.
type upserter struct {
	tx         *sql.Tx
	dialect    Dialect
	limit      int
	fullStmt   string
	chunk      []models.Record
	index      map[string]int
	statements int
}

func newUpserter(tx *sql.Tx, d Dialect) *upserter {
	limit := d.RowsPerStatement()
	return &upserter{
		tx:       tx,
		dialect:  d,
		limit:    limit,
		fullStmt: d.UpsertStatement(limit),
		chunk:    make([]models.Record, 0, limit),
		index:    make(map[string]int, limit),
	}
}

func (u *upserter) add(ctx context.Context, rec models.Record) error {
	if i, ok := u.index[rec.ID]; ok {
		if rec.Supersedes(u.chunk[i]) {
			u.chunk[i] = rec
		}
		return nil
	}
	u.index[rec.ID] = len(u.chunk)
	u.chunk = append(u.chunk, rec)
	if len(u.chunk) >= u.limit {
		return u.flush(ctx)
	}
	return nil
}

func (u *upserter) flush(ctx context.Context) error {
	if len(u.chunk) == 0 {
		return nil
	}
	args, err := u.dialect.Bind(u.chunk)
	if err != nil {
		return err
	}
	stmt := u.fullStmt
	if len(u.chunk) != u.limit {
		stmt = u.dialect.UpsertStatement(len(u.chunk))
	}
	if _, err := u.tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert %d rows into %s: %w", len(u.chunk), u.dialect.TableName(), err)
	}
	u.statements++
	u.chunk = u.chunk[:0]
	clear(u.index)
	return nil
}

// Stats summarizes the analytical table without modifying it. A store or
// table that does not exist yet yields empty stats.
func (l *Loader) Stats(ctx context.Context) (*TableStats, error) {
	stats := &TableStats{}
	if !l.warehouse.Exists() {
		return stats, nil
	}
	db, err := l.warehouse.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	exists, err := l.warehouse.TableExists(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("check table: %w", err)
	}
	if !exists {
		return stats, nil
	}

	d := l.warehouse.Dialect()
	var minDate, maxDate interface{}
	if err := db.QueryRowContext(ctx, d.dateRangeQuery()).Scan(&stats.Rows, &minDate, &maxDate, &stats.Days); err != nil {
		return nil, fmt.Errorf("date range: %w", err)
	}
	stats.MinDate = formatDate(minDate)
	stats.MaxDate = formatDate(maxDate)

	if stats.TopProjects, err = groupCounts(ctx, db, d.groupCountQuery("project_id", 10)); err != nil {
		return nil, fmt.Errorf("project counts: %w", err)
	}
	if stats.Types, err = groupCounts(ctx, db, d.groupCountQuery("type", 0)); err != nil {
		return nil, fmt.Errorf("type distribution: %w", err)
	}
	return stats, nil
}

func groupCounts(ctx context.Context, db *sql.DB, query string) ([]GroupCount, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var key sql.NullString
		var g GroupCount
		if err := rows.Scan(&key, &g.Count); err != nil {
			return nil, err
		}
		if key.Valid {
			g.Key = models.StringPtr(key.String)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func formatDate(v interface{}) string {
	switch d := v.(type) {
	case nil:
		return ""
	case time.Time:
		return d.Format(models.DateLayout)
	case []byte:
		return truncateDate(string(d))
	case string:
		return truncateDate(d)
	default:
		return fmt.Sprintf("%v", d)
	}
}

func truncateDate(s string) string {
	if len(s) > len(models.DateLayout) {
		return s[:len(models.DateLayout)]
	}
	return s
}
