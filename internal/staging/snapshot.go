package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id        TEXT PRIMARY KEY,
	table_name         TEXT NOT NULL,
	sequence_number    INTEGER NOT NULL,
	parent_snapshot_id TEXT,
	committed_at       TEXT NOT NULL,
	added_records      INTEGER NOT NULL,
	added_partitions   INTEGER NOT NULL,
	UNIQUE (table_name, sequence_number)
);
CREATE TABLE IF NOT EXISTS data_records (
	table_name     TEXT NOT NULL,
	snapshot_seq   INTEGER NOT NULL,
	row_seq        INTEGER NOT NULL,
	partition_date TEXT NOT NULL,
	record_id      TEXT NOT NULL,
	payload        TEXT NOT NULL,
	PRIMARY KEY (table_name, snapshot_seq, row_seq)
);
CREATE INDEX IF NOT EXISTS idx_data_records_partition ON data_records (table_name, partition_date);
`

var _ Store = (*Snapshot)(nil)

type SnapshotOptions struct {
	CatalogPath string
	Namespace   string
	Table       string
}

// Snapshot is a table-format store kept in a SQLite catalog. Every Append
// commits one snapshot in a single transaction, so readers see either all of
// a batch or none of it.
type Snapshot struct {
	db      *sql.DB
	table   string
	path    string
	log     *logger.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

func OpenSnapshot(ctx context.Context, opts SnapshotOptions, log *logger.Logger, m *metrics.Registry) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(opts.CatalogPath), 0o755); err != nil {
		return nil, &StorageError{Op: "open", Location: opts.CatalogPath, Err: err}
	}
	db, err := sql.Open("sqlite", opts.CatalogPath+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &StorageError{Op: "open", Location: opts.CatalogPath, Err: err}
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "init", Location: opts.CatalogPath, Err: err}
	}
	table := opts.Table
	if opts.Namespace != "" {
		table = opts.Namespace + "." + opts.Table
	}
	log.Infof("Opened snapshot catalog %s (table %s)", opts.CatalogPath, table)
	return &Snapshot{db: db, table: table, path: opts.CatalogPath, log: log, metrics: m, now: time.Now}, nil
}

func (s *Snapshot) Append(ctx context.Context, records []models.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	defer func() { s.metrics.StorageOp("commit", err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Location: s.path, Err: err}
	}
	defer tx.Rollback()

	var seq int64
	var parent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number, snapshot_id FROM snapshots WHERE table_name = ? ORDER BY sequence_number DESC LIMIT 1`,
		s.table).Scan(&seq, &parent)
	if err != nil && err != sql.ErrNoRows {
		return &StorageError{Op: "read", Location: s.path, Err: err}
	}
	seq++

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO data_records (table_name, snapshot_seq, row_seq, partition_date, record_id, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return &StorageError{Op: "prepare", Location: s.path, Err: err}
	}
	defer stmt.Close()

	dates, groups := groupByPartition(records)
	row := int64(0)
	for _, date := range dates {
		for _, rec := range groups[date] {
			payload, err := json.Marshal(rec)
			if err != nil {
				return &StorageError{Op: "encode", Location: date, Err: err}
			}
			if _, err := stmt.ExecContext(ctx, s.table, seq, row, date, rec.ID, string(payload)); err != nil {
				return &StorageError{Op: "write", Location: s.path, Err: err}
			}
			row++
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, table_name, sequence_number, parent_snapshot_id, committed_at, added_records, added_partitions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, s.table, seq, parent, s.now().UTC().Format(time.RFC3339Nano), row, len(dates))
	if err != nil {
		return &StorageError{Op: "write", Location: s.path, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Location: s.path, Err: err}
	}
	s.log.Infof("Committed snapshot %d (%s): %d records across %d partitions", seq, id, row, len(dates))
	return nil
}

func (s *Snapshot) Scan(ctx context.Context, fn func(models.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM data_records WHERE table_name = ? ORDER BY snapshot_seq, row_seq`, s.table)
	if err != nil {
		return &StorageError{Op: "scan", Location: s.path, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return &StorageError{Op: "scan", Location: s.path, Err: err}
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return &StorageError{Op: "decode", Location: s.path, Err: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "scan", Location: s.path, Err: err}
	}
	return nil
}

func (s *Snapshot) Info(ctx context.Context) (*Info, error) {
	info := &Info{Backend: "snapshot", Location: fmt.Sprintf("%s#%s", s.path, s.table)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id, sequence_number, parent_snapshot_id, committed_at, added_records, added_partitions
		 FROM snapshots WHERE table_name = ? ORDER BY sequence_number`, s.table)
	if err != nil {
		return nil, &StorageError{Op: "info", Location: s.path, Err: err}
	}
	for rows.Next() {
		var snap SnapshotInfo
		var parent sql.NullString
		var committed string
		if err := rows.Scan(&snap.ID, &snap.Sequence, &parent, &committed, &snap.AddedRecords, &snap.AddedPartitions); err != nil {
			rows.Close()
			return nil, &StorageError{Op: "info", Location: s.path, Err: err}
		}
		snap.ParentID = parent.String
		snap.CommittedAt, _ = time.Parse(time.RFC3339Nano, committed)
		info.Snapshots = append(info.Snapshots, snap)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT partition_date, COUNT(DISTINCT snapshot_seq), COUNT(*)
		 FROM data_records WHERE table_name = ? GROUP BY partition_date ORDER BY partition_date`, s.table)
	if err != nil {
		return nil, &StorageError{Op: "info", Location: s.path, Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Date, &p.Units, &p.Records); err != nil {
			return nil, &StorageError{Op: "info", Location: s.path, Err: err}
		}
		info.Records += p.Records
		info.Partitions = append(info.Partitions, p)
	}
	return info, rows.Err()
}

func (s *Snapshot) Close() error {
	return s.db.Close()
}
