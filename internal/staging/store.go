// Package staging is the intermediate storage between extraction and load:
// an append-only, date-partitioned log of normalized record batches.
package staging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BartekS5/convsync/pkg/models"
)

// Store is implemented by every intermediate storage backend. Append must be
// atomic per partition unit; Scan yields records in storage order.
type Store interface {
	Append(ctx context.Context, records []models.Record) error
	Scan(ctx context.Context, fn func(models.Record) error) error
	Info(ctx context.Context) (*Info, error)
	Close() error
}

type Info struct {
	Backend    string
	Location   string
	Records    int64
	Partitions []PartitionInfo
	Snapshots  []SnapshotInfo
}

type PartitionInfo struct {
	Date    string
	Units   int
	Records int64
}

type SnapshotInfo struct {
	ID              string
	Sequence        int64
	ParentID        string
	CommittedAt     time.Time
	AddedRecords    int64
	AddedPartitions int64
}

// StorageError reports which storage operation and location failed.
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("staging %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// groupByPartition splits records by partition date, keeping input order
// inside each group. Dates are returned sorted.
func groupByPartition(records []models.Record) ([]string, map[string][]models.Record) {
	groups := make(map[string][]models.Record)
	for _, r := range records {
		groups[r.PartitionDate] = append(groups[r.PartitionDate], r)
	}
	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, groups
}
