package staging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, date string, extracted time.Time) models.Record {
	return models.Record{
		ID:            id,
		Type:          models.StringPtr("message"),
		ExtractedAt:   extracted,
		PartitionDate: date,
	}
}

func collect(t *testing.T, s Store) []string {
	t.Helper()
	var ids []string
	require.NoError(t, s.Scan(context.Background(), func(r models.Record) error {
		ids = append(ids, r.ID)
		return nil
	}))
	return ids
}

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	snap, err := OpenSnapshot(context.Background(), SnapshotOptions{
		CatalogPath: filepath.Join(dir, "catalog", "catalog.db"),
		Namespace:   "raw",
		Table:       "conversations",
	}, logger.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { snap.Close() })

	return map[string]Store{
		"files":    NewFiles(NewLocalBucket(filepath.Join(dir, "raw")), logger.Nop(), nil),
		"snapshot": snap,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 2, 10, 0, 0, 123456789, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("a", "2025-01-02", ts)
			rec.Timestamp = &ts
			rec.MessageText = models.StringPtr("hi\n[tool_use: Read]")
			require.NoError(t, s.Append(ctx, []models.Record{rec}))

			var got []models.Record
			require.NoError(t, s.Scan(ctx, func(r models.Record) error {
				got = append(got, r)
				return nil
			}))
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].ID)
			assert.True(t, ts.Equal(got[0].ExtractedAt))
			assert.True(t, ts.Equal(*got[0].Timestamp))
			assert.Equal(t, "hi\n[tool_use: Read]", *got[0].MessageText)
			assert.Nil(t, got[0].SessionID)
			assert.Equal(t, "2025-01-02", got[0].PartitionDate)
		})
	}
}

func TestStoreScanFollowsAppendOrder(t *testing.T) {
	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, []models.Record{
				record("b1", "2025-01-02", ts),
				record("a1", "2025-01-01", ts),
				record("b2", "2025-01-02", ts),
			}))
			require.NoError(t, s.Append(ctx, []models.Record{
				record("a2", "2025-01-01", ts),
			}))

			// Within one append, partitions are written in date order.
			assert.Equal(t, []string{"a1", "b1", "b2", "a2"}, collect(t, s))

			info, err := s.Info(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), info.Records)
			require.Len(t, info.Partitions, 2)
			assert.Equal(t, PartitionInfo{Date: "2025-01-01", Units: 2, Records: 2}, info.Partitions[0])
			assert.Equal(t, PartitionInfo{Date: "2025-01-02", Units: 1, Records: 2}, info.Partitions[1])
		})
	}
}

func TestStoreEmptyAppendAndScan(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(context.Background(), nil))
			assert.Empty(t, collect(t, s))
			info, err := s.Info(context.Background())
			require.NoError(t, err)
			assert.Zero(t, info.Records)
		})
	}
}

func TestStoreScanStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	ts := time.Now().UTC()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(context.Background(), []models.Record{
				record("x", "2025-01-01", ts), record("y", "2025-01-01", ts),
			}))
			calls := 0
			err := s.Scan(context.Background(), func(models.Record) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestSnapshotLineage(t *testing.T) {
	s := backends(t)["snapshot"]
	ctx := context.Background()
	ts := time.Now().UTC()
	require.NoError(t, s.Append(ctx, []models.Record{record("a", "2025-01-01", ts)}))
	require.NoError(t, s.Append(ctx, []models.Record{record("b", "2025-01-01", ts), record("c", "2025-01-03", ts)}))

	info, err := s.Info(ctx)
	require.NoError(t, err)
	require.Len(t, info.Snapshots, 2)
	assert.Equal(t, int64(1), info.Snapshots[0].Sequence)
	assert.Empty(t, info.Snapshots[0].ParentID)
	assert.Equal(t, info.Snapshots[0].ID, info.Snapshots[1].ParentID)
	assert.Equal(t, int64(2), info.Snapshots[1].AddedRecords)
	assert.Equal(t, int64(2), info.Snapshots[1].AddedPartitions)
}

type failingBucket struct {
	*LocalBucket
	failAfter int
	puts      int
}

func (b *failingBucket) Put(ctx context.Context, key string, data []byte) error {
	b.puts++
	if b.puts > b.failAfter {
		return errors.New("disk full")
	}
	return b.LocalBucket.Put(ctx, key, data)
}

func TestFilesPutFailureSurfacesStorageError(t *testing.T) {
	bucket := &failingBucket{LocalBucket: NewLocalBucket(t.TempDir()), failAfter: 1}
	f := NewFiles(bucket, logger.Nop(), nil)
	ts := time.Now().UTC()

	err := f.Append(context.Background(), []models.Record{
		record("a", "2025-01-01", ts), record("b", "2025-01-02", ts),
	})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)

	// The first partition unit is complete; the failed one left nothing behind.
	assert.Equal(t, []string{"a"}, collect(t, f))
}

func TestLocalBucketSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBucket(root)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "date=2025-01-01/part-1.ndjson.gz", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "date=2025-01-01", ".tmp_123"), []byte("partial"), 0o644))

	keys, err := b.List(ctx, "date=")
	require.NoError(t, err)
	assert.Equal(t, []string{"date=2025-01-01/part-1.ndjson.gz"}, keys)

	rc, err := b.Get(ctx, keys[0])
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "x", string(data))
}

func TestLocalBucketMissingRootListsNothing(t *testing.T) {
	keys, err := NewLocalBucket(filepath.Join(t.TempDir(), "absent")).List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFilesObjectNaming(t *testing.T) {
	root := t.TempDir()
	f := NewFiles(NewLocalBucket(root), logger.Nop(), nil)
	f.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	require.NoError(t, f.Append(context.Background(), []models.Record{record("a", "2025-01-02", time.Now())}))

	entries, err := os.ReadDir(filepath.Join(root, "date=2025-01-02"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "part-20250102T030405.000000000-000001-"), name)
	assert.True(t, strings.HasSuffix(name, ".ndjson.gz"), name)
}
