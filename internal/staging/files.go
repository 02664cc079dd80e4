package staging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const (
	partitionPrefix = "date="
	partSuffix      = ".ndjson.gz"
	stampLayout     = "20060102T150405.000000000"
	maxLineBytes    = 64 << 20
)

var _ Store = (*Files)(nil)

// Files keeps each partition unit as one gzip NDJSON object:
// date=YYYY-MM-DD/part-<stamp>-<seq>-<id>.ndjson.gz. Object names sort in
// write order, which is the order Scan replays them in.
type Files struct {
	bucket  Bucket
	log     *logger.Logger
	metrics *metrics.Registry
	now     func() time.Time
	seq     atomic.Int64
}

func NewFiles(bucket Bucket, log *logger.Logger, m *metrics.Registry) *Files {
	return &Files{bucket: bucket, log: log, metrics: m, now: time.Now}
}

// Append writes one object per partition date present in records.
func (f *Files) Append(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	stamp := f.now().UTC().Format(stampLayout)
	dates, groups := groupByPartition(records)
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encodePart(groups[date])
		if err != nil {
			return &StorageError{Op: "encode", Location: date, Err: err}
		}
		key := fmt.Sprintf("%s%s/part-%s-%06d-%s%s",
			partitionPrefix, date, stamp, f.seq.Add(1), uuid.NewString(), partSuffix)
		err = f.bucket.Put(ctx, key, data)
		f.metrics.StorageOp("put", err)
		if err != nil {
			return &StorageError{Op: "put", Location: key, Err: err}
		}
		f.log.Debugf("Wrote %d records to %s", len(groups[date]), key)
	}
	f.log.Infof("Appended %d records across %d partitions", len(records), len(dates))
	return nil
}

func (f *Files) Scan(ctx context.Context, fn func(models.Record) error) error {
	keys, err := f.parts(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.scanPart(ctx, key, fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *Files) scanPart(ctx context.Context, key string, fn func(models.Record) error) error {
	rc, err := f.bucket.Get(ctx, key)
	f.metrics.StorageOp("get", err)
	if err != nil {
		return &StorageError{Op: "get", Location: key, Err: err}
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return &StorageError{Op: "read", Location: key, Err: err}
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return &StorageError{Op: "decode", Location: key, Err: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &StorageError{Op: "read", Location: key, Err: err}
	}
	return nil
}

func (f *Files) Info(ctx context.Context) (*Info, error) {
	keys, err := f.parts(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{Backend: "files", Location: f.bucket.Location()}
	byDate := make(map[string]*PartitionInfo)
	for _, key := range keys {
		date := partitionOf(key)
		p, ok := byDate[date]
		if !ok {
			p = &PartitionInfo{Date: date}
			byDate[date] = p
		}
		n := int64(0)
		if err := f.scanPart(ctx, key, func(models.Record) error { n++; return nil }); err != nil {
			return nil, err
		}
		p.Units++
		p.Records += n
		info.Records += n
	}
	for _, p := range byDate {
		info.Partitions = append(info.Partitions, *p)
	}
	sort.Slice(info.Partitions, func(i, j int) bool { return info.Partitions[i].Date < info.Partitions[j].Date })
	return info, nil
}

func (f *Files) Close() error { return nil }

// parts lists partition objects ordered by object name, not by partition.
func (f *Files) parts(ctx context.Context) ([]string, error) {
	keys, err := f.bucket.List(ctx, partitionPrefix)
	f.metrics.StorageOp("list", err)
	if err != nil {
		return nil, &StorageError{Op: "list", Location: f.bucket.Location(), Err: err}
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, partSuffix) {
			out = append(out, k)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return path.Base(out[i]) < path.Base(out[j]) })
	return out, nil
}

func partitionOf(key string) string {
	dir := path.Dir(key)
	return strings.TrimPrefix(dir, partitionPrefix)
}

func encodePart(records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
