package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/internal/staging"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
)

const DefaultBatchSize = 10000

type ExtractorOptions struct {
	BatchSize      int // cursor fetch hint
	WriteBatchSize int // records per intermediate storage append
}

// Extractor copies new source documents into intermediate storage and
// advances the watermark once everything read has been stored.
type Extractor struct {
	source     Source
	store      staging.Store
	watermark  Watermark
	normalizer *Normalizer
	opts       ExtractorOptions
	log        *logger.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewExtractor(source Source, store staging.Store, wm Watermark, opts ExtractorOptions, log *logger.Logger, m *metrics.Registry) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteBatchSize <= 0 {
		opts.WriteBatchSize = opts.BatchSize
	}
	return &Extractor{
		source:     source,
		store:      store,
		watermark:  wm,
		normalizer: NewNormalizer(log),
		opts:       opts,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Extract runs one extraction pass and returns the number of documents
// written. With full set the watermark is ignored (but still advanced).
func (e *Extractor) Extract(ctx context.Context, full bool) (int, error) {
	var since *time.Time
	if !full {
		since = e.watermark.Get()
	}
	if since != nil {
		e.log.Infof("Incremental extraction from %s", since.Format(time.RFC3339Nano))
	} else {
		e.log.Infof("Full extraction")
	}

	extractedAt := e.now().UTC()

	cursor, err := e.source.Find(ctx, since, e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query source: %w", err)
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	var (
		batch      = make([]models.Record, 0, e.opts.WriteBatchSize)
		maxSeen    *time.Time
		count      int
		outOfOrder int
	)

	// 1. Stream, normalize and flush in write batches
	for cursor.Next(ctx) {
		var doc bson.M
		// The watermark must not pass a document that never reached storage.
		if err := cursor.Decode(&doc); err != nil {
			return count, fmt.Errorf("decode source document: %w", err)
		}

		rec := e.normalizer.Normalize(doc, extractedAt)
		batch = append(batch, rec)

		if ing := rec.IngestedAt; ing != nil {
			if maxSeen != nil && ing.Before(*maxSeen) {
				outOfOrder++
				e.log.Warnf("Document %s ingested at %s, earlier than %s already seen",
					rec.ID, ing.Format(time.RFC3339Nano), maxSeen.Format(time.RFC3339Nano))
			}
			if maxSeen == nil || ing.After(*maxSeen) {
				t := *ing
				maxSeen = &t
			}
		}

		if len(batch) >= e.opts.WriteBatchSize {
			if err := e.flush(ctx, batch); err != nil {
				return count, err
			}
			count += len(batch)
			e.log.Infof("Flushed batch, %d records so far", count)
			batch = batch[:0]
		}
	}
	if err := cursor.Err(); err != nil {
		return count, fmt.Errorf("read source cursor: %w", err)
	}

	// 2. Remainder
	if len(batch) > 0 {
		if err := e.flush(ctx, batch); err != nil {
			return count, err
		}
		count += len(batch)
	}

	e.metrics.RecordsExtracted(count)
	e.metrics.OutOfOrder(outOfOrder)
	if outOfOrder > 0 {
		e.log.Warnf("%d documents arrived with out-of-order ingestion times", outOfOrder)
	}

	// 3. Watermark moves only after every batch is stored
	if maxSeen != nil {
		if err := e.watermark.Set(*maxSeen); err != nil {
			return count, fmt.Errorf("update watermark: %w", err)
		}
		e.metrics.Watermark(*maxSeen)
	}

	e.log.Infof("Extraction complete: %d records", count)
	return count, nil
}

func (e *Extractor) flush(ctx context.Context, batch []models.Record) error {
	if err := e.store.Append(ctx, batch); err != nil {
		return fmt.Errorf("write to intermediate storage: %w", err)
	}
	return nil
}
