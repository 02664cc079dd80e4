package etl

import (
	"context"
	"time"
)

// DocumentCursor is the subset of *mongo.Cursor the extractor consumes.
type DocumentCursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Source yields documents with an ingestion time strictly after since (all
// documents when since is nil), sorted ascending by ingestion time.
type Source interface {
	Find(ctx context.Context, since *time.Time, batchSize int) (DocumentCursor, error)
}

type Watermark interface {
	Get() *time.Time
	Set(t time.Time) error
}

// The pipeline drives its steps through these.

type ExtractStep interface {
	Extract(ctx context.Context, full bool) (int, error)
}

type LoadStep interface {
	Load(ctx context.Context, fullRefresh bool) (*LoadReport, error)
	Stats(ctx context.Context) (*TableStats, error)
}

type TransformStep interface {
	Run(ctx context.Context, fullRefresh bool, selector string) (string, error)
}
