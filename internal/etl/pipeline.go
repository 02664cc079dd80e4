package etl

import (
	"context"
	"errors"
	"time"

	"github.com/BartekS5/convsync/internal/coord"
	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

const (
	StepExtract   = "extract"
	StepLoad      = "load"
	StepTransform = "transform"
)

type Options struct {
	FullBackfill      bool // ignore the watermark
	FullRefresh       bool // rebuild the table and dbt models
	SkipExtract       bool
	SkipLoad          bool
	SkipTransform     bool
	Select            string // dbt selector
	CoordinateReaders bool
}

type ExtractionResult struct {
	Skipped bool
	Records int
}

type LoadResult struct {
	Skipped  bool
	Report   *LoadReport
	Stats    *TableStats
	Upstream *ExtractionResult
}

type TransformResult struct {
	Skipped  bool
	Output   string
	Upstream *LoadResult
}

type Result struct {
	Extraction *ExtractionResult
	Load       *LoadResult
	Transform  *TransformResult
	Duration   time.Duration
}

// StepRetry sets how often each step is retried after a failure. Delays are
// used in order; the last one repeats.
type StepRetry struct {
	Extract   int
	Load      int
	Transform int
	Delays    []time.Duration
}

func DefaultStepRetry() StepRetry {
	return StepRetry{
		Extract:   3,
		Load:      3,
		Transform: 2,
		Delays:    []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
	}
}

// NoStepRetry runs every step exactly once.
func NoStepRetry() StepRetry { return StepRetry{} }

func (r StepRetry) delay(i int) time.Duration {
	if len(r.Delays) == 0 {
		return 0
	}
	if i >= len(r.Delays) {
		return r.Delays[len(r.Delays)-1]
	}
	return r.Delays[i]
}

// Pipeline runs extract, load and transform in order. Later steps only
// depend softly on earlier ones: a skipped step never fails the next.
type Pipeline struct {
	Extractor   ExtractStep
	Loader      LoadStep
	Transformer TransformStep
	Coordinator coord.Coordinator
	Retry       StepRetry

	log     *logger.Logger
	metrics *metrics.Registry
	timer   backoff.Timer
}

func NewPipeline(ext ExtractStep, loader LoadStep, tr TransformStep, c coord.Coordinator, retry StepRetry, log *logger.Logger, m *metrics.Registry) *Pipeline {
	if c == nil {
		c = coord.Noop{}
	}
	return &Pipeline{
		Extractor:   ext,
		Loader:      loader,
		Transformer: tr,
		Coordinator: c,
		Retry:       retry,
		log:         log,
		metrics:     m,
	}
}

// Run executes the enabled steps. On failure the partial result is returned
// together with a *StepError; completed steps are not rolled back.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{}
	p.log.Infof("Starting pipeline (backfill=%v, refresh=%v, coordinate=%v)",
		opts.FullBackfill, opts.FullRefresh, opts.CoordinateReaders)

	// 1. Extract
	res.Extraction = &ExtractionResult{Skipped: true}
	if opts.SkipExtract {
		p.log.Infof("Skipping extraction")
	} else {
		err := p.runStep(ctx, StepExtract, p.Retry.Extract, func(ctx context.Context) error {
			n, err := p.Extractor.Extract(ctx, opts.FullBackfill)
			if err != nil {
				return err
			}
			res.Extraction = &ExtractionResult{Records: n}
			return nil
		})
		if err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
	}

	// 2. Load and transform, with readers paused when either runs
	downstream := func(ctx context.Context) error {
		if err := p.load(ctx, opts, res); err != nil {
			return err
		}
		return p.transform(ctx, opts, res)
	}
	var err error
	if opts.CoordinateReaders && (!opts.SkipLoad || !opts.SkipTransform) {
		err = coord.WithReadersSuspended(ctx, p.Coordinator, downstream)
	} else {
		err = downstream(ctx)
	}

	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	p.metrics.RunSucceeded(time.Now())
	p.log.Infof("Pipeline finished in %s", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) load(ctx context.Context, opts Options, res *Result) error {
	res.Load = &LoadResult{Skipped: true, Upstream: res.Extraction}
	if opts.SkipLoad {
		p.log.Infof("Skipping load")
		return nil
	}
	return p.runStep(ctx, StepLoad, p.Retry.Load, func(ctx context.Context) error {
		report, err := p.Loader.Load(ctx, opts.FullRefresh)
		if err != nil {
			return err
		}
		lr := &LoadResult{Report: report, Upstream: res.Extraction}
		if stats, err := p.Loader.Stats(ctx); err != nil {
			p.log.Warnf("Could not read table stats: %v", err)
		} else {
			lr.Stats = stats
		}
		res.Load = lr
		return nil
	})
}

func (p *Pipeline) transform(ctx context.Context, opts Options, res *Result) error {
	res.Transform = &TransformResult{Skipped: true, Upstream: res.Load}
	if opts.SkipTransform {
		p.log.Infof("Skipping transform")
		return nil
	}
	return p.runStep(ctx, StepTransform, p.Retry.Transform, func(ctx context.Context) error {
		out, err := p.Transformer.Run(ctx, opts.FullRefresh, opts.Select)
		if err != nil {
			return err
		}
		res.Transform = &TransformResult{Output: out, Upstream: res.Load}
		return nil
	})
}

func (p *Pipeline) runStep(ctx context.Context, name string, retries int, fn func(context.Context) error) error {
	attempts := retries + 1
	if attempts < 1 {
		attempts = 1
	}
	schedule := &delaySchedule{delays: p.Retry.Delays}
	b := backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(attempts-1)), ctx)

	attempt := 0
	var stepErr error
	op := func() error {
		attempt++
		started := time.Now()
		p.log.Infof("Running %s (attempt %d/%d)", name, attempt, attempts)
		stepErr = fn(ctx)
		p.metrics.Step(name, time.Since(started), stepErr)
		return stepErr
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warnf("%s failed: %v; retrying in %s", name, err, wait)
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, p.timer)
	if err == nil {
		return nil
	}
	// A cancelled wait reports the context error; keep the step's own cause.
	if !errors.Is(err, stepErr) {
		err = errors.Join(stepErr, err)
	}
	p.log.Errorf("%s failed: %v", name, err)
	return &StepError{Step: name, Attempts: attempt, Err: err}
}
