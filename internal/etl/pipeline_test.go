package etl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtract struct {
	calls int
	full  []bool
	errs  []error
	n     int
	trace *[]string
}

func (f *fakeExtract) Extract(_ context.Context, full bool) (int, error) {
	f.calls++
	f.full = append(f.full, full)
	*f.trace = append(*f.trace, "extract")
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.n, nil
}

type fakeLoad struct {
	calls    int
	refresh  []bool
	errs     []error
	statsErr error
	trace    *[]string
}

func (f *fakeLoad) Load(_ context.Context, fullRefresh bool) (*LoadReport, error) {
	f.calls++
	f.refresh = append(f.refresh, fullRefresh)
	*f.trace = append(*f.trace, "load")
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &LoadReport{Rows: 2, Total: 10}, nil
}

func (f *fakeLoad) Stats(context.Context) (*TableStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &TableStats{Rows: 10}, nil
}

type fakeTransform struct {
	calls    int
	selector string
	refresh  bool
	errs     []error
	trace    *[]string
}

func (f *fakeTransform) Run(_ context.Context, fullRefresh bool, selector string) (string, error) {
	f.calls++
	f.refresh, f.selector = fullRefresh, selector
	*f.trace = append(*f.trace, "transform")
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "OK", nil
}

type traceCoordinator struct{ trace *[]string }

func (c traceCoordinator) Suspend(context.Context) bool {
	*c.trace = append(*c.trace, "suspend")
	return true
}

func (c traceCoordinator) Resume(context.Context) { *c.trace = append(*c.trace, "resume") }

type pipelineFixture struct {
	p     *Pipeline
	ext   *fakeExtract
	load  *fakeLoad
	tr    *fakeTransform
	trace *[]string
	waits *[]time.Duration
}

func newPipelineFixture() *pipelineFixture {
	trace := &[]string{}
	timer := &recordingTimer{}
	f := &pipelineFixture{
		ext:   &fakeExtract{n: 3, trace: trace},
		load:  &fakeLoad{trace: trace},
		tr:    &fakeTransform{trace: trace},
		trace: trace,
		waits: &timer.waits,
	}
	f.p = NewPipeline(f.ext, f.load, f.tr, traceCoordinator{trace}, DefaultStepRetry(), logger.Nop(), nil)
	f.p.timer = timer
	return f
}

func TestPipelineRunsAllSteps(t *testing.T) {
	f := newPipelineFixture()
	res, err := f.p.Run(context.Background(), Options{CoordinateReaders: true, Select: "+fct_messages"})
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "suspend", "load", "transform", "resume"}, *f.trace)
	assert.Equal(t, 3, res.Extraction.Records)
	assert.Equal(t, int64(2), res.Load.Report.Rows)
	assert.Equal(t, int64(10), res.Load.Stats.Rows)
	assert.Same(t, res.Extraction, res.Load.Upstream)
	assert.Equal(t, "OK", res.Transform.Output)
	assert.Same(t, res.Load, res.Transform.Upstream)
	assert.Equal(t, "+fct_messages", f.tr.selector)
	assert.Empty(t, *f.waits)
}

func TestPipelinePassesFlags(t *testing.T) {
	f := newPipelineFixture()
	_, err := f.p.Run(context.Background(), Options{FullBackfill: true, FullRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.ext.full)
	assert.Equal(t, []bool{true}, f.load.refresh)
	assert.True(t, f.tr.refresh)
	assert.NotContains(t, *f.trace, "suspend")
}

func TestPipelineSkippedStepsAreSoftDependencies(t *testing.T) {
	f := newPipelineFixture()
	res, err := f.p.Run(context.Background(), Options{SkipExtract: true, SkipLoad: true, CoordinateReaders: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"suspend", "transform", "resume"}, *f.trace)
	assert.True(t, res.Extraction.Skipped)
	assert.True(t, res.Load.Skipped)
	assert.Same(t, res.Extraction, res.Load.Upstream)
	assert.False(t, res.Transform.Skipped)
}

func TestPipelineAllSkippedDoesNotCoordinate(t *testing.T) {
	f := newPipelineFixture()
	res, err := f.p.Run(context.Background(), Options{
		SkipExtract: true, SkipLoad: true, SkipTransform: true, CoordinateReaders: true,
	})
	require.NoError(t, err)
	assert.Empty(t, *f.trace)
	assert.True(t, res.Transform.Skipped)
}

func TestPipelineRetriesStep(t *testing.T) {
	f := newPipelineFixture()
	f.ext.errs = []error{errors.New("mongo down"), errors.New("mongo down")}

	res, err := f.p.Run(context.Background(), Options{SkipLoad: true, SkipTransform: true})
	require.NoError(t, err)
	assert.Equal(t, 3, f.ext.calls)
	assert.Equal(t, 3, res.Extraction.Records)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, *f.waits)
}

func TestPipelineExtractFailureStopsRun(t *testing.T) {
	f := newPipelineFixture()
	boom := errors.New("mongo down")
	f.ext.errs = []error{boom, boom, boom, boom}

	res, err := f.p.Run(context.Background(), Options{CoordinateReaders: true})

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepExtract, stepErr.Step)
	assert.Equal(t, 4, stepErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.load.calls)
	assert.NotContains(t, *f.trace, "suspend")
	assert.True(t, res.Extraction.Skipped)
	assert.Nil(t, res.Load)
}

func TestPipelineTransformFailureKeepsLoad(t *testing.T) {
	f := newPipelineFixture()
	boom := errors.New("dbt exited with code 1")
	f.tr.errs = []error{boom, boom, boom}

	res, err := f.p.Run(context.Background(), Options{CoordinateReaders: true})

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepTransform, stepErr.Step)
	assert.Equal(t, 3, f.tr.calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, *f.waits)
	assert.Equal(t, "resume", (*f.trace)[len(*f.trace)-1])
	require.NotNil(t, res.Load.Report)
	assert.Equal(t, int64(2), res.Load.Report.Rows)
	assert.True(t, res.Transform.Skipped)
}

func TestPipelineStatsFailureIsNotFatal(t *testing.T) {
	f := newPipelineFixture()
	f.load.statsErr = errors.New("no table")
	res, err := f.p.Run(context.Background(), Options{SkipExtract: true, SkipTransform: true})
	require.NoError(t, err)
	assert.NotNil(t, res.Load.Report)
	assert.Nil(t, res.Load.Stats)
}

func TestPipelineLastDelayRepeats(t *testing.T) {
	f := newPipelineFixture()
	f.p.Retry = StepRetry{Load: 4, Delays: []time.Duration{time.Second, 2 * time.Second}}
	boom := errors.New("io")
	f.load.errs = []error{boom, boom, boom, boom}

	_, err := f.p.Run(context.Background(), Options{SkipExtract: true, SkipTransform: true})
	require.NoError(t, err)
	assert.Equal(t, 5, f.load.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, *f.waits)
}

func TestPipelineCancelledStopsRetrying(t *testing.T) {
	f := newPipelineFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.ext.errs = []error{context.Canceled}
	cancel()

	_, err := f.p.Run(ctx, Options{})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Attempts)
	assert.Empty(t, *f.waits)
}

// cancellingTimer cancels the run instead of ever firing.
type cancellingTimer struct{ cancel context.CancelFunc }

func (c cancellingTimer) Start(time.Duration) { c.cancel() }
func (c cancellingTimer) Stop()               {}
func (c cancellingTimer) C() <-chan time.Time { return nil }

func TestPipelineCancelledDuringWaitKeepsStepError(t *testing.T) {
	f := newPipelineFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.p.timer = cancellingTimer{cancel}
	boom := errors.New("mongo down")
	f.ext.errs = []error{boom}

	_, err := f.p.Run(ctx, Options{})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.ext.calls)
}
