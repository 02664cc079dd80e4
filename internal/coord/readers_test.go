package coord

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   []string
	results map[string]shell.Result
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (shell.Result, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if err := f.errs[call]; err != nil {
		return shell.Result{ExitCode: -1}, err
	}
	return f.results[call], nil
}

func newTestDocker(r shell.Runner) (*Docker, *[]time.Duration) {
	d := NewDocker(nil, logger.Nop(), nil)
	d.Runner = r
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) { slept = append(slept, dur) }
	return d, &slept
}

func TestDockerSuspendResume(t *testing.T) {
	r := &fakeRunner{}
	d, slept := newTestDocker(r)

	assert.True(t, d.Suspend(context.Background()))
	d.Resume(context.Background())

	assert.Equal(t, []string{
		"docker stop metabase", "docker stop dbt-docs",
		"docker start metabase", "docker start dbt-docs",
	}, r.calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestDockerToleratesMissingContainer(t *testing.T) {
	r := &fakeRunner{results: map[string]shell.Result{
		"docker stop dbt-docs": {ExitCode: 1, Stderr: "Error response from daemon: No such container: dbt-docs"},
	}}
	d, slept := newTestDocker(r)
	assert.True(t, d.Suspend(context.Background()))
	assert.Len(t, *slept, 1)
}

func TestDockerFailureIsSoft(t *testing.T) {
	r := &fakeRunner{
		results: map[string]shell.Result{"docker stop metabase": {ExitCode: 1, Stderr: "permission denied"}},
		errs:    map[string]error{"docker stop dbt-docs": context.DeadlineExceeded},
	}
	d, slept := newTestDocker(r)
	assert.False(t, d.Suspend(context.Background()))
	assert.Empty(t, *slept)
	assert.Len(t, r.calls, 2)
}

func TestDockerMissingCLIDisablesCoordination(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{
		"docker stop metabase": &exec.Error{Name: "docker", Err: exec.ErrNotFound},
	}}
	d, _ := newTestDocker(r)

	assert.False(t, d.Suspend(context.Background()))
	d.Resume(context.Background())
	assert.Equal(t, []string{"docker stop metabase"}, r.calls)
}

type countingCoordinator struct {
	suspended, resumed int
	resumeCtxErr       error
}

func (c *countingCoordinator) Suspend(context.Context) bool { c.suspended++; return true }
func (c *countingCoordinator) Resume(ctx context.Context) {
	c.resumed++
	c.resumeCtxErr = ctx.Err()
}

func TestWithReadersSuspendedResumesOnError(t *testing.T) {
	c := &countingCoordinator{}
	boom := errors.New("load failed")
	err := WithReadersSuspended(context.Background(), c, func(context.Context) error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, 1, c.suspended)
	assert.Equal(t, 1, c.resumed)
}

func TestWithReadersSuspendedResumesAfterCancel(t *testing.T) {
	c := &countingCoordinator{}
	ctx, cancel := context.WithCancel(context.Background())
	err := WithReadersSuspended(ctx, c, func(context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.resumed)
	assert.NoError(t, c.resumeCtxErr)
}

func TestWithReadersSuspendedResumesOnPanic(t *testing.T) {
	c := &countingCoordinator{}
	assert.Panics(t, func() {
		_ = WithReadersSuspended(context.Background(), c, func(context.Context) error {
			panic(fmt.Sprintf("unexpected %d", 1))
		})
	})
	assert.Equal(t, 1, c.resumed)
}

func TestNoop(t *testing.T) {
	ran := false
	require.NoError(t, WithReadersSuspended(context.Background(), nil, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
