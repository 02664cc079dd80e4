// Package coord pauses the processes that read the analytical store while
// the sync engine writes to it.
package coord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/shell"
)

// Coordinator suspends and resumes external readers. Both calls are
// best-effort: failures are logged, never returned.
type Coordinator interface {
	Suspend(ctx context.Context) bool
	Resume(ctx context.Context)
}

// WithReadersSuspended runs fn between Suspend and Resume. Resume always
// runs, even when fn fails or ctx is cancelled.
func WithReadersSuspended(ctx context.Context, c Coordinator, fn func(context.Context) error) error {
	if c == nil {
		c = Noop{}
	}
	c.Suspend(ctx)
	defer c.Resume(context.WithoutCancel(ctx))
	return fn(ctx)
}

type Noop struct{}

func (Noop) Suspend(context.Context) bool { return true }
func (Noop) Resume(context.Context)       {}

var DefaultContainers = []string{"metabase", "dbt-docs"}

const (
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 2 * time.Second
)

// Docker stops and starts reader containers through the docker CLI.
type Docker struct {
	Containers []string
	Timeout    time.Duration
	Settle     time.Duration
	Runner     shell.Runner
	Log        *logger.Logger
	Metrics    *metrics.Registry

	once        sync.Once
	unavailable bool
	sleep       func(ctx context.Context, d time.Duration)
}

func NewDocker(containers []string, log *logger.Logger, m *metrics.Registry) *Docker {
	if len(containers) == 0 {
		containers = DefaultContainers
	}
	return &Docker{
		Containers: containers,
		Timeout:    DefaultTimeout,
		Settle:     DefaultSettle,
		Runner:     shell.ExecRunner{},
		Log:        log,
		Metrics:    m,
	}
}

// Suspend stops every container and waits for locks to be released. It
// reports whether all containers are down (or did not exist).
func (d *Docker) Suspend(ctx context.Context) bool {
	d.Log.Infof("Pausing readers to release the analytical store lock...")
	ok := d.signal(ctx, "stop")
	if ok && d.Settle > 0 {
		d.wait(ctx, d.Settle)
	}
	return ok
}

func (d *Docker) Resume(ctx context.Context) {
	d.Log.Infof("Resuming readers...")
	d.signal(ctx, "start")
}

func (d *Docker) signal(ctx context.Context, action string) bool {
	if d.unavailable {
		return false
	}
	ok := true
	for _, name := range d.Containers {
		res, err := d.run(ctx, action, name)
		switch {
		case shell.IsNotFound(err):
			d.once.Do(func() {
				d.Log.Warnf("docker CLI not found, reader coordination disabled")
			})
			d.unavailable = true
			d.Metrics.ReaderSignal(action, false)
			return false
		case errors.Is(err, context.DeadlineExceeded):
			d.Log.Warnf("docker %s %s timed out", action, name)
			ok = false
		case err != nil:
			d.Log.Warnf("Failed to %s container %s: %v", action, name, err)
			ok = false
		case res.ExitCode != 0:
			d.Log.Warnf("docker %s %s: %s", action, name, strings.TrimSpace(res.Stderr))
			if !strings.Contains(res.Stderr, "No such container") {
				ok = false
			}
		default:
			d.Log.Infof("docker %s %s: done", action, name)
		}
		d.Metrics.ReaderSignal(action, err == nil && res.ExitCode == 0)
	}
	return ok
}

func (d *Docker) run(ctx context.Context, action, name string) (shell.Result, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d.Log.Debugf("Running: docker %s %s", action, name)
	return d.Runner.Run(runCtx, "", "docker", action, name)
}

func (d *Docker) wait(ctx context.Context, dur time.Duration) {
	if d.sleep != nil {
		d.sleep(ctx, dur)
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
