// Package transform invokes dbt to build the analytics layer on top of the
// loaded raw table.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/shell"
)

const (
	CommandBuild = "build" // seeds, models and tests
	CommandRun   = "run"   // models only
)

type Options struct {
	Bin         string
	ProjectDir  string
	ProfilesDir string
	Target      string
	Command     string
}

// Error is returned when dbt exits non-zero.
type Error struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = lastLines(e.Stdout, 20)
	}
	return fmt.Sprintf("dbt exited with code %d: %s", e.ExitCode, detail)
}

type Runner struct {
	opts  Options
	shell shell.Runner
	log   *logger.Logger
}

func NewRunner(opts Options, sh shell.Runner, log *logger.Logger) *Runner {
	if opts.Bin == "" {
		opts.Bin = "dbt"
	}
	if opts.Command == "" {
		opts.Command = CommandBuild
	}
	if sh == nil {
		sh = shell.ExecRunner{}
	}
	return &Runner{opts: opts, shell: sh, log: log}
}

// WithCommand returns a copy of r running a different dbt subcommand.
func (r *Runner) WithCommand(command string) *Runner {
	c := *r
	c.opts.Command = command
	return &c
}

// Args is the dbt argument list for one invocation.
func (r *Runner) Args(fullRefresh bool, selector string) []string {
	args := []string{
		r.opts.Command,
		"--project-dir", r.opts.ProjectDir,
		"--profiles-dir", r.opts.ProfilesDir,
		"--target", r.opts.Target,
	}
	if fullRefresh {
		args = append(args, "--full-refresh")
	}
	if selector != "" {
		args = append(args, "--select", selector)
	}
	return args
}

// Run executes dbt in the project directory and returns its stdout.
func (r *Runner) Run(ctx context.Context, fullRefresh bool, selector string) (string, error) {
	args := r.Args(fullRefresh, selector)
	r.log.Infof("Running dbt command: %s %s", r.opts.Bin, strings.Join(args, " "))

	res, err := r.shell.Run(ctx, r.opts.ProjectDir, r.opts.Bin, args...)
	if err != nil {
		if shell.IsNotFound(err) {
			return "", fmt.Errorf("dbt not found (%s): %w", r.opts.Bin, err)
		}
		return res.Stdout, fmt.Errorf("run dbt: %w", err)
	}
	if res.ExitCode != 0 {
		r.log.Errorf("dbt %s failed:\n%s", r.opts.Command, res.Stdout)
		return res.Stdout, &Error{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	r.log.Debugf("dbt %s output:\n%s", r.opts.Command, res.Stdout)
	return res.Stdout, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
