// Package gitops runs repository-mutating git commands under the repository
// lock, recording each one in the operation log.
package gitops

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/lock"
	"github.com/relicta-tech/wtguard/internal/observability"
	"github.com/relicta-tech/wtguard/internal/oplog"
)

// Operation is a single repository mutation.
type Operation struct {
	// Name labels the operation in metrics, e.g. "branch-create".
	Name string
	// Program defaults to "git".
	Program string
	Args    []string
}

// Description renders the operation for the log, e.g. "git branch feature".
func (o Operation) Description() string {
	prog := o.Program
	if prog == "" {
		prog = "git"
	}
	if len(o.Args) == 0 {
		return prog
	}
	return prog + " " + strings.Join(o.Args, " ")
}

func (o Operation) label() string {
	if o.Name != "" {
		return o.Name
	}
	if len(o.Args) > 0 {
		return o.Args[0]
	}
	return "unknown"
}

// Runner wraps repository mutations with the lock and the operation log.
type Runner struct {
	dir      string
	locks    *lock.Manager
	log      *oplog.Log
	executor Executor
	logger   *log.Logger
	metrics  observability.Recorder
	stdout   io.Writer
	stderr   io.Writer
	verbose  bool
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the process executor.
func WithExecutor(e Executor) Option {
	return func(r *Runner) {
		if e != nil {
			r.executor = e
		}
	}
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Recorder) Option {
	return func(r *Runner) { r.metrics = observability.OrNoop(m) }
}

// WithOutput sets where live output (verbose) or failure output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		if stdout != nil {
			r.stdout = stdout
		}
		if stderr != nil {
			r.stderr = stderr
		}
	}
}

// WithVerbose makes the convenience mutations stream their output.
func WithVerbose(v bool) Option {
	return func(r *Runner) { r.verbose = v }
}

// WithClock overrides the clock used for stash labels.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner creates a Runner operating in the worktree at dir.
func NewRunner(dir string, locks *lock.Manager, opLog *oplog.Log, opts ...Option) *Runner {
	r := &Runner{
		dir:      dir,
		locks:    locks,
		log:      opLog,
		executor: NewExecExecutor(),
		logger:   log.New(io.Discard),
		metrics:  observability.Noop{},
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs op under the repository lock and returns its exit status.
//
// A lock timeout or an unwritable stale lock is returned without running op.
// When the lock resource is unavailable altogether, op runs unlocked after a
// warning. A non-zero exit status is returned together with an error matching
// errors.ErrOperationFailed. Once the lock is held op runs to completion even
// if ctx is canceled.
func (r *Runner) Execute(ctx context.Context, op Operation, verbose bool) (int, error) {
	desc := op.Description()
	r.record(oplog.EventAcquiring, desc)

	h, err := r.locks.Acquire(ctx)
	switch {
	case err == nil:
		r.record(oplog.EventAcquired, desc)
	case stderrors.Is(err, errors.ErrLockUnavailable):
		r.logger.Warn("lock unavailable, running without mutual exclusion", "operation", desc, "error", err)
		r.record(oplog.EventFailed, desc+" (lock unavailable, running unlocked)")
	default:
		r.record(oplog.EventFailed, fmt.Sprintf("%s (%v)", desc, err))
		return ExitNotStarted, err
	}

	status, runErr := r.run(context.WithoutCancel(ctx), op, verbose)

	// The released entry must precede the actual release so that log order
	// reflects lock ownership.
	r.recordExit(desc, status)
	if h != nil {
		if relErr := h.Release(); relErr != nil {
			r.logger.Warn("failed to release lock", "path", h.Path, "error", relErr)
		}
	}

	return status, runErr
}

func (r *Runner) run(ctx context.Context, op Operation, verbose bool) (int, error) {
	const opName = "gitops.Execute"

	prog := op.Program
	if prog == "" {
		prog = "git"
	}

	var outBuf, errBuf bytes.Buffer
	cmd := Command{Dir: r.dir, Program: prog, Args: op.Args, Stdout: &outBuf, Stderr: &errBuf}
	if verbose {
		cmd.Stdout, cmd.Stderr = r.stdout, r.stderr
	}

	start := time.Now()
	status, err := r.executor.Run(ctx, cmd)
	took := time.Since(start)

	if err != nil {
		r.metrics.ObserveOperation(op.label(), observability.OutcomeFailure, took)
		r.echo(verbose, &outBuf, &errBuf)
		return status, errors.From(errors.ErrOperationFailed, opName,
			fmt.Sprintf("%s could not be run", op.Description()), errors.RedactError(err))
	}
	if status != 0 {
		r.metrics.ObserveOperation(op.label(), observability.OutcomeFailure, took)
		r.echo(verbose, &outBuf, &errBuf)
		return status, errors.From(errors.ErrOperationFailed, opName,
			fmt.Sprintf("%s exited with status %d", op.Description(), status), nil).
			WithDetail("exit_status", status).
			WithDetail("stderr", errors.RedactSensitive(strings.TrimSpace(errBuf.String())))
	}

	r.metrics.ObserveOperation(op.label(), observability.OutcomeSuccess, took)
	return 0, nil
}

// echo replays captured output on failure. Verbose runs already streamed it.
func (r *Runner) echo(verbose bool, stdout, stderr *bytes.Buffer) {
	if verbose {
		return
	}
	for _, b := range []*bytes.Buffer{stdout, stderr} {
		if b.Len() == 0 {
			continue
		}
		_, _ = io.WriteString(r.stderr, errors.RedactSensitive(b.String()))
	}
}

func (r *Runner) record(event oplog.Event, desc string) {
	if r.log == nil {
		return
	}
	if err := r.log.Record(event, desc); err != nil {
		r.logger.Warn("operation log write failed", "event", event, "error", err)
	}
}

func (r *Runner) recordExit(desc string, status int) {
	if r.log == nil {
		return
	}
	if err := r.log.RecordExit(oplog.EventReleased, desc, status); err != nil {
		r.logger.Warn("operation log write failed", "event", oplog.EventReleased, "error", err)
	}
}
