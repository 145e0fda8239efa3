// Package batch drives a multi-unit provisioning run against the build state
// tracker, checkpointing after every unit so an interrupted run can resume.
package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/relicta-tech/wtguard/internal/buildstate"
	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/observability"
)

// Result is the outcome a Work function reports for a unit.
type Result int

const (
	// Done marks the unit as completed.
	Done Result = iota
	// Skip removes the unit from the run without completing it.
	Skip
)

// Work performs one unit. A non-nil error fails the unit and stops the run.
type Work func(ctx context.Context, unit string) (Result, error)

// Plan describes a batch run.
type Plan struct {
	IntegrationBranch string
	// Units are the unit descriptions in execution order. On resume the
	// persisted remaining units take precedence.
	Units []string
	// RetryFailed re-runs the previously failed unit before the remaining
	// ones. Without it the failed unit is recorded as skipped.
	RetryFailed bool
	// DiscardInvalid clears a corrupted or stale record instead of
	// returning the load error.
	DiscardInvalid bool
}

// Summary reports what a Run did.
type Summary struct {
	Resumed   bool `json:"resumed"`
	Discarded bool `json:"discarded"`
	// Processed lists the units handed to Work during this run.
	Processed []string `json:"processed"`
	Completed []string `json:"completed"`
	Skipped   []string `json:"skipped,omitempty"`
	Failed    string   `json:"failed,omitempty"`
}

// Tracker is the subset of buildstate.Tracker the runner needs.
type Tracker interface {
	Load(ctx context.Context) (*buildstate.Record, error)
	Save(ctx context.Context, snap buildstate.Snapshot) error
	Clear(ctx context.Context) error
}

// Runner executes plans.
type Runner struct {
	tracker Tracker
	logger  *log.Logger
	metrics observability.Recorder
	runLock string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the recorder for phase transitions.
func WithMetrics(m observability.Recorder) Option {
	return func(r *Runner) {
		r.metrics = observability.OrNoop(m)
	}
}

// NewRunner creates a Runner backed by tracker.
func NewRunner(tracker Tracker, opts ...Option) *Runner {
	r := &Runner{
		tracker: tracker,
		logger:  log.New(io.Discard),
		metrics: observability.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type progress struct {
	branch    string
	total     int
	completed []string
	skipped   []string
	queue     []string
}

func (p *progress) snapshot(failed string, next int) buildstate.Snapshot {
	return buildstate.Snapshot{
		IntegrationBranch: p.branch,
		TotalUnits:        p.total,
		Completed:         p.completed,
		Failed:            failed,
		Remaining:         p.queue[next:],
		Skipped:           p.skipped,
	}
}

// Run executes plan, resuming from a persisted record for the same
// integration branch when one exists. A failing unit stops the run with an
// error matching errors.ErrUnitFailed and the record is kept for resume. A
// run that finishes every unit clears the record.
func (r *Runner) Run(ctx context.Context, plan Plan, work Work) (*Summary, error) {
	const op = "batch.Run"

	if err := validatePlan(plan); err != nil {
		return nil, errors.ValidationWrap(err, op, "invalid batch plan")
	}

	if r.runLock != "" {
		unlock, err := lockRun(r.runLock)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	summary := &Summary{}
	prog, machine, err := r.prepare(ctx, plan, summary)
	if err != nil {
		return nil, err
	}

	// Checkpoints for finished work are written even after cancellation.
	saveCtx := context.WithoutCancel(ctx)
	if err := r.tracker.Save(saveCtx, prog.snapshot("", 0)); err != nil {
		return nil, err
	}

	for i, unit := range prog.queue {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("batch interrupted", "unit", unit, "remaining", len(prog.queue)-i)
			return r.finish(summary, prog), err
		}

		summary.Processed = append(summary.Processed, unit)
		r.logger.Info("running unit", "unit", unit, "position", i+1, "of", len(prog.queue))

		res, workErr := work(ctx, unit)
		if workErr != nil {
			if err := r.tracker.Save(saveCtx, prog.snapshot(unit, i+1)); err != nil {
				return nil, err
			}
			if err := machine.Fire(buildstate.EventUnitFailed); err != nil {
				return nil, errors.InternalWrap(err, op, "phase machine rejected unit failure")
			}
			summary.Failed = unit
			r.logger.Error("unit failed", "unit", unit, "err", workErr)
			return r.finish(summary, prog), errors.From(errors.ErrUnitFailed, op,
				fmt.Sprintf("unit %q failed", unit), workErr).WithDetail("unit", unit)
		}

		if res == Skip {
			prog.skipped = append(prog.skipped, unit)
		} else {
			prog.completed = append(prog.completed, unit)
		}
		if err := r.tracker.Save(saveCtx, prog.snapshot("", i+1)); err != nil {
			return nil, err
		}
		if err := machine.Fire(buildstate.EventUnitDone); err != nil {
			return nil, errors.InternalWrap(err, op, "phase machine rejected unit completion")
		}
	}

	if err := machine.Fire(buildstate.EventFinish); err != nil {
		return nil, errors.InternalWrap(err, op, "phase machine rejected finish")
	}
	if err := r.tracker.Clear(saveCtx); err != nil {
		return nil, err
	}
	r.logger.Info("batch complete", "completed", len(prog.completed), "skipped", len(prog.skipped))
	return r.finish(summary, prog), nil
}

// prepare loads the persisted record and decides whether to resume.
func (r *Runner) prepare(ctx context.Context, plan Plan, summary *Summary) (*progress, *buildstate.Machine, error) {
	const op = "batch.Run"

	rec, err := r.tracker.Load(ctx)
	switch {
	case err == nil:
		if rec.IntegrationBranch != plan.IntegrationBranch {
			return nil, nil, errors.Newf(errors.KindConflict,
				"build state belongs to integration branch %q", rec.IntegrationBranch).
				WithDetail("integration_branch", rec.IntegrationBranch)
		}
		return r.resume(rec, plan, summary)

	case stderrors.Is(err, errors.ErrStateNotFound):

	case stderrors.Is(err, errors.ErrStateCorrupted), stderrors.Is(err, errors.ErrStateStale):
		if !plan.DiscardInvalid {
			return nil, nil, err
		}
		if rec != nil {
			if m, mErr := buildstate.RestoreMachine(rec, r.metrics); mErr == nil && m.Can(buildstate.EventDiscard) {
				_ = m.Fire(buildstate.EventDiscard)
			}
		}
		if err := r.tracker.Clear(ctx); err != nil {
			return nil, nil, err
		}
		summary.Discarded = true
		r.logger.Warn("discarded unusable build state", "err", errors.RedactError(err))

	default:
		return nil, nil, errors.StateWrap(err, op, "failed to load build state")
	}

	machine, err := buildstate.NewMachine(r.metrics)
	if err != nil {
		return nil, nil, errors.InternalWrap(err, op, "failed to create phase machine")
	}
	if err := machine.Fire(buildstate.EventStart); err != nil {
		return nil, nil, errors.InternalWrap(err, op, "phase machine rejected start")
	}
	return &progress{
		branch:    plan.IntegrationBranch,
		total:     len(plan.Units),
		completed: []string{},
		queue:     slices.Clone(plan.Units),
	}, machine, nil
}

func (r *Runner) resume(rec *buildstate.Record, plan Plan, summary *Summary) (*progress, *buildstate.Machine, error) {
	const op = "batch.Run"

	machine, err := buildstate.RestoreMachine(rec, r.metrics)
	if err != nil {
		return nil, nil, errors.InternalWrap(err, op, "failed to restore phase machine")
	}

	prog := &progress{
		branch:    rec.IntegrationBranch,
		total:     rec.TotalUnits,
		completed: slices.Clone(rec.Completed),
		skipped:   slices.Clone(rec.Skipped),
		queue:     slices.Clone(rec.Remaining),
	}

	switch machine.Phase() {
	case buildstate.PhaseFailed:
		failed := rec.FailedUnit()
		if plan.RetryFailed {
			prog.queue = append([]string{failed}, prog.queue...)
			r.logger.Info("retrying failed unit", "unit", failed)
		} else {
			prog.skipped = append(prog.skipped, failed)
			r.logger.Warn("skipping previously failed unit", "unit", failed)
		}
		if err := machine.Fire(buildstate.EventResume); err != nil {
			return nil, nil, errors.InternalWrap(err, op, "phase machine rejected resume")
		}
	case buildstate.PhaseCompleted:
		// Nothing left; the record was not cleared by the previous run.
		machine, err = buildstate.NewMachine(r.metrics)
		if err != nil {
			return nil, nil, errors.InternalWrap(err, op, "failed to create phase machine")
		}
		if err := machine.Fire(buildstate.EventStart); err != nil {
			return nil, nil, errors.InternalWrap(err, op, "phase machine rejected start")
		}
	}

	summary.Resumed = true
	r.logger.Info("resuming batch", "integration_branch", rec.IntegrationBranch,
		"completed", len(prog.completed), "remaining", len(prog.queue))
	return prog, machine, nil
}

func (r *Runner) finish(summary *Summary, prog *progress) *Summary {
	summary.Completed = slices.Clone(prog.completed)
	summary.Skipped = slices.Clone(prog.skipped)
	return summary
}

func validatePlan(plan Plan) error {
	if plan.IntegrationBranch == "" {
		return fmt.Errorf("integration branch is required")
	}
	seen := make(map[string]bool, len(plan.Units))
	for _, u := range plan.Units {
		if u == "" {
			return fmt.Errorf("empty unit description")
		}
		if seen[u] {
			return fmt.Errorf("duplicate unit %q", u)
		}
		seen[u] = true
	}
	return nil
}
