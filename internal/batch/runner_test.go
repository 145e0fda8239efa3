package batch

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/wtguard/internal/buildstate"
	"github.com/relicta-tech/wtguard/internal/errors"
)

type branchSet map[string]bool

func (b branchSet) BranchExists(_ context.Context, name string) (bool, error) {
	return b[name], nil
}

const branch = "integration/batch-1"

func newTracker(t *testing.T, branches branchSet) *buildstate.Tracker {
	t.Helper()
	tr, err := buildstate.NewTracker(filepath.Join(t.TempDir(), buildstate.FileName), branches)
	require.NoError(t, err)
	return tr
}

// recordingWork returns a Work that fails the units in failing and records
// every call.
func recordingWork(calls *[]string, failing ...string) Work {
	return func(_ context.Context, unit string) (Result, error) {
		*calls = append(*calls, unit)
		for _, f := range failing {
			if f == unit {
				return Done, stderrors.New("provisioning failed")
			}
		}
		return Done, nil
	}
}

func TestRun_FreshSuccessClearsState(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	var calls []string

	summary, err := NewRunner(tr).Run(context.Background(), Plan{
		IntegrationBranch: branch,
		Units:             []string{"unit1", "unit2", "unit3"},
	}, recordingWork(&calls))

	require.NoError(t, err)
	assert.Equal(t, []string{"unit1", "unit2", "unit3"}, calls)
	assert.Equal(t, []string{"unit1", "unit2", "unit3"}, summary.Completed)
	assert.False(t, summary.Resumed)
	assert.NoFileExists(t, tr.Path())
}

func TestRun_UnitFailureKeepsResumableState(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx := context.Background()
	plan := Plan{IntegrationBranch: branch, Units: []string{"unit1", "unit2", "unit3"}}

	var calls []string
	summary, err := NewRunner(tr).Run(ctx, plan, recordingWork(&calls, "unit2"))

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnitFailed)
	assert.Contains(t, err.Error(), "provisioning failed")
	assert.Equal(t, []string{"unit1", "unit2"}, calls, "unit3 must not run after unit2 fails")
	assert.Equal(t, "unit2", summary.Failed)

	rec, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"unit1"}, rec.Completed)
	assert.Equal(t, "unit2", rec.FailedUnit())
	assert.Equal(t, []string{"unit3"}, rec.Remaining)
	assert.Equal(t, 3, rec.TotalUnits)
	assert.Equal(t, buildstate.PhaseFailed, rec.Phase())
}

func TestRun_ResumeSkipsFailedUnitWithoutRetry(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx := context.Background()
	plan := Plan{IntegrationBranch: branch, Units: []string{"unit1", "unit2", "unit3"}}

	var first []string
	_, err := NewRunner(tr).Run(ctx, plan, recordingWork(&first, "unit2"))
	require.Error(t, err)

	var second []string
	summary, err := NewRunner(tr).Run(ctx, plan, recordingWork(&second))
	require.NoError(t, err)

	assert.True(t, summary.Resumed)
	assert.Equal(t, []string{"unit3"}, second, "resume runs exactly the remaining unit")
	assert.Equal(t, []string{"unit1", "unit3"}, summary.Completed)
	assert.Equal(t, []string{"unit2"}, summary.Skipped, "failed unit is recorded as skipped, never dropped silently")
	assert.NoFileExists(t, tr.Path())
}

func TestRun_ResumeRetriesFailedUnit(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx := context.Background()
	plan := Plan{IntegrationBranch: branch, Units: []string{"unit1", "unit2", "unit3"}}

	var first []string
	_, err := NewRunner(tr).Run(ctx, plan, recordingWork(&first, "unit2"))
	require.Error(t, err)

	plan.RetryFailed = true
	var second []string
	summary, err := NewRunner(tr).Run(ctx, plan, recordingWork(&second))
	require.NoError(t, err)

	assert.Equal(t, []string{"unit2", "unit3"}, second)
	assert.Equal(t, []string{"unit1", "unit2", "unit3"}, summary.Completed)
	assert.Empty(t, summary.Skipped)
}

func TestRun_ResumeFromPersistedRecord(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx := context.Background()

	require.NoError(t, tr.Save(ctx, buildstate.Snapshot{
		IntegrationBranch: branch,
		TotalUnits:        5,
		Completed:         []string{"u1", "u2", "u3"},
		Failed:            "u4",
		Remaining:         []string{"u5"},
	}))

	var calls []string
	summary, err := NewRunner(tr).Run(ctx, Plan{
		IntegrationBranch: branch,
		Units:             []string{"u1", "u2", "u3", "u4", "u5"},
	}, recordingWork(&calls))

	require.NoError(t, err)
	assert.Equal(t, []string{"u5"}, calls)
	assert.Equal(t, []string{"u5"}, summary.Processed)
}

func TestRun_SkippedUnitsAreCheckpointed(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx := context.Background()

	work := func(_ context.Context, unit string) (Result, error) {
		switch unit {
		case "b":
			return Skip, nil
		case "c":
			return Done, stderrors.New("boom")
		}
		return Done, nil
	}

	_, err := NewRunner(tr).Run(ctx, Plan{IntegrationBranch: branch, Units: []string{"a", "b", "c", "d"}}, work)
	require.ErrorIs(t, err, errors.ErrUnitFailed)

	rec, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.Completed)
	assert.Equal(t, []string{"b"}, rec.Skipped)
	assert.Equal(t, "c", rec.FailedUnit())
	assert.Equal(t, []string{"d"}, rec.Remaining)
}

func TestRun_InvalidStateRequiresDiscard(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, tr *buildstate.Tracker, branches branchSet)
		want  error
	}{
		{
			name: "corrupted",
			setup: func(t *testing.T, tr *buildstate.Tracker, _ branchSet) {
				require.NoError(t, os.WriteFile(tr.Path(), []byte("{not json"), 0o644))
			},
			want: errors.ErrStateCorrupted,
		},
		{
			name: "stale",
			setup: func(t *testing.T, tr *buildstate.Tracker, branches branchSet) {
				branches["integration/old"] = true
				require.NoError(t, tr.Save(context.Background(), buildstate.Snapshot{
					IntegrationBranch: "integration/old", TotalUnits: 1, Remaining: []string{"x"},
				}))
				delete(branches, "integration/old")
			},
			want: errors.ErrStateStale,
		},
		{
			name: "lost units",
			setup: func(t *testing.T, tr *buildstate.Tracker, _ branchSet) {
				rec := `{"version":1,"run_id":"r1","timestamp":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z",` +
					`"integration_branch":"` + branch + `","total_units":5,"completed":["unit1"],"failed":null,"remaining":[]}`
				require.NoError(t, os.WriteFile(tr.Path(), []byte(rec), 0o644))
			},
			want: errors.ErrStateCorrupted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			branches := branchSet{branch: true}
			tr := newTracker(t, branches)
			tt.setup(t, tr, branches)
			plan := Plan{IntegrationBranch: branch, Units: []string{"unit1"}}

			var calls []string
			_, err := NewRunner(tr).Run(context.Background(), plan, recordingWork(&calls))
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, calls)
			assert.FileExists(t, tr.Path(), "record is kept until discard is requested")

			plan.DiscardInvalid = true
			summary, err := NewRunner(tr).Run(context.Background(), plan, recordingWork(&calls))
			require.NoError(t, err)
			assert.True(t, summary.Discarded)
			assert.Equal(t, []string{"unit1"}, calls)
		})
	}
}

func TestRun_RecordForOtherBranchConflicts(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true, "integration/other": true})
	ctx := context.Background()
	require.NoError(t, tr.Save(ctx, buildstate.Snapshot{
		IntegrationBranch: "integration/other", TotalUnits: 1, Remaining: []string{"x"},
	}))

	_, err := NewRunner(tr).Run(ctx, Plan{IntegrationBranch: branch, Units: []string{"y"}}, recordingWork(new([]string)))
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestRun_CanceledContextStopsBetweenUnits(t *testing.T) {
	tr := newTracker(t, branchSet{branch: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls []string
	work := func(_ context.Context, unit string) (Result, error) {
		calls = append(calls, unit)
		if unit == "unit1" {
			cancel()
		}
		return Done, nil
	}

	_, err := NewRunner(tr).Run(ctx, Plan{IntegrationBranch: branch, Units: []string{"unit1", "unit2"}}, work)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"unit1"}, calls)

	rec, err := tr.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"unit1"}, rec.Completed, "finished unit is checkpointed despite cancellation")
	assert.Equal(t, []string{"unit2"}, rec.Remaining)
}

func TestRun_RejectsInvalidPlan(t *testing.T) {
	tr := newTracker(t, branchSet{})
	runner := NewRunner(tr)
	work := recordingWork(new([]string))

	_, err := runner.Run(context.Background(), Plan{Units: []string{"a"}}, work)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = runner.Run(context.Background(), Plan{IntegrationBranch: branch, Units: []string{"a", "a"}}, work)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
