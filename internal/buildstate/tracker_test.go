package buildstate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/wtguard/internal/errors"
)

type fakeBranches struct {
	existing map[string]bool
	err      error
}

func (f *fakeBranches) BranchExists(_ context.Context, name string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.existing[name], nil
}

func newTestTracker(t *testing.T, branches ...string) (*Tracker, *fakeBranches) {
	t.Helper()
	fb := &fakeBranches{existing: map[string]bool{}}
	for _, b := range branches {
		fb.existing[b] = true
	}
	tr, err := NewTracker(filepath.Join(t.TempDir(), "wtguard", FileName), fb)
	require.NoError(t, err)
	return tr, fb
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	tr, _ := newTestTracker(t, "integration/batch")
	ctx := context.Background()

	snap := Snapshot{
		IntegrationBranch: "integration/batch",
		TotalUnits:        5,
		Completed:         []string{"unit-1", "unit-2", "unit-3"},
		Failed:            "unit-4",
		Remaining:         []string{"unit-5"},
	}
	require.NoError(t, tr.Save(ctx, snap))

	rec, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, rec.Version)
	assert.Equal(t, "integration/batch", rec.IntegrationBranch)
	assert.Equal(t, 5, rec.TotalUnits)
	assert.Equal(t, []string{"unit-1", "unit-2", "unit-3"}, rec.Completed)
	assert.Equal(t, "unit-4", rec.FailedUnit())
	assert.Equal(t, []string{"unit-5"}, rec.Remaining)
	assert.NotEmpty(t, rec.RunID)
	assert.False(t, rec.Timestamp.IsZero())

	remaining, err := tr.RemainingUnits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"unit-5"}, remaining, "resume must see exactly the outstanding unit")

	completed, err := tr.CompletedUnits(ctx)
	require.NoError(t, err)
	completed[0] = "mutated"
	again, err := tr.CompletedUnits(ctx)
	require.NoError(t, err)
	assert.Equal(t, "unit-1", again[0], "callers get copies")
}

func TestSave_WritesExpectedFields(t *testing.T) {
	tr, _ := newTestTracker(t, "integration/x")
	require.NoError(t, tr.Save(context.Background(), Snapshot{
		IntegrationBranch: "integration/x",
		TotalUnits:        2,
		Remaining:         []string{"a", "b"},
	}))

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"version", "run_id", "timestamp", "updated_at", "integration_branch", "total_units", "completed", "failed", "remaining"} {
		assert.Contains(t, raw, key)
	}
	assert.Nil(t, raw["failed"])
	assert.Equal(t, []any{}, raw["completed"])
	assert.NotContains(t, raw, "skipped")
}

func TestSave_PreservesRunIdentity(t *testing.T) {
	tr, _ := newTestTracker(t, "integration/a", "integration/b")
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "integration/a", TotalUnits: 2, Remaining: []string{"u1", "u2"}}))
	first, err := tr.Load(ctx)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "integration/a", TotalUnits: 2, Completed: []string{"u1"}, Remaining: []string{"u2"}}))
	second, err := tr.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "integration/b", TotalUnits: 1, Remaining: []string{"v1"}}))
	third, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID, "a different integration branch starts a new run")
}

func TestSave_RejectsInvariantViolations(t *testing.T) {
	tr, _ := newTestTracker(t, "b")
	ctx := context.Background()

	tests := []struct {
		name string
		snap Snapshot
	}{
		{"unit in two sets", Snapshot{IntegrationBranch: "b", TotalUnits: 3, Completed: []string{"u1"}, Remaining: []string{"u1"}}},
		{"failed also remaining", Snapshot{IntegrationBranch: "b", TotalUnits: 3, Failed: "u2", Remaining: []string{"u2"}}},
		{"too many units", Snapshot{IntegrationBranch: "b", TotalUnits: 1, Completed: []string{"u1"}, Remaining: []string{"u2"}}},
		{"units missing", Snapshot{IntegrationBranch: "b", TotalUnits: 5, Completed: []string{"u1"}, Remaining: []string{"u2"}}},
		{"missing branch name", Snapshot{TotalUnits: 1, Remaining: []string{"u1"}}},
		{"duplicate in completed", Snapshot{IntegrationBranch: "b", TotalUnits: 3, Completed: []string{"u1", "u1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.Save(ctx, tt.snap)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
			assert.NoFileExists(t, tr.Path())
		})
	}
}

func TestSave_SkippedUnitsLeaveTotalsConsistent(t *testing.T) {
	tr, _ := newTestTracker(t, "b")
	ctx := context.Background()

	require.NoError(t, tr.Save(ctx, Snapshot{
		IntegrationBranch: "b",
		TotalUnits:        4,
		Completed:         []string{"u1"},
		Skipped:           []string{"u2"},
		Remaining:         []string{"u3", "u4"},
	}))

	rec, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, rec.Skipped)
	assert.Equal(t, PhaseInProgress, rec.Phase())
}

func TestLoad_NotFound(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec, err := tr.Load(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, errors.ErrStateNotFound)
	assert.False(t, errors.IsRecoverable(err))
}

func TestLoad_Corrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{this is not json"},
		{"truncated", `{"version": 1, "integration_branch": "b"`},
		{"missing required field", `{"version":1,"timestamp":"2026-01-01T00:00:00Z","integration_branch":"b","total_units":1,"completed":[],"failed":null}`},
		{"wrong type", `{"version":1,"timestamp":"2026-01-01T00:00:00Z","integration_branch":"b","total_units":"five","completed":[],"failed":null,"remaining":[]}`},
		{"bad timestamp", `{"version":1,"timestamp":"yesterday","integration_branch":"b","total_units":1,"completed":[],"failed":null,"remaining":["u1"]}`},
		{"invariant violated", `{"version":1,"timestamp":"2026-01-01T00:00:00Z","integration_branch":"b","total_units":2,"completed":["u1"],"failed":"u1","remaining":[]}`},
		{"lost units", `{"version":1,"timestamp":"2026-01-01T00:00:00Z","integration_branch":"b","total_units":5,"completed":["u1"],"failed":null,"remaining":[]}`},
		{"lost failed unit", `{"version":1,"timestamp":"2026-01-01T00:00:00Z","integration_branch":"b","total_units":3,"completed":["u1"],"failed":null,"remaining":["u3"]}`},
		{"empty file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, "b")
			require.NoError(t, os.MkdirAll(filepath.Dir(tr.Path()), 0o755))
			require.NoError(t, os.WriteFile(tr.Path(), []byte(tt.content), 0o644))

			rec, err := tr.Load(context.Background())
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, errors.ErrStateCorrupted)
			assert.NotErrorIs(t, err, errors.ErrStateStale)
			assert.True(t, errors.IsRecoverable(err))
		})
	}
}

func TestLoad_StaleWhenBranchDeleted(t *testing.T) {
	tr, fb := newTestTracker(t, "integration/gone")
	ctx := context.Background()

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "integration/gone", TotalUnits: 1, Remaining: []string{"u1"}}))
	delete(fb.existing, "integration/gone")

	rec, err := tr.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStateStale)
	assert.NotErrorIs(t, err, errors.ErrStateCorrupted)
	require.NotNil(t, rec, "stale record is returned for inspection")
	assert.Equal(t, "integration/gone", rec.IntegrationBranch)

	_, err = tr.RemainingUnits(ctx)
	assert.ErrorIs(t, err, errors.ErrStateStale)
}

func TestLoad_BranchCheckFailureIsReturned(t *testing.T) {
	tr, fb := newTestTracker(t, "b")
	ctx := context.Background()
	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "b", TotalUnits: 1, Remaining: []string{"u1"}}))

	fb.err = stderrors.New("object database corrupt")
	_, err := tr.Load(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrStateStale)

	_, err = tr.Inspect(ctx)
	assert.Error(t, err)
}

func TestLoad_WithoutBranchChecker(t *testing.T) {
	tr, err := NewTracker(filepath.Join(t.TempDir(), FileName), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "anything", TotalUnits: 1, Remaining: []string{"u1"}}))
	_, err = tr.Load(ctx)
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker(t, "b")
	ctx := context.Background()

	require.NoError(t, tr.Clear(ctx), "clearing a missing state is fine")

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "b", TotalUnits: 1, Remaining: []string{"u1"}}))
	require.NoError(t, tr.Clear(ctx))
	assert.NoFileExists(t, tr.Path())

	_, err := tr.Load(ctx)
	assert.ErrorIs(t, err, errors.ErrStateNotFound)
}

func TestInspect(t *testing.T) {
	ctx := context.Background()

	tr, fb := newTestTracker(t, "b")
	insp, err := tr.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, insp.Status)

	require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "b", TotalUnits: 1, Remaining: []string{"u1"}}))
	insp, err = tr.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, insp.Status)
	assert.NotNil(t, insp.Record)

	delete(fb.existing, "b")
	insp, err = tr.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, insp.Status)
	assert.NotNil(t, insp.Record)
	assert.ErrorIs(t, insp.Err, errors.ErrStateStale)

	require.NoError(t, os.WriteFile(tr.Path(), []byte("garbage"), 0o644))
	insp, err = tr.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupted, insp.Status)
	assert.Nil(t, insp.Record)
}

func TestAtomicSaveLeavesNoTempFiles(t *testing.T) {
	tr, _ := newTestTracker(t, "b")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Save(ctx, Snapshot{IntegrationBranch: "b", TotalUnits: 1, Remaining: []string{"u1"}}))
	}

	entries, err := os.ReadDir(filepath.Dir(tr.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}
