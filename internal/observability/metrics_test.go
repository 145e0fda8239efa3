package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProm_CountsOperations(t *testing.T) {
	p := NewProm("wtguard")

	p.ObserveOperation("branch", OutcomeSuccess, 20*time.Millisecond)
	p.ObserveOperation("branch", OutcomeSuccess, 10*time.Millisecond)
	p.ObserveOperation("branch", OutcomeFailure, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.operations.WithLabelValues("branch", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.operations.WithLabelValues("branch", OutcomeFailure)))
}

func TestProm_StaleAndTransitions(t *testing.T) {
	p := NewProm("wtguard")

	p.IncStaleReclaimed()
	p.IncStaleReclaimed()
	p.IncPhaseTransition("UNIT_DONE")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.staleReclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("UNIT_DONE")))
}

func TestProm_SeparateRegistries(t *testing.T) {
	// Two recorders must not collide on registration.
	a := NewProm("wtguard")
	b := NewProm("wtguard")

	a.IncStaleReclaimed()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.staleReclaimed))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.staleReclaimed))
}

func TestProm_WriteTextfile(t *testing.T) {
	p := NewProm("wtguard")
	p.ObserveLockWait(OutcomeAcquired, 2*time.Second)

	path := filepath.Join(t.TempDir(), "wtguard.prom")
	require.NoError(t, p.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "wtguard_lock_wait_seconds_count"))
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop{}, OrNoop(nil))

	p := NewProm("x")
	assert.Same(t, p, OrNoop(p))
}
