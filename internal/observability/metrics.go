// Package observability provides metrics for wtguard's lock manager,
// operation wrapper and build state tracker.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the lock and operation metrics.
const (
	OutcomeAcquired = "acquired"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
	OutcomeDegraded = "degraded"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
)

// Recorder captures the coordination metrics emitted by wtguard.
type Recorder interface {
	ObserveLockWait(outcome string, wait time.Duration)
	IncStaleReclaimed()
	ObserveOperation(operation, outcome string, took time.Duration)
	IncPhaseTransition(event string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveLockWait(string, time.Duration)          {}
func (Noop) IncStaleReclaimed()                             {}
func (Noop) ObserveOperation(string, string, time.Duration) {}
func (Noop) IncPhaseTransition(string)                      {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Prom implements Recorder backed by a private Prometheus registry.
type Prom struct {
	registry       *prometheus.Registry
	lockWait       *prometheus.HistogramVec
	staleReclaimed prometheus.Counter
	operations     *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
}

// NewProm creates a Prom recorder whose metrics live under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the repository lock by outcome",
			Buckets:   []float64{0.01, 0.1, 1, 3, 7, 15, 31, 60, 120},
		}, []string{"outcome"}),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_stale_reclaimed_total",
			Help:      "Stale lock files removed before acquisition",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Repository operations by name and outcome",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Repository operation duration by name",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_phase_transitions_total",
			Help:      "Build run phase machine events",
		}, []string{"event"}),
	}
	p.registry.MustRegister(p.lockWait, p.staleReclaimed, p.operations, p.opDuration, p.transitions)
	return p
}

// Registry exposes the underlying registry for gathering.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prom) ObserveLockWait(outcome string, wait time.Duration) {
	p.lockWait.WithLabelValues(outcome).Observe(wait.Seconds())
}

func (p *Prom) IncStaleReclaimed() {
	p.staleReclaimed.Inc()
}

func (p *Prom) ObserveOperation(operation, outcome string, took time.Duration) {
	p.operations.WithLabelValues(operation, outcome).Inc()
	p.opDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (p *Prom) IncPhaseTransition(event string) {
	p.transitions.WithLabelValues(event).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (p *Prom) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
