package buildstate

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/relicta-tech/wtguard/internal/observability"
)

// Phase is the lifecycle phase of a batch run.
type Phase string

const (
	PhaseNone       Phase = "no_state"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseAbandoned  Phase = "abandoned"
)

// Event names for the run phase machine.
const (
	EventStart      statekit.EventType = "START"
	EventUnitDone   statekit.EventType = "UNIT_DONE"
	EventUnitFailed statekit.EventType = "UNIT_FAILED"
	EventResume     statekit.EventType = "RESUME"
	EventFinish     statekit.EventType = "FINISH"
	EventDiscard    statekit.EventType = "DISCARD"
)

var (
	stateNone       = statekit.StateID(PhaseNone)
	stateInProgress = statekit.StateID(PhaseInProgress)
	stateCompleted  = statekit.StateID(PhaseCompleted)
	stateFailed     = statekit.StateID(PhaseFailed)
	stateAbandoned  = statekit.StateID(PhaseAbandoned)
)

// Transitions lists every allowed (phase, event) pair and its target.
var Transitions = map[Phase]map[statekit.EventType]Phase{
	PhaseNone: {
		EventStart: PhaseInProgress,
	},
	PhaseInProgress: {
		EventUnitDone:   PhaseInProgress,
		EventUnitFailed: PhaseFailed,
		EventFinish:     PhaseCompleted,
		EventDiscard:    PhaseAbandoned,
	},
	PhaseFailed: {
		EventResume:  PhaseInProgress,
		EventDiscard: PhaseAbandoned,
	},
}

type runContext struct{}

// Machine tracks the phase of one batch run.
type Machine struct {
	interpreter *statekit.Interpreter[runContext]
	metrics     observability.Recorder
}

// NewMachine builds a started machine in PhaseNone.
func NewMachine(metrics observability.Recorder) (*Machine, error) {
	machine, err := statekit.NewMachine[runContext]("build-run").
		WithInitial(stateNone).
		State(stateNone).
		On(EventStart).Target(stateInProgress).
		Done().
		State(stateInProgress).
		On(EventUnitDone).Target(stateInProgress).
		On(EventUnitFailed).Target(stateFailed).
		On(EventFinish).Target(stateCompleted).
		On(EventDiscard).Target(stateAbandoned).
		Done().
		State(stateFailed).
		On(EventResume).Target(stateInProgress).
		On(EventDiscard).Target(stateAbandoned).
		Done().
		State(stateCompleted).
		Final().
		Done().
		State(stateAbandoned).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build run phase machine: %w", err)
	}

	m := &Machine{
		interpreter: statekit.NewInterpreter(machine),
		metrics:     observability.OrNoop(metrics),
	}
	m.interpreter.Start()
	return m, nil
}

// RestoreMachine returns a machine replayed to the phase a record describes.
// A nil record yields PhaseNone.
func RestoreMachine(rec *Record, metrics observability.Recorder) (*Machine, error) {
	m, err := NewMachine(nil)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		replay := []statekit.EventType{EventStart}
		for range rec.Completed {
			replay = append(replay, EventUnitDone)
		}
		switch rec.Phase() {
		case PhaseFailed:
			replay = append(replay, EventUnitFailed)
		case PhaseCompleted:
			replay = append(replay, EventFinish)
		}
		for _, ev := range replay {
			if err := m.Fire(ev); err != nil {
				return nil, err
			}
		}
	}
	m.metrics = observability.OrNoop(metrics)
	return m, nil
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return Phase(m.interpreter.State().Value)
}

// Done reports whether the run reached a final phase.
func (m *Machine) Done() bool {
	return m.interpreter.Done()
}

// Can reports whether ev is allowed in the current phase.
func (m *Machine) Can(ev statekit.EventType) bool {
	_, ok := Transitions[m.Phase()][ev]
	return ok
}

// Fire sends ev and returns an error if the current phase does not accept it.
func (m *Machine) Fire(ev statekit.EventType) error {
	from := m.Phase()
	want, ok := Transitions[from][ev]
	if !ok {
		return fmt.Errorf("event %s not allowed in phase %s", ev, from)
	}
	m.interpreter.Send(statekit.Event{Type: ev})
	if got := m.Phase(); got != want {
		return fmt.Errorf("event %s moved %s to %s, expected %s", ev, from, got, want)
	}
	m.metrics.IncPhaseTransition(string(ev))
	return nil
}
