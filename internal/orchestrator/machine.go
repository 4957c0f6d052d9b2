package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/npsd/internal/run"
)

// State is the lifecycle state of a single phase.
type State string

const (
	StateNotStarted         State = "not_started"
	StateRunning            State = "running"
	StateAwaitingCheckpoint State = "awaiting_checkpoint"
	StateCompleted          State = "completed"
	StatePartiallyFailed    State = "partially_failed"
)

// ErrIllegalTransition is returned for a transition not in the table.
var ErrIllegalTransition = errors.New("illegal phase transition")

var transitions = map[State][]State{
	StateNotStarted:         {StateRunning},
	StateRunning:            {StateAwaitingCheckpoint, StatePartiallyFailed},
	StateAwaitingCheckpoint: {StateCompleted, StatePartiallyFailed},
}

// Machine tracks one phase through its lifecycle.
type Machine struct {
	phase   run.Phase
	state   State
	history []State
}

// NewMachine starts p in StateNotStarted.
func NewMachine(p run.Phase) *Machine {
	return &Machine{phase: p, state: StateNotStarted, history: []State{StateNotStarted}}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// History returns every state visited, oldest first.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Terminal reports whether the phase has finished.
func (m *Machine) Terminal() bool {
	return len(transitions[m.state]) == 0
}

// Transition moves to next if the table allows it.
func (m *Machine) Transition(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, m.phase, m.state, next)
}
