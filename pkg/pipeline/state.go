// File: pkg/pipeline/state.go
// Brief: Build/launch lifecycle states and the legal transition graph.

package pipeline

import "fmt"

// State is one step of the build-and-launch lifecycle. The pipeline moves
// through states strictly forward; there are no retries and no cycles.
type State string

const (
	StatePending    State = "Pending"
	StateInstalling State = "Installing"
	StateStaging    State = "Staging"
	StateLaunching  State = "Launching"
	StateRunning    State = "Running"
	StateExited     State = "Exited"
	StateCrashed    State = "Crashed"
)

// transitions maps each state to the states it may legally advance to.
// Installing and Staging may crash directly; Running ends as Exited on a
// clean exit and Crashed otherwise.
var transitions = map[State][]State{
	StatePending:    {StateInstalling},
	StateInstalling: {StateStaging, StateCrashed},
	StateStaging:    {StateLaunching, StateCrashed},
	StateLaunching:  {StateRunning, StateCrashed},
	StateRunning:    {StateExited, StateCrashed},
	StateExited:     {},
	StateCrashed:    {},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) canAdvance(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Machine tracks the lifecycle of a single build attempt. It is not
// concurrency-safe; one build owns one machine.
type Machine struct {
	current State
	history []State
}

// NewMachine returns a machine in the Pending state.
func NewMachine() *Machine {
	return &Machine{current: StatePending, history: []State{StatePending}}
}

// Current returns the machine's present state.
func (m *Machine) Current() State {
	return m.current
}

// History returns every state the machine has passed through, in order.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Advance moves the machine to next, rejecting skipped stages, backward
// moves, and any transition out of a terminal state.
func (m *Machine) Advance(next State) error {
	if _, known := transitions[next]; !known {
		return fmt.Errorf("unknown pipeline state %q", next)
	}
	if !m.current.canAdvance(next) {
		return fmt.Errorf("illegal transition %s -> %s", m.current, next)
	}
	m.current = next
	m.history = append(m.history, next)
	return nil
}
