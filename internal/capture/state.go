package capture

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a capture session.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Streaming  State = "streaming"
	Stopping   State = "stopping"
	Error      State = "error"
)

// ValidTransitions maps each state to the states it may move to.
var ValidTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Streaming, Error, Stopping},
	Streaming:  {Stopping, Error},
	Stopping:   {Idle},
	Error:      {Stopping},
}

func isValidTransition(from, to State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine holds the current state and rejects transitions not in
// ValidTransitions.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine returns a machine in the idle state. onChange may be nil.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: Idle, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !isValidTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("capture: invalid transition from %q to %q", from, to)
	}
	m.state = to
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}
