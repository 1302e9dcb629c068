package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/telrec/internal/errors"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateCreated indicates the session exists but does not stream yet.
	StateCreated State = iota

	// StateStreaming indicates readers deliver packets to the dispatcher.
	StateStreaming

	// StateDraining indicates the session waits for quiescence before
	// shutting down.
	StateDraining

	// StateClosed indicates the session is finalized. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// transitions lists the allowed successor states.
var transitions = map[State][]State{
	StateCreated:   {StateStreaming, StateClosed},
	StateStreaming: {StateDraining},
	StateDraining:  {StateClosed},
}

// stateMachine guards the session state.
//
// stateMachine is safe for concurrent use.
type stateMachine struct {
	mu      sync.RWMutex
	state   State
	changed time.Time
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateCreated, changed: time.Now()}
}

// Get returns the current state.
func (m *stateMachine) Get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *stateMachine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Transition moves from one of the expected states to next.
func (m *stateMachine) Transition(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	for _, allowed := range transitions[prev] {
		if allowed == next {
			m.state = next
			m.changed = time.Now()
			return prev, nil
		}
	}
	return prev, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", prev, next)
}
