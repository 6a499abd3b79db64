// Package statemachine holds the capture process lifecycle table.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a capture process lifecycle state.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Running  State = "running"
	Backoff  State = "backoff"
)

// ErrIllegalTransition is returned for a move the table does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Backoff, Stopped},
	Running:  {Backoff, Stopped},
	Backoff:  {Starting, Stopped},
}

// Allowed reports whether from -> to is in the table.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Machine tracks one channel's lifecycle. Safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	since   time.Time
	now     func() time.Time
	onEnter func(Transition)
}

// New returns a Machine in Stopped.
func New() *Machine {
	return &Machine{state: Stopped, since: time.Now(), now: time.Now}
}

// OnTransition registers fn, called after every successful move while the
// machine's lock is not held.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.onEnter = fn
	m.mu.Unlock()
}

// SetClock replaces the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// To moves the machine to `to`. Moving to the current state is a no-op only
// for Stopped, so that repeated stops are harmless.
func (m *Machine) To(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == to && to == Stopped {
		m.mu.Unlock()
		return nil
	}
	if !Allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	tr := Transition{From: from, To: to, At: m.now(), Reason: reason}
	m.state = to
	m.since = tr.At
	hook := m.onEnter
	m.mu.Unlock()

	if hook != nil {
		hook(tr)
	}
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}
