package statemachine

import (
	"errors"
	"testing"
	"time"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Stopped, Starting, true},
		{Stopped, Running, false},
		{Stopped, Backoff, false},
		{Starting, Running, true},
		{Starting, Backoff, true},
		{Starting, Stopped, true},
		{Running, Backoff, true},
		{Running, Stopped, true},
		{Running, Starting, false},
		{Backoff, Starting, true},
		{Backoff, Stopped, true},
		{Backoff, Running, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := Allowed(tt.from, tt.to); got != tt.want {
				t.Errorf("Allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMachineRestartCycle(t *testing.T) {
	m := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	m.SetClock(func() time.Time { tick = tick.Add(time.Second); return tick })

	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	steps := []State{Starting, Running, Backoff, Starting, Running, Stopped}
	for _, s := range steps {
		if err := m.To(s, "test"); err != nil {
			t.Fatalf("To(%s) error = %v", s, err)
		}
	}

	if m.State() != Stopped {
		t.Errorf("State() = %s, want %s", m.State(), Stopped)
	}
	if len(seen) != len(steps) {
		t.Fatalf("hook called %d times, want %d", len(seen), len(steps))
	}
	if seen[2].From != Running || seen[2].To != Backoff {
		t.Errorf("transition[2] = %s -> %s, want running -> backoff", seen[2].From, seen[2].To)
	}
	if !m.Since().Equal(base.Add(6 * time.Second)) {
		t.Errorf("Since() = %v, want %v", m.Since(), base.Add(6*time.Second))
	}
}

func TestMachineRejectsIllegalMove(t *testing.T) {
	m := New()
	err := m.To(Running, "skip starting")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("To(Running) error = %v, want ErrIllegalTransition", err)
	}
	if m.State() != Stopped {
		t.Errorf("State() = %s after rejected move, want stopped", m.State())
	}
}

func TestMachineRepeatedStop(t *testing.T) {
	m := New()
	calls := 0
	m.OnTransition(func(Transition) { calls++ })

	if err := m.To(Stopped, "again"); err != nil {
		t.Errorf("To(Stopped) from stopped error = %v", err)
	}
	if calls != 0 {
		t.Errorf("hook called %d times for no-op stop", calls)
	}

	_ = m.To(Starting, "")
	if err := m.To(Starting, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("To(Starting) twice error = %v, want ErrIllegalTransition", err)
	}
}
