package resilience

import (
	"testing"
	"time"
)

func TestFlapBreakerTripsOnFifthExitInWindow(t *testing.T) {
	b := NewFlapBreaker(FlapConfig{Threshold: 5, Window: time.Minute, CoolDown: 10 * time.Minute})
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		if tripped, _ := b.Record(base.Add(time.Duration(i) * 10 * time.Second)); tripped {
			t.Fatalf("tripped early on exit %d", i+1)
		}
	}
	tripped, until := b.Record(base.Add(45 * time.Second))
	if !tripped {
		t.Fatal("expected trip on fifth exit inside one minute")
	}
	if want := base.Add(45*time.Second + 10*time.Minute); !until.Equal(want) {
		t.Errorf("until = %v, want %v", until, want)
	}
	if !b.Open(base.Add(time.Minute)) {
		t.Error("breaker should be open during cool-down")
	}
	if b.Open(until.Add(time.Second)) {
		t.Error("breaker should close after cool-down")
	}
}

func TestFlapBreakerIgnoresSpreadOutExits(t *testing.T) {
	b := NewFlapBreaker(FlapConfig{Threshold: 5, Window: time.Minute})
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		if tripped, _ := b.Record(base.Add(time.Duration(i) * 20 * time.Second)); tripped {
			t.Fatalf("tripped on exit %d; exits were 20s apart", i+1)
		}
	}
}

func TestFlapBreakerHookAndReset(t *testing.T) {
	var hooked int
	b := NewFlapBreaker(FlapConfig{Threshold: 2, Window: time.Minute}).
		WithHook(func(exits int, _ time.Time) { hooked = exits })
	now := time.Now()
	b.Record(now)
	b.Record(now.Add(time.Second))
	if hooked != 2 {
		t.Errorf("hook exits = %d, want 2", hooked)
	}
	b.Reset()
	if b.Open(now.Add(2 * time.Second)) {
		t.Error("Reset should clear cool-down")
	}
}
