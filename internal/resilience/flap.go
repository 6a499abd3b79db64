package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Flap breaker defaults: five exits inside a minute trips a ten minute
// cool-down.
const (
	DefaultFlapThreshold = 5
	DefaultFlapWindow    = time.Minute
	DefaultFlapCoolDown  = 10 * time.Minute
)

// FlapConfig holds flap breaker settings.
type FlapConfig struct {
	Threshold int           // exits inside Window that trip the breaker
	Window    time.Duration // sliding window
	CoolDown  time.Duration // extended wait once tripped
}

func (c FlapConfig) withDefaults() FlapConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultFlapThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultFlapWindow
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultFlapCoolDown
	}
	return c
}

// FlapBreaker counts failures in a sliding window and opens when too many
// land close together. It guards against sources that die right after
// starting, such as a dead stream URL.
type FlapBreaker struct {
	cfg       FlapConfig
	mu        sync.Mutex
	exits     []time.Time
	openUntil time.Time
	onTrip    func(exits int, until time.Time)
}

// NewFlapBreaker creates a breaker with cfg.
func NewFlapBreaker(cfg FlapConfig) *FlapBreaker {
	return &FlapBreaker{cfg: cfg.withDefaults()}
}

// WithHook sets a callback invoked each time the breaker trips.
func (b *FlapBreaker) WithHook(fn func(exits int, until time.Time)) *FlapBreaker {
	b.onTrip = fn
	return b
}

// Config returns the effective settings.
func (b *FlapBreaker) Config() FlapConfig { return b.cfg }

// Record notes a failure at now. It returns true and the cool-down deadline
// when this failure trips the breaker. The window is cleared on trip so the
// next trip needs a fresh run of failures.
func (b *FlapBreaker) Record(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	cutoff := now.Add(-b.cfg.Window)
	kept := b.exits[:0]
	for _, t := range b.exits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.exits = append(kept, now)

	if len(b.exits) < b.cfg.Threshold {
		b.mu.Unlock()
		return false, time.Time{}
	}
	n := len(b.exits)
	b.exits = b.exits[:0]
	b.openUntil = now.Add(b.cfg.CoolDown)
	until := b.openUntil
	hook := b.onTrip
	b.mu.Unlock()

	slog.Warn("flap breaker opened", "exits", n, "window", b.cfg.Window, "cool_down", b.cfg.CoolDown)
	if hook != nil {
		hook(n, until)
	}
	return true, until
}

// Open reports whether now falls inside a cool-down.
func (b *FlapBreaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.openUntil)
}

// Reset clears recorded failures and any cool-down.
func (b *FlapBreaker) Reset() {
	b.mu.Lock()
	b.exits = b.exits[:0]
	b.openUntil = time.Time{}
	b.mu.Unlock()
}
