package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/radiodigest/internal/resilience"
)

// BackendStats counts what one backend in the chain has done since start.
type BackendStats struct {
	Name        string    `json:"name"`
	Role        string    `json:"role"` // primary | fallback
	Calls       int       `json:"calls"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

type link struct {
	backend Backend
	stats   BackendStats
}

// Registry is an ordered chain of backends: the primary, then fallbacks.
// A file moves down the chain only while the failures are transient.
type Registry struct {
	mu    sync.Mutex
	chain []*link
}

// NewRegistry builds a chain from primary and any fallbacks. Nil backends
// are skipped.
func NewRegistry(primary Backend, fallbacks ...Backend) *Registry {
	r := &Registry{}
	for i, b := range append([]Backend{primary}, fallbacks...) {
		if b == nil {
			continue
		}
		role := "fallback"
		if i == 0 {
			role = "primary"
		}
		r.chain = append(r.chain, &link{backend: b, stats: BackendStats{Name: b.Name(), Role: role}})
	}
	return r
}

// Primary returns the first backend in the chain, or nil.
func (r *Registry) Primary() Backend {
	if len(r.chain) == 0 || r.chain[0].stats.Role != "primary" {
		return nil
	}
	return r.chain[0].backend
}

// Fallback returns the first fallback, or nil.
func (r *Registry) Fallback() Backend {
	for _, l := range r.chain {
		if l.stats.Role == "fallback" {
			return l.backend
		}
	}
	return nil
}

// Backends returns the chain in order.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, len(r.chain))
	for i, l := range r.chain {
		out[i] = l.backend
	}
	return out
}

// Stats returns a copy of the per-backend counters in chain order.
func (r *Registry) Stats() []BackendStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BackendStats, len(r.chain))
	for i, l := range r.chain {
		out[i] = l.stats
	}
	return out
}

func (r *Registry) record(l *link, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.stats.Calls++
	if err == nil {
		l.stats.LastSuccess = time.Now().UTC()
		return
	}
	l.stats.Failures++
	l.stats.LastError = err.Error()
	l.stats.LastFailure = time.Now().UTC()
}

// Transcribe runs filePath through the chain. The returned error wraps the
// last backend's error, so its classification survives; an error no backend
// marked transient stops the chain and counts as permanent downstream.
func (r *Registry) Transcribe(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	if r.Primary() == nil {
		return nil, resilience.Permanent(errors.New("asr: no primary backend configured"))
	}

	var tried []string
	for i, l := range r.chain {
		t, err := l.backend.TranscribeFile(ctx, filePath, opts)
		r.record(l, err)
		if err == nil {
			return t, nil
		}
		last := i == len(r.chain)-1
		if last || !resilience.IsTransient(err) || ctx.Err() != nil {
			if len(tried) == 0 {
				return nil, fmt.Errorf("asr: %s backend %q failed: %w", l.stats.Role, l.stats.Name, err)
			}
			return nil, fmt.Errorf("asr: %s; %s %q failed: %w", strings.Join(tried, "; "), l.stats.Role, l.stats.Name, err)
		}
		tried = append(tried, fmt.Sprintf("%s %q failed (%v)", l.stats.Role, l.stats.Name, err))
	}
	return nil, resilience.Permanent(errors.New("asr: empty backend chain"))
}
