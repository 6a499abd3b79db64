// Package asr is the speech-to-text boundary. Backends classify their
// failures with resilience.Transient or resilience.Permanent so the
// transcription queue knows whether to retry.
package asr

import (
	"context"
	"strings"
	"time"
)

// Segment is one transcribed span with timing.
type Segment struct {
	Start    time.Duration
	End      time.Duration
	Text     string
	Language string
	Score    float64 // confidence 0.0–1.0
}

// Transcript is a complete transcription result.
type Transcript struct {
	Segments []Segment
	Language string
	Duration time.Duration
	Model    string
	Backend  string
}

// Text joins the segment texts with single spaces.
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// TranscribeOptions configures a transcription request.
type TranscribeOptions struct {
	Language   string // "" = auto-detect
	Model      string // backend-specific model name
	Timestamps bool
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool
	Backend string
	Message string
	Latency time.Duration
}

// Backend is implemented by every speech-to-text engine.
type Backend interface {
	Name() string
	TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
