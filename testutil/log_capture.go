// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// LogCapture collects JSON log records from a *slog.Logger.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogCapture returns a capture and a debug-level logger writing into it.
func NewLogCapture() (*LogCapture, *slog.Logger) {
	lc := &LogCapture{}
	return lc, slog.New(slog.NewJSONHandler(lc, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// String returns everything logged so far.
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Records decodes the captured lines. Lines that are not JSON are skipped.
func (lc *LogCapture) Records() []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(lc.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out
}

// Find returns the records whose message contains msg.
func (lc *LogCapture) Find(msg string) []map[string]any {
	var out []map[string]any
	for _, rec := range lc.Records() {
		if m, _ := rec[slog.MessageKey].(string); strings.Contains(m, msg) {
			out = append(out, rec)
		}
	}
	return out
}

// Contains reports whether any record's message contains msg.
func (lc *LogCapture) Contains(msg string) bool {
	return len(lc.Find(msg)) > 0
}

// Count returns how many records' messages contain msg.
func (lc *LogCapture) Count(msg string) int {
	return len(lc.Find(msg))
}
