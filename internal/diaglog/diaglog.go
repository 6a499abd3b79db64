// Package diaglog writes the NDJSON diagnostic journal. It is enabled by
// RADIODIGEST_DEBUG=true; otherwise every Log call is a no-op and no file is
// created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxJournalSize caps one journal generation; see rollingWriter.
const maxJournalSize = 10 << 20

const (
	ComponentCapture    = "capture-supervisor"
	ComponentWatcher    = "segment-watcher"
	ComponentQueue      = "transcription-queue"
	ComponentDigest     = "digest-scheduler"
	ComponentASR        = "asr"
	ComponentCore       = "radiodigest-core"
	ComponentDiagExport = "diag-export"
)

const (
	EventCaptureStart   = "capture_start"
	EventCaptureExit    = "capture_exit"
	EventCaptureRestart = "capture_restart"
	EventCaptureFlap    = "capture_flap"
	EventCaptureStop    = "capture_stop"
	EventSegmentFinal   = "segment_finalized"
	EventSegmentStalled = "segment_stalled"
	EventTaskAttempt    = "task_attempt"
	EventTaskRetry      = "task_retry"
	EventTaskDeadLetter = "task_dead_letter"
	EventDigestRun      = "digest_run"
	EventDigestFailed   = "digest_failed"
	EventHealthCheck    = "health_check"
	EventConfigReload   = "config_reload"
)

// LogEntry is one journal record, written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"` // RFC3339Nano
	Component string      `json:"component"`
	Event     string      `json:"event"`
	ChannelID string      `json:"channel_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Logger writes LogEntry values to a rolling NDJSON file.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the journal at path. If debug mode is disabled,
// path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, maxJournalSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log appends entry as one JSON line. Sensitive payload fields are redacted.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close closes the underlying file. Safe on nil or disabled loggers.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.Close()
}

// Path returns $RADIODIGEST_LOG_PATH, or radiodigest-diag.ndjson inside
// logDir.
func Path(logDir string) string {
	if p := os.Getenv("RADIODIGEST_LOG_PATH"); p != "" {
		return p
	}
	return filepath.Join(logDir, "radiodigest-diag.ndjson")
}

// IsDebugEnabled reports whether RADIODIGEST_DEBUG is "true".
func IsDebugEnabled() bool {
	return os.Getenv("RADIODIGEST_DEBUG") == "true"
}

// NewNoOp returns a logger that drops everything. Use it when New fails.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
