package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/capture"
	"github.com/tiroq/radiodigest/internal/fileutil"
	"github.com/tiroq/radiodigest/internal/pipeline"
	"github.com/tiroq/radiodigest/internal/queue"
	"github.com/tiroq/radiodigest/internal/store"
)

// StatusSnapshot is the daemon state at a point in time, written to
// status.json and pushed over the status feed.
type StatusSnapshot struct {
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	PID        int                `json:"pid"`
	StartedAt  time.Time          `json:"started_at"`
	Channels   []ChannelStatus    `json:"channels"`
	Queue      queue.Stats        `json:"queue"`
	ASR        []asr.BackendStats `json:"asr,omitempty"`
	Segments   map[string]int     `json:"segments"` // by pipeline status
	RecentRuns []RunStatus        `json:"recent_runs"`
	LastError  string             `json:"last_error,omitempty"`
}

// ChannelStatus joins the configured channel with its capture and ingestion
// state. Capture and Ingest are nil while the channel is stopped.
type ChannelStatus struct {
	ChannelID string                 `json:"channel_id"`
	Name      string                 `json:"name"`
	Enabled   bool                   `json:"enabled"`
	Capture   *capture.Process       `json:"capture,omitempty"`
	Ingest    *pipeline.ChannelState `json:"ingest,omitempty"`
}

// RunStatus is the summary of one digest run.
type RunStatus struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunStatusFrom drops the digest text, which can be long.
func RunStatusFrom(run store.DigestRun) RunStatus {
	return RunStatus{
		ID:          run.ID,
		ChannelID:   run.ChannelID,
		WindowStart: run.WindowStart,
		WindowEnd:   run.WindowEnd,
		Status:      string(run.Status),
		Attempts:    run.Attempts,
		Error:       run.Error,
		UpdatedAt:   run.UpdatedAt,
	}
}

// StatusPath is status.json inside dir.
func StatusPath(dir string) string {
	return filepath.Join(dir, "status.json")
}

// WriteStatus replaces dir's status.json atomically.
func WriteStatus(dir string, status *StatusSnapshot) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(StatusPath(dir), data, 0644)
}

// ReadStatus loads dir's status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(dir))
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
