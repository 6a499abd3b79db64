// Package fileutil holds small file helpers shared by the transcription
// queue and the status surfaces.
package fileutil

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataVersion is bumped when SegmentMetadata changes shape.
const MetadataVersion = "1"

// SegmentMetadata is the sidecar written next to a transcribed segment.
type SegmentMetadata struct {
	Version        string    `json:"version"`
	SegmentID      int64     `json:"segment_id"`
	ChannelID      string    `json:"channel_id"`
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
	DurationMs     int64     `json:"duration_ms"`
	SizeBytes      int64     `json:"size_bytes"`
	Classification string    `json:"classification"`
	AudioFile      string    `json:"audio_file"`
	ASR            *ASRMeta  `json:"asr,omitempty"`
}

// ASRMeta captures transcription details for the sidecar.
type ASRMeta struct {
	Backend       string    `json:"backend"`
	Model         string    `json:"model,omitempty"`
	Language      string    `json:"language,omitempty"`
	Formats       []string  `json:"formats,omitempty"`
	Attempts      int       `json:"attempts"`
	Success       bool      `json:"success"`
	ProcessingSec float64   `json:"processing_seconds"`
	Error         string    `json:"error,omitempty"`
	TranscribedAt time.Time `json:"transcribed_at,omitempty"`
}

// WriteMetadata writes <audio path without ext>.meta.json atomically.
func WriteMetadata(audioPath string, meta *SegmentMetadata) error {
	if meta.Version == "" {
		meta.Version = MetadataVersion
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return AtomicWriteFile(MetadataPath(audioPath), append(data, '\n'), 0644)
}

// MetadataPath returns the sidecar path for an audio file.
func MetadataPath(audioPath string) string {
	return TrimExt(audioPath) + ".meta.json"
}
