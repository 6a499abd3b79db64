// Package openai is an asr.Backend for the OpenAI audio transcription API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
)

// Config configures the OpenAI transcription backend.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	TimeoutSeconds int // default 120
}

// Backend posts audio to /audio/transcriptions.
type Backend struct {
	cfg    Config
	client *http.Client
}

// NewBackend creates an OpenAI transcription backend.
func NewBackend(cfg Config) *Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (b *Backend) Name() string { return "openai" }

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// TranscribeFile asks for verbose_json so segment timing is available.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	if b.cfg.APIKey == "" {
		return nil, resilience.Permanent(fmt.Errorf("openai: no API key configured"))
	}
	model := opts.Model
	if model == "" {
		model = b.cfg.Model
	}

	raw, err := asr.Post(ctx, b.client, asr.Upload{
		URL:   b.cfg.BaseURL + "/audio/transcriptions",
		Token: b.cfg.APIKey,
		Fields: map[string]string{
			"model":           model,
			"response_format": "verbose_json",
			"language":        opts.Language,
		},
	}, filePath)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	var parsed verboseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("openai: decode response: %w", err))
	}

	t := &asr.Transcript{
		Language: parsed.Language,
		Duration: asr.Seconds(parsed.Duration),
		Model:    model,
		Backend:  b.Name(),
	}
	for _, s := range parsed.Segments {
		t.Segments = append(t.Segments, asr.Segment{
			Start:    asr.Seconds(s.Start),
			End:      asr.Seconds(s.End),
			Text:     s.Text,
			Language: parsed.Language,
		})
	}
	// Some models return text only.
	if len(t.Segments) == 0 && strings.TrimSpace(parsed.Text) != "" {
		t.Segments = []asr.Segment{{End: t.Duration, Text: parsed.Text, Language: parsed.Language}}
	}
	return t, nil
}

// HealthCheck lists the configured model.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: b.Name()}
	if b.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/models/"+b.cfg.Model, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("health check failed: %v", err)
		return status, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		status.Message = fmt.Sprintf("unhealthy: %v", &resilience.StatusError{Code: resp.StatusCode, Body: string(raw)})
		return status, nil
	}
	status.OK = true
	status.Message = "model " + b.cfg.Model + " available"
	return status, nil
}
