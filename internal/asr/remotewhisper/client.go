// Package remotewhisper talks to a self-hosted Whisper HTTP service
// (POST /v1/transcribe, GET /v1/health).
package remotewhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/resilience"
)

type Config struct {
	BaseURL        string
	Token          string
	TimeoutSeconds int    // default 120
	Model          string // default "small"
}

// Client makes one request per call; the transcription queue owns retries.
type Client struct {
	cfg  Config
	http *http.Client
	diag *diaglog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}}
}

// SetLogger attaches the diagnostic journal; each request is logged with its
// status and latency.
func (c *Client) SetLogger(l *diaglog.Logger) { c.diag = l }

func (c *Client) Name() string { return "remote_whisper_api" }

type reply struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Model    string  `json:"model"`
	Segments []struct {
		Start    float64 `json:"start"`
		End      float64 `json:"end"`
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Score    float64 `json:"score"`
	} `json:"segments"`
}

func (c *Client) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}
	start := time.Now()
	body, err := asr.Post(ctx, c.http, asr.Upload{
		URL:   c.cfg.BaseURL + "/v1/transcribe",
		Token: c.cfg.Token,
		Fields: map[string]string{
			"model":      model,
			"language":   opts.Language,
			"timestamps": strconv.FormatBool(opts.Timestamps),
		},
	}, filePath)
	c.journal(filePath, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("remotewhisper: %w", err)
	}

	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("remotewhisper: decode reply: %w", err))
	}
	t := &asr.Transcript{Language: r.Language, Duration: asr.Seconds(r.Duration), Model: r.Model, Backend: c.Name()}
	if t.Model == "" {
		t.Model = model
	}
	for _, s := range r.Segments {
		lang := s.Language
		if lang == "" {
			lang = r.Language
		}
		t.Segments = append(t.Segments, asr.Segment{
			Start:    asr.Seconds(s.Start),
			End:      asr.Seconds(s.End),
			Text:     s.Text,
			Language: lang,
			Score:    s.Score,
		})
	}
	return t, nil
}

func (c *Client) journal(filePath string, latency time.Duration, err error) {
	p := map[string]interface{}{
		"backend":    c.Name(),
		"file":       filepath.Base(filePath),
		"latency_ms": latency.Milliseconds(),
	}
	if err != nil {
		p["error"] = err.Error()
		p["transient"] = resilience.IsTransient(err)
	}
	c.diag.Log(diaglog.LogEntry{Component: diaglog.ComponentASR, Event: "transcribe_request", Payload: p})
}

// HealthCheck expects {"ok": true} from /v1/health. Failures are reported
// in the status; the error is only for a malformed base URL.
func (c *Client) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	hs := &asr.HealthStatus{Backend: c.Name()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("remotewhisper: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	hs.Latency = time.Since(start)
	if err != nil {
		hs.Message = err.Error()
		return hs, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var health struct {
		OK bool `json:"ok"`
	}
	switch {
	case resp.StatusCode != http.StatusOK:
		hs.Message = (&resilience.StatusError{Code: resp.StatusCode, Body: string(raw)}).Error()
	case json.Unmarshal(raw, &health) != nil:
		hs.Message = "health reply is not JSON"
	case !health.OK:
		hs.Message = "service reports not ok"
	default:
		hs.OK, hs.Message = true, "ok"
	}
	return hs, nil
}
