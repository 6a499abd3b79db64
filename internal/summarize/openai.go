package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-5-mini"
	DefaultTimeout = 120 * time.Second
)

// OpenAIConfig configures the chat completions summarizer.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIConfigFrom maps the summarizer section of the daemon config.
func OpenAIConfigFrom(c config.SummarizerConfig) OpenAIConfig {
	return OpenAIConfig{BaseURL: c.BaseURL, APIKey: c.APIKey, Model: c.Model, Timeout: c.Timeout()}
}

// OpenAI summarizes with a single-message chat completion.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates the chat completions summarizer.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize implements Summarizer.
func (o *OpenAI) Summarize(ctx context.Context, req Request) (string, error) {
	if o.cfg.APIKey == "" {
		return "", resilience.Permanent(errors.New("summarize: no API key configured"))
	}
	if len(req.Texts) == 0 {
		return "", resilience.Permanent(errors.New("summarize: no transcripts"))
	}

	prompt, err := Prompt(req)
	if err != nil {
		return "", resilience.Permanent(err)
	}
	payload, err := json.Marshal(chatRequest{
		Model:    o.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("summarize: encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("summarize: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", resilience.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resilience.Transient(fmt.Errorf("summarize: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resilience.HTTPStatusError(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", resilience.Permanent(fmt.Errorf("summarize: decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", resilience.Transient(errors.New("summarize: response has no choices"))
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", resilience.Transient(errors.New("summarize: empty summary"))
	}
	return text, nil
}
