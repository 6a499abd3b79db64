package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/resilience"
)

const (
	DefaultTelegramURL = "https://api.telegram.org"
	DefaultTimeout     = 30 * time.Second

	// maxMessageLen is Telegram's limit for one message, in characters.
	maxMessageLen = 4096
)

// TelegramConfig configures the Telegram bot notifier.
type TelegramConfig struct {
	BaseURL  string
	BotToken string
	ChatID   string            // default chat
	Chats    map[string]string // channel id -> chat id overrides
	Timeout  time.Duration
}

// TelegramConfigFrom maps the notifier section and per-channel chat
// overrides of the daemon config.
func TelegramConfigFrom(cfg *config.Config) TelegramConfig {
	tc := TelegramConfig{
		BaseURL:  cfg.Notifier.BaseURL,
		BotToken: cfg.Notifier.BotToken,
		ChatID:   cfg.Notifier.ChatID,
		Chats:    make(map[string]string),
		Timeout:  cfg.Notifier.Timeout(),
	}
	for _, ch := range cfg.Channels {
		if ch.NotifyChatID != "" {
			tc.Chats[ch.ID] = ch.NotifyChatID
		}
	}
	return tc
}

// Telegram sends digests with the Bot API sendMessage method.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client

	mu    sync.RWMutex
	chats map[string]string
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	t := &Telegram{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	t.SetChats(cfg.Chats)
	return t
}

// SetChats replaces the per-channel chat overrides after a reload.
func (t *Telegram) SetChats(chats map[string]string) {
	m := make(map[string]string, len(chats))
	for k, v := range chats {
		m[k] = v
	}
	t.mu.Lock()
	t.chats = m
	t.mu.Unlock()
}

func (t *Telegram) chatFor(channelID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id := t.chats[channelID]; id != "" {
		return id
	}
	return t.cfg.ChatID
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends text to the chat configured for channelID. Texts longer than
// one message are split on paragraph boundaries.
func (t *Telegram) Notify(ctx context.Context, channelID, text string) error {
	if t.cfg.BotToken == "" {
		return resilience.Permanent(errors.New("telegram: no bot token configured"))
	}
	chat := t.chatFor(channelID)
	if chat == "" {
		return resilience.Permanent(fmt.Errorf("telegram: no chat configured for channel %s", channelID))
	}
	for _, part := range splitMessage(text, maxMessageLen) {
		if err := t.send(ctx, chat, part); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, chat, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chat, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return resilience.Permanent(fmt.Errorf("telegram: encode request: %w", err))
	}
	endpoint := t.cfg.BaseURL + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("telegram: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL carries the token.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = strings.ReplaceAll(ue.URL, t.cfg.BotToken, "<token>")
		}
		return resilience.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.Transient(fmt.Errorf("telegram: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.HTTPStatusError(resp.StatusCode, raw)
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return resilience.Permanent(fmt.Errorf("telegram: decode response: %w", err))
	}
	if !parsed.OK {
		return resilience.Permanent(fmt.Errorf("telegram: %s", parsed.Description))
	}
	return nil
}

// splitMessage cuts text into parts of at most limit characters, preferring
// blank-line then newline boundaries.
func splitMessage(text string, limit int) []string {
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		head := prefixRunes(text, limit)
		cut := strings.LastIndex(head, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut <= 0 {
			cut = len(head)
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if strings.TrimSpace(text) != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
