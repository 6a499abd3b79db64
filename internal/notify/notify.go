// Package notify delivers finished digests.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tiroq/radiodigest/internal/config"
)

// Notifier delivers text for a radio channel.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

// Log writes digests to a logger instead of sending them anywhere.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, channelID, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("digest", "channel", channelID, "text", text)
	return nil
}

// FromConfig builds the configured notifier.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Notifier, error) {
	switch cfg.Notifier.Provider {
	case "telegram":
		return NewTelegram(TelegramConfigFrom(cfg)), nil
	case "log":
		return Log{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown notifier provider %q", cfg.Notifier.Provider)
	}
}
