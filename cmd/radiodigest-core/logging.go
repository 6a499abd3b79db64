package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiroq/radiodigest/internal/config"
)

const maxLogSize = 10 * 1024 * 1024

// initLogging builds the process logger. Records go to stderr and to
// <log_dir>/radiodigest-core.log, which is rotated once at startup when it
// has grown past maxLogSize.
func initLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(cfg.LogDir, "radiodigest-core.log")
	if err := rotateLogIfNeeded(logPath, maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return newLogger(io.MultiWriter(os.Stderr, f), cfg.LogFormat, cfg.LogLevel), f, nil
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rotateLogIfNeeded renames logPath to logPath.old once it reaches maxSize,
// replacing any previous .old file.
func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < maxSize {
		return nil
	}

	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}
	return os.Rename(logPath, oldPath)
}
