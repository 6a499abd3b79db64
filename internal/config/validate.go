package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

var channelIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks the document for consistency. It expects defaults to have
// been applied.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("at least one channel must be configured")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if !channelIDPattern.MatchString(ch.ID) {
			return fmt.Errorf("channels[%d]: id %q must match %s", i, ch.ID, channelIDPattern)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = true
		if ch.SourceURL == "" {
			return fmt.Errorf("channel %s: source_url is required", ch.ID)
		}
		if ch.OutputDir == "" {
			return fmt.Errorf("channel %s: output_dir is required", ch.ID)
		}
		if ch.Format != "" && ch.Format != "wav" && ch.Format != "mp3" {
			return fmt.Errorf("channel %s: format must be wav or mp3, got %q", ch.ID, ch.Format)
		}
		if ch.Timezone != "" {
			if _, err := time.LoadLocation(ch.Timezone); err != nil {
				return fmt.Errorf("channel %s: invalid timezone %q: %w", ch.ID, ch.Timezone, err)
			}
		}
	}

	if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
		return fmt.Errorf("queue.workers must be between 1 and 64, got %d", c.Queue.Workers)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.MaxDelaySeconds < c.Queue.BaseDelaySeconds {
		return fmt.Errorf("queue.max_delay_seconds (%d) must be >= base_delay_seconds (%d)",
			c.Queue.MaxDelaySeconds, c.Queue.BaseDelaySeconds)
	}
	if c.Capture.RestartMaxSeconds < c.Capture.RestartBaseSeconds {
		return fmt.Errorf("capture.restart_max_seconds (%d) must be >= restart_base_seconds (%d)",
			c.Capture.RestartMaxSeconds, c.Capture.RestartBaseSeconds)
	}

	switch c.Watcher.Classifier {
	case "duration", "energy", "duration+energy":
	default:
		return fmt.Errorf("watcher.classifier must be duration, energy or duration+energy, got %q", c.Watcher.Classifier)
	}
	if c.Watcher.SilenceThresholdDB > 0 {
		return fmt.Errorf("watcher.silence_threshold_db must be <= 0 dBFS, got %v", c.Watcher.SilenceThresholdDB)
	}

	switch c.ASR.Backend {
	case "remote_whisper_api":
		if c.ASR.Remote.BaseURL == "" {
			return errors.New("asr.remote.base_url is required for remote_whisper_api")
		}
	case "local_whisper":
		if c.ASR.Local.BinaryPath == "" {
			return errors.New("asr.local.binary_path is required for local_whisper")
		}
	case "openai":
	default:
		return fmt.Errorf("unknown asr.backend %q", c.ASR.Backend)
	}
	for _, f := range c.ASR.TranscriptFormats {
		if f != "txt" && f != "srt" && f != "vtt" {
			return fmt.Errorf("asr.transcript_formats: unknown format %q", f)
		}
	}

	if _, err := cron.ParseStandard(c.Digest.Schedule); err != nil {
		return fmt.Errorf("digest.schedule %q: %w", c.Digest.Schedule, err)
	}
	if c.Digest.Window != "daily" {
		d, err := time.ParseDuration(c.Digest.Window)
		if err != nil || d <= 0 {
			return fmt.Errorf("digest.window must be \"daily\" or a positive duration, got %q", c.Digest.Window)
		}
	}
	if _, err := time.LoadLocation(c.Digest.Timezone); err != nil {
		return fmt.Errorf("digest.timezone %q: %w", c.Digest.Timezone, err)
	}

	switch c.Notifier.Provider {
	case "telegram", "log":
	default:
		return fmt.Errorf("notifier.provider must be telegram or log, got %q", c.Notifier.Provider)
	}
	return nil
}
