package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = filepath.Join(os.Getenv("HOME"), ".cache", "radiodigest")
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.StateDir, "radiodigest.db")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.StateDir, "logs")
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Format == "" {
			ch.Format = "wav"
		}
		if ch.SegmentTime <= 0 {
			ch.SegmentTime = 3600
		}
		if ch.SampleRate <= 0 {
			ch.SampleRate = 16000
		}
		if ch.AudioChannels <= 0 {
			ch.AudioChannels = 1
		}
	}

	cp := &c.Capture
	if cp.FFmpegPath == "" {
		cp.FFmpegPath = "ffmpeg"
	}
	setInt(&cp.StopGraceSeconds, 5)
	setInt(&cp.StabilitySeconds, 300)
	setInt(&cp.RestartBaseSeconds, 1)
	setInt(&cp.RestartMaxSeconds, 120)
	setInt(&cp.FlapThreshold, 5)
	setInt(&cp.FlapWindowSeconds, 60)
	setInt(&cp.CoolDownSeconds, 600)
	setInt(&cp.DirIntervalSeconds, 10)
	if cp.StderrLogMaxBytes <= 0 {
		cp.StderrLogMaxBytes = 10 * 1024 * 1024
	}

	w := &c.Watcher
	setInt(&w.PollIntervalSeconds, 2)
	setInt(&w.DebounceSeconds, 10)
	setInt(&w.StallAfterSeconds, 2*60*60)
	setInt(&w.MinSpeechSeconds, 30)
	if w.Classifier == "" {
		w.Classifier = "duration+energy"
	}
	if w.SilenceThresholdDB == 0 {
		w.SilenceThresholdDB = -50
	}
	if w.FFprobePath == "" {
		w.FFprobePath = "ffprobe"
	}

	q := &c.Queue
	setInt(&q.Workers, 2)
	setInt(&q.Capacity, 64)
	setInt(&q.MaxAttempts, 5)
	setInt(&q.BaseDelaySeconds, 2)
	setInt(&q.MaxDelaySeconds, 300)

	a := &c.ASR
	if a.Backend == "" {
		a.Backend = "remote_whisper_api"
	}
	setInt(&a.TimeoutSeconds, 120)
	if a.Remote.Model == "" {
		a.Remote.Model = "small"
	}
	if a.OpenAI.BaseURL == "" {
		a.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if a.OpenAI.Model == "" {
		a.OpenAI.Model = "whisper-1"
	}

	d := &c.Digest
	if d.Schedule == "" {
		d.Schedule = "5 0 * * *"
	}
	if d.Window == "" {
		d.Window = "daily"
	}
	if d.Timezone == "" {
		d.Timezone = "UTC"
	}
	if d.TargetLanguage == "" {
		d.TargetLanguage = "en"
	}
	setInt(&d.Lookback, 3)
	setInt(&d.MergeGapSeconds, 5)
	setInt(&d.MinBlockSeconds, 60)

	s := &c.Summarizer
	if s.BaseURL == "" {
		s.BaseURL = "https://api.openai.com/v1"
	}
	if s.Model == "" {
		s.Model = "gpt-5-mini"
	}
	setInt(&s.TimeoutSeconds, 120)

	n := &c.Notifier
	if n.Provider == "" {
		n.Provider = "telegram"
	}
	if n.BaseURL == "" {
		n.BaseURL = "https://api.telegram.org"
	}
	setInt(&n.TimeoutSeconds, 30)

	st := &c.Status
	setInt(&st.IntervalSeconds, 2)
	setInt(&st.RecentRuns, 20)
}

// ApplyEnv overlays RADIODIGEST_* variables and provider secrets.
func (c *Config) ApplyEnv() {
	c.StateDir = getEnv("RADIODIGEST_STATE_DIR", c.StateDir)
	c.StorePath = getEnv("RADIODIGEST_STORE_PATH", c.StorePath)
	c.LogDir = getEnv("RADIODIGEST_LOG_DIR", c.LogDir)
	c.LogFormat = getEnv("RADIODIGEST_LOG_FORMAT", c.LogFormat)
	c.LogLevel = getEnv("RADIODIGEST_LOG_LEVEL", c.LogLevel)

	c.Queue.Workers = getEnvInt("RADIODIGEST_WORKERS", c.Queue.Workers)
	c.Status.Listen = getEnv("RADIODIGEST_STATUS_LISTEN", c.Status.Listen)

	c.ASR.Backend = getEnv("RADIODIGEST_ASR_BACKEND", c.ASR.Backend)
	c.ASR.Remote.BaseURL = getEnv("RADIODIGEST_ASR_URL", c.ASR.Remote.BaseURL)
	c.ASR.Remote.Token = getEnv("RADIODIGEST_ASR_TOKEN", c.ASR.Remote.Token)
	c.ASR.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.ASR.OpenAI.APIKey)

	c.Summarizer.APIKey = getEnv("OPENAI_API_KEY", c.Summarizer.APIKey)
	c.Notifier.BotToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notifier.BotToken)
	c.Notifier.ChatID = getEnv("TELEGRAM_CHAT_ID", c.Notifier.ChatID)
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
