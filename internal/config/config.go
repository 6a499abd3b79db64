// Package config loads the channel registry and daemon settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel is one configured audio source. Immutable after load.
type Channel struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	SourceURL string `yaml:"source_url" json:"source_url"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`

	Language string `yaml:"language,omitempty" json:"language,omitempty"` // spoken language hint for ASR
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"` // date dirs; defaults to digest timezone

	// Capture options passed to ffmpeg.
	Format        string `yaml:"format,omitempty" json:"format,omitempty"` // wav | mp3
	SegmentTime   int    `yaml:"segment_time_seconds,omitempty" json:"segment_time_seconds,omitempty"`
	Codec         string `yaml:"codec,omitempty" json:"codec,omitempty"`
	Bitrate       string `yaml:"bitrate,omitempty" json:"bitrate,omitempty"`
	SampleRate    int    `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	AudioChannels int    `yaml:"audio_channels,omitempty" json:"audio_channels,omitempty"`
	ExtraFlags    string `yaml:"extra_flags,omitempty" json:"extra_flags,omitempty"`

	NotifyChatID string `yaml:"notify_chat_id,omitempty" json:"notify_chat_id,omitempty"` // overrides notifier.chat_id
}

// CaptureConfig tunes the capture supervisor.
type CaptureConfig struct {
	FFmpegPath         string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	StopGraceSeconds   int    `yaml:"stop_grace_seconds" json:"stop_grace_seconds"`
	StabilitySeconds   int    `yaml:"stability_seconds" json:"stability_seconds"`
	RestartBaseSeconds int    `yaml:"restart_base_seconds" json:"restart_base_seconds"`
	RestartMaxSeconds  int    `yaml:"restart_max_seconds" json:"restart_max_seconds"`
	FlapThreshold      int    `yaml:"flap_threshold" json:"flap_threshold"`
	FlapWindowSeconds  int    `yaml:"flap_window_seconds" json:"flap_window_seconds"`
	CoolDownSeconds    int    `yaml:"cool_down_seconds" json:"cool_down_seconds"`
	DirIntervalSeconds int    `yaml:"dir_interval_seconds" json:"dir_interval_seconds"`
	StderrLogMaxBytes  int64  `yaml:"stderr_log_max_bytes" json:"stderr_log_max_bytes"`
}

// WatcherConfig tunes segment finalize detection and classification.
type WatcherConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	DebounceSeconds     int     `yaml:"debounce_seconds" json:"debounce_seconds"`
	StallAfterSeconds   int     `yaml:"stall_after_seconds" json:"stall_after_seconds"`
	Classifier          string  `yaml:"classifier" json:"classifier"` // duration | energy | duration+energy
	MinSpeechSeconds    int     `yaml:"min_speech_seconds" json:"min_speech_seconds"`
	SilenceThresholdDB  float64 `yaml:"silence_threshold_db" json:"silence_threshold_db"`
	FFprobePath         string  `yaml:"ffprobe_path" json:"ffprobe_path"`
}

// QueueConfig tunes the transcription worker pool.
type QueueConfig struct {
	Workers          int `yaml:"workers" json:"workers"`
	Capacity         int `yaml:"capacity" json:"capacity"`
	MaxAttempts      int `yaml:"max_attempts" json:"max_attempts"`
	BaseDelaySeconds int `yaml:"base_delay_seconds" json:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds" json:"max_delay_seconds"`
}

// RemoteASRConfig configures the remote Whisper HTTP backend.
type RemoteASRConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Model   string `yaml:"model" json:"model"`
}

// LocalASRConfig configures the local whisper CLI backend.
type LocalASRConfig struct {
	BinaryPath string `yaml:"binary_path" json:"binary_path"`
	ModelPath  string `yaml:"model_path" json:"model_path"`
	Model      string `yaml:"model" json:"model"`
	Threads    int    `yaml:"threads" json:"threads"`
	ExtraArgs  string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// OpenAIASRConfig configures the OpenAI audio transcription backend.
type OpenAIASRConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Model   string `yaml:"model" json:"model"`
}

// ASRConfig selects and configures speech-to-text backends.
type ASRConfig struct {
	Backend           string          `yaml:"backend" json:"backend"` // remote_whisper_api | local_whisper | openai
	FallbackBackend   string          `yaml:"fallback_backend,omitempty" json:"fallback_backend,omitempty"`
	TimeoutSeconds    int             `yaml:"timeout_seconds" json:"timeout_seconds"`
	TranscriptFormats []string        `yaml:"transcript_formats,omitempty" json:"transcript_formats,omitempty"` // txt | srt | vtt
	WriteSidecar      bool            `yaml:"write_sidecar" json:"write_sidecar"`
	Remote            RemoteASRConfig `yaml:"remote" json:"remote"`
	Local             LocalASRConfig  `yaml:"local" json:"local"`
	OpenAI            OpenAIASRConfig `yaml:"openai" json:"openai"`
}

// DigestConfig is the injected schedule consumed by the digest scheduler.
type DigestConfig struct {
	Schedule        string `yaml:"schedule" json:"schedule"` // standard 5-field cron
	Window          string `yaml:"window" json:"window"`     // "daily" or a Go duration such as "6h"
	Timezone        string `yaml:"timezone" json:"timezone"`
	TargetLanguage  string `yaml:"target_language" json:"target_language"`
	Lookback        int    `yaml:"lookback" json:"lookback"`
	MergeGapSeconds int    `yaml:"merge_gap_seconds" json:"merge_gap_seconds"`
	MinBlockSeconds int    `yaml:"min_block_seconds" json:"min_block_seconds"`
}

// SummarizerConfig configures the summarization boundary.
type SummarizerConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	APIKey         string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Model          string `yaml:"model" json:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// NotifierConfig configures the notification boundary.
type NotifierConfig struct {
	Provider       string `yaml:"provider" json:"provider"` // telegram | log
	BaseURL        string `yaml:"base_url" json:"base_url"`
	BotToken       string `yaml:"bot_token,omitempty" json:"bot_token,omitempty"`
	ChatID         string `yaml:"chat_id" json:"chat_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// StatusConfig configures the read-only status surfaces.
type StatusConfig struct {
	Listen          string `yaml:"listen,omitempty" json:"listen,omitempty"` // websocket feed address; empty disables
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	RecentRuns      int    `yaml:"recent_runs" json:"recent_runs"`
}

// Config is the whole daemon configuration document.
type Config struct {
	Channels   []Channel        `yaml:"channels" json:"channels"`
	Capture    CaptureConfig    `yaml:"capture" json:"capture"`
	Watcher    WatcherConfig    `yaml:"watcher" json:"watcher"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	ASR        ASRConfig        `yaml:"asr" json:"asr"`
	Digest     DigestConfig     `yaml:"digest" json:"digest"`
	Summarizer SummarizerConfig `yaml:"summarizer" json:"summarizer"`
	Notifier   NotifierConfig   `yaml:"notifier" json:"notifier"`
	Status     StatusConfig     `yaml:"status" json:"status"`

	StateDir  string `yaml:"state_dir" json:"state_dir"` // status.json, cmd.txt, pid file
	StorePath string `yaml:"store_path" json:"store_path"`
	LogDir    string `yaml:"log_dir" json:"log_dir"`
	LogFormat string `yaml:"log_format" json:"log_format"` // text | json
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// DefaultPath returns $RADIODIGEST_CONFIG or ~/.config/radiodigest/channels.yaml.
func DefaultPath() string {
	if p := os.Getenv("RADIODIGEST_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "radiodigest", "channels.yaml")
}

// Load reads the document at path (JSON when the extension is .json, YAML
// otherwise), fills defaults, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a document without defaults or validation.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save validates cfg and writes it to path in the format implied by the
// extension. Secrets pulled from the environment are not persisted.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	out := *cfg
	out.ASR.Remote.Token = ""
	out.ASR.OpenAI.APIKey = ""
	out.Summarizer.APIKey = ""
	out.Notifier.BotToken = ""

	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(&out, "", "  ")
	} else {
		data, err = yaml.Marshal(&out)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ChannelByID returns the channel with id, or nil.
func (c *Config) ChannelByID(id string) *Channel {
	for i := range c.Channels {
		if c.Channels[i].ID == id {
			return &c.Channels[i]
		}
	}
	return nil
}

// EnabledChannels returns the enabled channels in document order.
func (c *Config) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Location returns the channel's time zone, falling back to fallback and
// then UTC.
func (ch Channel) Location(fallback string) *time.Location {
	for _, name := range []string{ch.Timezone, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// DisplayName returns Name, or ID when Name is empty.
func (ch Channel) DisplayName() string {
	if ch.Name != "" {
		return ch.Name
	}
	return ch.ID
}

// Location returns the digest time zone, or UTC if it does not load.
func (d DigestConfig) Location() *time.Location {
	return Channel{}.Location(d.Timezone)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c CaptureConfig) StopGrace() time.Duration    { return seconds(c.StopGraceSeconds) }
func (c CaptureConfig) Stability() time.Duration    { return seconds(c.StabilitySeconds) }
func (c CaptureConfig) RestartBase() time.Duration  { return seconds(c.RestartBaseSeconds) }
func (c CaptureConfig) RestartMax() time.Duration   { return seconds(c.RestartMaxSeconds) }
func (c CaptureConfig) FlapWindow() time.Duration   { return seconds(c.FlapWindowSeconds) }
func (c CaptureConfig) CoolDown() time.Duration     { return seconds(c.CoolDownSeconds) }
func (c CaptureConfig) DirInterval() time.Duration  { return seconds(c.DirIntervalSeconds) }
func (w WatcherConfig) PollInterval() time.Duration { return seconds(w.PollIntervalSeconds) }
func (w WatcherConfig) Debounce() time.Duration     { return seconds(w.DebounceSeconds) }
func (w WatcherConfig) StallAfter() time.Duration   { return seconds(w.StallAfterSeconds) }
func (w WatcherConfig) MinSpeech() time.Duration    { return seconds(w.MinSpeechSeconds) }
func (q QueueConfig) BaseDelay() time.Duration      { return seconds(q.BaseDelaySeconds) }
func (q QueueConfig) MaxDelay() time.Duration       { return seconds(q.MaxDelaySeconds) }
func (a ASRConfig) Timeout() time.Duration          { return seconds(a.TimeoutSeconds) }
func (d DigestConfig) MergeGap() time.Duration      { return seconds(d.MergeGapSeconds) }
func (d DigestConfig) MinBlock() time.Duration      { return seconds(d.MinBlockSeconds) }
func (s SummarizerConfig) Timeout() time.Duration   { return seconds(s.TimeoutSeconds) }
func (n NotifierConfig) Timeout() time.Duration     { return seconds(n.TimeoutSeconds) }
func (s StatusConfig) Interval() time.Duration      { return seconds(s.IntervalSeconds) }
