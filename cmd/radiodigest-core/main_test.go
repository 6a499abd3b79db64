package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/asr/openai"
	"github.com/tiroq/radiodigest/internal/capture"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/digest"
	"github.com/tiroq/radiodigest/internal/ipc"
	"github.com/tiroq/radiodigest/internal/notify"
	"github.com/tiroq/radiodigest/internal/pipeline"
	"github.com/tiroq/radiodigest/internal/queue"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/store"
	"github.com/tiroq/radiodigest/internal/summarize"
	"github.com/tiroq/radiodigest/testutil"
)

func TestRotateLogIfNeeded(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "core.log")

	if err := rotateLogIfNeeded(logPath, 10); err != nil {
		t.Fatalf("rotate missing log: %v", err)
	}

	if err := os.WriteFile(logPath, []byte("short"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := rotateLogIfNeeded(logPath, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".old"); !os.IsNotExist(err) {
		t.Error("small log was rotated")
	}

	if err := os.WriteFile(logPath+".old", []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, []byte("this line is long enough"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := rotateLogIfNeeded(logPath, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("log still present after rotation")
	}
	data, _ := os.ReadFile(logPath + ".old")
	if string(data) != "this line is long enough" {
		t.Errorf(".old = %q, want the rotated log", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", "info").Info("hello", "channel", "kan")
	testutil.AssertJSONContainsKey(t, bytes.TrimSpace(buf.Bytes()), "channel")

	buf.Reset()
	newLogger(&buf, "text", "warn").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestDiagPath(t *testing.T) {
	t.Setenv("RADIODIGEST_LOG_PATH", "")
	cfg := &config.Config{LogDir: "/var/log/radiodigest"}
	if got := diagPath(cfg); got != "/var/log/radiodigest/radiodigest-diag.ndjson" {
		t.Errorf("diagPath() = %s", got)
	}
	t.Setenv("RADIODIGEST_LOG_PATH", "/tmp/journal.ndjson")
	if got := diagPath(cfg); got != "/tmp/journal.ndjson" {
		t.Errorf("diagPath() with env = %s", got)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := config.ASRConfig{
		Backend:         "remote_whisper_api",
		FallbackBackend: "openai",
		TimeoutSeconds:  30,
		Remote:          config.RemoteASRConfig{BaseURL: "http://whisper.local:9000"},
		OpenAI:          config.OpenAIASRConfig{APIKey: "sk-test"},
	}
	reg, err := buildRegistry(cfg, diaglog.NewNoOp())
	if err != nil {
		t.Fatalf("buildRegistry() error = %v", err)
	}
	if got := reg.Backends(); len(got) != 2 {
		t.Errorf("Backends() = %v, want two", got)
	}
	if p := reg.Primary(); p == nil || p.Name() != "remote_whisper_api" {
		t.Errorf("Primary() = %v", p)
	}
	if f := reg.Fallback(); f == nil {
		t.Error("Fallback() = nil")
	} else if _, ok := f.(*openai.Backend); !ok {
		t.Errorf("Fallback() = %T, want *openai.Backend", f)
	}
}

func TestBuildRegistry_Errors(t *testing.T) {
	if _, err := buildRegistry(config.ASRConfig{Backend: "google_stt"}, nil); err == nil {
		t.Error("unknown primary accepted")
	}
	_, err := buildRegistry(config.ASRConfig{Backend: "local_whisper", FallbackBackend: "nope"}, nil)
	if err == nil || !strings.Contains(err.Error(), "fallback") {
		t.Errorf("unknown fallback error = %v", err)
	}
}

type nopSummarizer struct{}

func (nopSummarizer) Summarize(context.Context, summarize.Request) (string, error) { return "", nil }

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		StateDir: dir,
		Channels: []config.Channel{
			{ID: "kan-bet", Name: "Kan Bet", SourceURL: "http://example.test/kan", OutputDir: filepath.Join(dir, "kan"), Enabled: true},
			{ID: "glz", SourceURL: "http://example.test/glz", OutputDir: filepath.Join(dir, "glz")},
		},
	}
	cfg.ApplyDefaults()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := &daemon{
		cfgPath: filepath.Join(dir, "channels.yaml"),
		cfg:     cfg,
		log:     slog.Default(),
		diag:    diaglog.NewNoOp(),
		store:   st,
		ctx:     ctx,
		quit:    cancel,
	}
	d.queue = queue.New(d.queueConfig(), nil, st, resilience.DefaultPolicy())
	d.ingest = pipeline.NewIngest(st, d.queue, nil, nil)
	d.capture = capture.New(capture.Options{})
	d.channels = pipeline.NewChannels(d.capture, d.ingest, d.watcherOptions, nil)
	d.notifier = notify.Log{}
	d.sched = digest.New(digest.Config{}, st, nopSummarizer{}, d.notifier, cfg.EnabledChannels())
	return d
}

func TestDaemon_Snapshot(t *testing.T) {
	d := newTestDaemon(t)
	d.asr = asr.NewRegistry(openai.NewBackend(openai.Config{APIKey: "sk-test"}))
	ctx := context.Background()
	if _, _, err := d.store.RecordDetected(ctx, "kan-bet", "/rec/a.wav", d.startedAt, 10); err != nil {
		t.Fatal(err)
	}

	snap := d.snapshot(ctx)
	if len(snap.Channels) != 2 {
		t.Fatalf("Channels = %+v, want two", snap.Channels)
	}
	if c := snap.Channels[0]; c.ChannelID != "kan-bet" || c.Name != "Kan Bet" || !c.Enabled || c.Capture != nil {
		t.Errorf("Channels[0] = %+v", c)
	}
	if c := snap.Channels[1]; c.Name != "glz" || c.Enabled {
		t.Errorf("Channels[1] = %+v", c)
	}
	if snap.Segments[string(store.StatusDetected)] != 1 {
		t.Errorf("Segments = %v, want one detected", snap.Segments)
	}
	if len(snap.ASR) != 1 || snap.ASR[0].Name != "openai" || snap.ASR[0].Role != "primary" {
		t.Errorf("ASR = %+v", snap.ASR)
	}
	if snap.PID != os.Getpid() {
		t.Errorf("PID = %d", snap.PID)
	}
}

func TestDaemon_HandleCommand(t *testing.T) {
	d := newTestDaemon(t)
	logs, logger := testutil.NewLogCapture()
	d.log = logger

	d.handleCommand(ipc.Command{Verb: ipc.VerbStart, Arg: "missing"})
	if !strings.Contains(d.snapshot(context.Background()).LastError, "missing") {
		t.Errorf("LastError = %q, want the failed start", d.lastErr)
	}
	recs := logs.Find("command failed")
	if len(recs) != 1 || recs[0]["command"] != "start missing" {
		t.Errorf("command failed records = %v", recs)
	}

	d.handleCommand(ipc.Command{Verb: ipc.VerbDigest, Arg: "not-a-day"})
	if logs.Count("command failed") != 2 {
		t.Errorf("bad digest day was not reported:\n%s", logs.String())
	}

	d.handleCommand(ipc.Command{Verb: ipc.VerbQuit})
	if d.ctx.Err() == nil {
		t.Error("quit did not cancel the daemon context")
	}
	if !logs.Contains("quit command received") {
		t.Error("quit was not logged")
	}
}

func TestDaemon_Reload(t *testing.T) {
	d := newTestDaemon(t)
	doc := `
asr:
  backend: openai
channels:
  - id: kan-bet
    name: Kan Bet
    source_url: http://example.test/kan
    output_dir: ` + filepath.Join(d.cfg.StateDir, "kan") + `
    enabled: false
    notify_chat_id: "-100"
`
	if err := os.WriteFile(d.cfgPath, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	tg := notify.NewTelegram(notify.TelegramConfig{})
	d.notifier = tg

	if err := d.reload(); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	if len(d.config().Channels) != 1 || d.config().Channels[0].Enabled {
		t.Errorf("config after reload = %+v", d.config().Channels)
	}
	if err := d.startChannel("glz"); !errors.Is(err, capture.ErrUnknownChannel) {
		t.Errorf("startChannel(removed) error = %v, want ErrUnknownChannel", err)
	}
}
