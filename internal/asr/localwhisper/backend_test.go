package localwhisper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/resilience"
)

// fakeWhisper writes a shell script standing in for the whisper binary and
// a segment file for it to read.
func fakeWhisper(t *testing.T, body string) (bin, segment string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "whisper")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	segment = filepath.Join(dir, "chunk_20260301060000.wav")
	if err := os.WriteFile(segment, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	return bin, segment
}

func TestTranscribeFile_Dialects(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantLang string
		wantEnd  time.Duration
	}{
		{
			name:     "faster-whisper",
			json:     `{"language":"he","segments":[{"start":0,"end":2.5,"text":" boker tov ","score":0.9},{"start":2.5,"end":6.25,"text":"hadashot"}]}`,
			wantLang: "he",
			wantEnd:  6250 * time.Millisecond,
		},
		{
			name:     "whisper.cpp",
			json:     `{"result":{"language":"he"},"transcription":[{"offsets":{"from":0,"to":2500},"text":" boker tov "},{"offsets":{"from":2500,"to":6250},"text":"hadashot"}]}`,
			wantLang: "he",
			wantEnd:  6250 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, seg := fakeWhisper(t, "echo '"+tt.json+"'")
			b := NewBackend(Config{BinaryPath: bin, Model: "large-v3"})

			got, err := b.TranscribeFile(context.Background(), seg, asr.TranscribeOptions{Language: "he"})
			if err != nil {
				t.Fatalf("TranscribeFile() error = %v", err)
			}
			if got.Language != tt.wantLang || got.Duration != tt.wantEnd || got.Backend != "local_whisper" || got.Model != "large-v3" {
				t.Errorf("transcript = %+v", got)
			}
			if got.Text() != "boker tov hadashot" {
				t.Errorf("Text() = %q", got.Text())
			}
		})
	}
}

func TestTranscribeFile_PassesArgs(t *testing.T) {
	bin, seg := fakeWhisper(t, `echo "{\"segments\":[{\"text\":\"$*\"}]}"`)
	b := NewBackend(Config{BinaryPath: bin, ModelPath: "/models/ggml-small.bin", Threads: 4, ExtraArgs: `--beam-size 5 --prompt "Kan news"`})

	got, err := b.TranscribeFile(context.Background(), seg, asr.TranscribeOptions{Language: "ar", Model: "small"})
	if err != nil {
		t.Fatalf("TranscribeFile() error = %v", err)
	}
	want := "--output-json --model /models/ggml-small.bin --language ar --threads 4 --beam-size 5 --prompt Kan news " + seg
	if got.Text() != want {
		t.Errorf("args = %q, want %q", got.Text(), want)
	}
	if got.Model != "small" {
		t.Errorf("Model = %q, want the per-call override", got.Model)
	}
}

func TestTranscribeFile_Errors(t *testing.T) {
	tests := []struct {
		name          string
		script        string
		cfg           func(*Config)
		missingInput  bool
		wantTransient bool
		wantMsg       string
	}{
		{name: "non-zero exit", script: "echo 'failed to load model' >&2; exit 3", wantMsg: "failed to load model"},
		{name: "bad json", script: "echo 'not json'", wantMsg: "unreadable output"},
		{name: "missing binary", script: "exit 0", cfg: func(c *Config) { c.BinaryPath += ".gone" }, wantMsg: "binary"},
		{name: "missing input", script: "exit 0", missingInput: true},
		{name: "bad extra args", script: "exit 0", cfg: func(c *Config) { c.ExtraArgs = `--prompt "unterminated` }, wantMsg: "extra_args"},
		{name: "timeout", script: "sleep 5", cfg: func(c *Config) { c.TimeoutSeconds = 1 }, wantTransient: true, wantMsg: "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, seg := fakeWhisper(t, tt.script)
			cfg := Config{BinaryPath: bin}
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			if tt.missingInput {
				seg += ".missing"
			}

			_, err := NewBackend(cfg).TranscribeFile(context.Background(), seg, asr.TranscribeOptions{})
			if err == nil {
				t.Fatal("TranscribeFile() succeeded")
			}
			if resilience.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, !tt.wantTransient, tt.wantTransient)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestTranscribeFile_CallerCancel(t *testing.T) {
	bin, seg := fakeWhisper(t, "sleep 5")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewBackend(Config{BinaryPath: bin}).TranscribeFile(ctx, seg, asr.TranscribeOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want the caller's context error", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("subprocess outlived the caller's context")
	}
}

func TestHealthCheck(t *testing.T) {
	bin, _ := fakeWhisper(t, "exit 1")
	notExec := filepath.Join(t.TempDir(), "whisper")
	os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644)

	tests := []struct {
		name   string
		cfg    Config
		wantOK bool
		want   string
	}{
		{"healthy despite --help exit code", Config{BinaryPath: bin}, true, "ok"},
		{"missing binary", Config{BinaryPath: bin + ".gone"}, false, "binary"},
		{"not executable", Config{BinaryPath: notExec}, false, "not executable"},
		{"missing model", Config{BinaryPath: bin, ModelPath: "/nonexistent/ggml.bin"}, false, "model"},
	}
	for _, tt := range tests {
		hs, err := NewBackend(tt.cfg).HealthCheck(context.Background())
		if err != nil {
			t.Fatalf("%s: HealthCheck() error = %v", tt.name, err)
		}
		if hs.OK != tt.wantOK || !strings.Contains(hs.Message, tt.want) {
			t.Errorf("%s: HealthCheck() = %+v", tt.name, hs)
		}
	}
}

func TestNewBackend_DefaultTimeout(t *testing.T) {
	if got := NewBackend(Config{}).cfg.TimeoutSeconds; got != 300 {
		t.Errorf("TimeoutSeconds = %d, want 300", got)
	}
}
