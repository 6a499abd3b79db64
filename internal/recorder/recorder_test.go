package recorder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name    string
		ch      config.Channel
		want    []string
		absent  []string
		wantOut string
	}{
		{
			name: "wav defaults",
			ch:   config.Channel{ID: "kan", SourceURL: "http://radio/kan", OutputDir: "/rec/kan"},
			want: []string{"-i http://radio/kan", "-c:a pcm_s16le", "-ac 1", "-ar 16000",
				"-segment_format wav", "-segment_time 3600", "-strftime 1", "-reset_timestamps 1"},
			absent:  []string{"-b:a"},
			wantOut: "/rec/kan/%Y/%m/%d/chunk_%Y%m%d%H%M%S.wav",
		},
		{
			name: "mp3 copy skips resampling",
			ch: config.Channel{ID: "glz", SourceURL: "http://radio/glz", OutputDir: "/rec/glz",
				Format: "mp3", Bitrate: "64k", SegmentTime: 900},
			want:    []string{"-c:a copy", "-b:a 64k", "-segment_time 900"},
			absent:  []string{"-ac", "-ar"},
			wantOut: "/rec/glz/%Y/%m/%d/chunk_%Y%m%d%H%M%S.mp3",
		},
		{
			name: "extra flags are shell split",
			ch: config.Channel{ID: "kan", SourceURL: "u", OutputDir: "/o",
				ExtraFlags: `-reconnect 1 -user_agent "Radio Digest"`, SampleRate: 22050, AudioChannels: 2},
			want:    []string{"-reconnect 1", "-user_agent Radio Digest", "-ac 2", "-ar 22050"},
			wantOut: "/o/%Y/%m/%d/chunk_%Y%m%d%H%M%S.wav",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := BuildArgs(tt.ch)
			if err != nil {
				t.Fatalf("BuildArgs() error = %v", err)
			}
			if args[0] != "-nostdin" {
				t.Errorf("args[0] = %q, want -nostdin", args[0])
			}
			if got := args[len(args)-1]; got != tt.wantOut {
				t.Errorf("output = %q, want %q", got, tt.wantOut)
			}
			pairs := make(map[string]bool)
			for i := 0; i+1 < len(args); i++ {
				pairs[args[i]+" "+args[i+1]] = true
			}
			for _, w := range tt.want {
				if !pairs[w] {
					t.Errorf("args %q missing %q", args, w)
				}
			}
			for _, a := range tt.absent {
				for _, arg := range args {
					if arg == a {
						t.Errorf("args %q contain %q", args, a)
					}
				}
			}
		})
	}
}

func TestBuildArgsErrors(t *testing.T) {
	if _, err := BuildArgs(config.Channel{ID: "x", OutputDir: "/o"}); err == nil {
		t.Error("expected error for missing source_url")
	}
	_, err := BuildArgs(config.Channel{ID: "x", SourceURL: "u", OutputDir: "/o", ExtraFlags: `-a "unterminated`})
	if err == nil || !strings.Contains(err.Error(), "extra_flags") {
		t.Errorf("error = %v, want extra_flags error", err)
	}
}

func TestBuildSpecPinsTimezone(t *testing.T) {
	spec, err := BuildSpec("", config.Channel{ID: "kan", SourceURL: "u", OutputDir: "/o"}, "Asia/Jerusalem")
	if err != nil {
		t.Fatalf("BuildSpec() error = %v", err)
	}
	if spec.Path != "ffmpeg" {
		t.Errorf("Path = %q, want ffmpeg", spec.Path)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "TZ=Asia/Jerusalem" {
		t.Errorf("Env = %v", spec.Env)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecLauncherSignalsGroup(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-ffmpeg")
	body := "#!/bin/sh\necho \"started $1\" >&2\ntrap 'echo term >&2; exit 0' TERM\nwhile true; do sleep 0.1; done\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}

	stderr := &syncBuffer{}
	h, err := ExecLauncher{}.Launch(context.Background(), Spec{Path: script, Args: []string{"-nostdin"}, Stderr: stderr})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if h.PID() <= 0 {
		t.Errorf("PID() = %d", h.PID())
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(stderr.String(), "started") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = h.Signal(syscall.SIGKILL)
		t.Fatal("process did not exit after SIGTERM")
	}
	if !strings.Contains(stderr.String(), "started -nostdin") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestExecLauncherMissingBinary(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), Spec{Path: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}
