// Package localwhisper runs a whisper CLI (whisper.cpp or faster-whisper)
// once per segment and reads the JSON it prints.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/resilience"
)

type Config struct {
	BinaryPath     string
	ModelPath      string
	Model          string
	Threads        int    // 0 lets the binary decide
	ExtraArgs      string // shell-quoted, appended before the input file
	TimeoutSeconds int    // default 300
}

type Backend struct {
	cfg Config
}

func NewBackend(cfg Config) *Backend {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "local_whisper" }

// output accepts both CLI dialects. faster-whisper prints "segments" with
// times in seconds; whisper.cpp prints "transcription" with millisecond
// offsets and the language under "result".
type output struct {
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"segments"`

	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (o *output) transcript() *asr.Transcript {
	t := &asr.Transcript{Language: o.Language}
	for _, s := range o.Segments {
		t.Segments = append(t.Segments, asr.Segment{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  strings.TrimSpace(s.Text),
			Score: s.Score,
		})
	}
	if len(o.Transcription) > 0 {
		t.Language = o.Result.Language
		for _, s := range o.Transcription {
			t.Segments = append(t.Segments, asr.Segment{
				Start: time.Duration(s.Offsets.From) * time.Millisecond,
				End:   time.Duration(s.Offsets.To) * time.Millisecond,
				Text:  strings.TrimSpace(s.Text),
			})
		}
	}
	if n := len(t.Segments); n > 0 {
		t.Duration = t.Segments[n-1].End
	}
	return t
}

// TranscribeFile runs the binary on filePath. Hitting the timeout is
// transient; anything else the binary does wrong is permanent, since running
// it again on the same file gives the same answer.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	args, err := b.args(filePath, opts)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("localwhisper: %w", err))
	}

	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.cfg.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	err = cmd.Run()
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, resilience.Transient(fmt.Errorf("localwhisper: %s timed out after %s", filePath, timeout))
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
		return nil, resilience.Permanent(fmt.Errorf("localwhisper: binary %q: %w", b.cfg.BinaryPath, err))
	case err != nil:
		return nil, resilience.Permanent(fmt.Errorf("localwhisper: %w: %s", err, tail(stderr.String())))
	}

	var out output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("localwhisper: unreadable output: %w", err))
	}
	t := out.transcript()
	t.Backend = b.Name()
	t.Model = opts.Model
	if t.Model == "" {
		t.Model = b.cfg.Model
	}
	return t, nil
}

// HealthCheck checks that the binary and model are in place and that the
// binary starts at all.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	hs := &asr.HealthStatus{Backend: b.Name()}

	info, err := os.Stat(b.cfg.BinaryPath)
	switch {
	case err != nil:
		hs.Message = fmt.Sprintf("binary %q: %v", b.cfg.BinaryPath, err)
		return hs, nil
	case info.Mode()&0111 == 0:
		hs.Message = fmt.Sprintf("binary %q is not executable", b.cfg.BinaryPath)
		return hs, nil
	}
	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			hs.Message = fmt.Sprintf("model %q: %v", b.cfg.ModelPath, err)
			return hs, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	err = exec.CommandContext(ctx, b.cfg.BinaryPath, "--help").Run()
	hs.Latency = time.Since(start)
	// Some builds exit non-zero on --help.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		hs.Message = fmt.Sprintf("binary does not start: %v", err)
		return hs, nil
	}
	hs.OK = true
	hs.Message = "ok"
	return hs, nil
}

func (b *Backend) args(filePath string, opts asr.TranscribeOptions) ([]string, error) {
	args := []string{"--output-json"}
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}
	if b.cfg.ExtraArgs != "" {
		extra, err := shlex.Split(b.cfg.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("localwhisper: extra_args: %w", err)
		}
		args = append(args, extra...)
	}
	return append(args, filePath), nil
}

// tail returns the last non-empty line of the binary's stderr.
func tail(s string) string {
	s = strings.TrimSpace(s)
	return s[strings.LastIndexByte(s, '\n')+1:]
}
