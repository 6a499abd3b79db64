package segment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// Prober reports an audio file's duration.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// WAVProber reads the duration from the WAV header.
type WAVProber struct{}

func (WAVProber) Probe(_ context.Context, path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("segment: %s is not a valid wav file", filepath.Base(path))
	}
	dur, err := d.Duration()
	if err != nil {
		return 0, fmt.Errorf("segment: read wav duration: %w", err)
	}
	return dur, nil
}

// FFprobe shells out to ffprobe for formats without a native reader.
type FFprobe struct {
	Path string
}

func (p FFprobe) Probe(ctx context.Context, path string) (time.Duration, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("segment: ffprobe %s: %w (stderr: %s)", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	return parseSeconds(stdout.String())
}

func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("segment: parse duration %q: %w", strings.TrimSpace(s), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// FormatProber dispatches on file extension: WAV to the header reader,
// everything else to Other.
type FormatProber struct {
	WAV   Prober
	Other Prober
}

func (p FormatProber) Probe(ctx context.Context, path string) (time.Duration, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") && p.WAV != nil {
		return p.WAV.Probe(ctx, path)
	}
	if p.Other == nil {
		return 0, fmt.Errorf("segment: no prober for %s", filepath.Ext(path))
	}
	return p.Other.Probe(ctx, path)
}
