package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/store"
)

// Info is what the watcher knows about a stable file.
type Info struct {
	Size     int64
	Duration time.Duration // 0 when the prober failed
	ModTime  time.Time
}

// Classifier decides whether a finalized segment is worth transcribing.
type Classifier interface {
	Classify(ctx context.Context, path string, info Info) (store.Classification, error)
}

// DurationClassifier marks segments shorter than Min as silence. A segment of
// unknown duration is speech.
type DurationClassifier struct {
	Min time.Duration
}

func (c DurationClassifier) Classify(_ context.Context, _ string, info Info) (store.Classification, error) {
	if info.Duration > 0 && info.Duration < c.Min {
		return store.Silence, nil
	}
	return store.Speech, nil
}

// EnergyClassifier marks WAV segments whose RMS level is below ThresholdDB
// (dBFS) as silence. Other formats pass as speech.
type EnergyClassifier struct {
	ThresholdDB float64
}

func (c EnergyClassifier) Classify(ctx context.Context, path string, _ Info) (store.Classification, error) {
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return store.Speech, nil
	}
	db, err := RMSLevel(ctx, path)
	if err != nil {
		return store.Unclassified, err
	}
	if db < c.ThresholdDB {
		return store.Silence, nil
	}
	return store.Speech, nil
}

// RMSLevel returns the RMS level of a PCM WAV file in dBFS. A file of pure
// digital silence returns -Inf.
func RMSLevel(ctx context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("segment: %s is not a valid wav file", filepath.Base(path))
	}
	format := d.Format()
	if format == nil || d.BitDepth == 0 {
		return 0, fmt.Errorf("segment: %s has no pcm format", filepath.Base(path))
	}
	full := math.Pow(2, float64(d.BitDepth)-1)

	buf := &audio.IntBuffer{Data: make([]int, 4096), Format: format}
	var sum float64
	var count int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := d.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("segment: read pcm: %w", err)
		}
		if n == 0 {
			break
		}
		for _, s := range buf.Data[:n] {
			v := float64(s) / full
			sum += v * v
		}
		count += int64(n)
	}
	if count == 0 || sum == 0 {
		return math.Inf(-1), nil
	}
	return 20 * math.Log10(math.Sqrt(sum/float64(count))), nil
}

// Chain runs classifiers in order. The first Silence verdict wins; a
// classifier error is skipped unless every classifier errs.
type Chain []Classifier

func (c Chain) Classify(ctx context.Context, path string, info Info) (store.Classification, error) {
	var errs []error
	for _, cl := range c {
		class, err := cl.Classify(ctx, path, info)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if class == store.Silence {
			return store.Silence, nil
		}
	}
	if len(c) > 0 && len(errs) == len(c) {
		return store.Unclassified, errors.Join(errs...)
	}
	return store.Speech, nil
}

// ClassifierFromConfig builds the classifier named by w.Classifier.
func ClassifierFromConfig(w config.WatcherConfig) Classifier {
	dur := DurationClassifier{Min: w.MinSpeech()}
	energy := EnergyClassifier{ThresholdDB: w.SilenceThresholdDB}
	switch w.Classifier {
	case "duration":
		return dur
	case "energy":
		return energy
	default:
		return Chain{dur, energy}
	}
}
