// Package transcript renders an ASR result into the files stored beside each
// segment's audio.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/fileutil"
)

// render produces the body of one file format. origin is the wall-clock
// start of the segment, zero when unknown.
type render func(t *asr.Transcript, origin time.Time) string

var renderers = map[string]render{
	"txt": renderText,
	"srt": renderSRT,
	"vtt": renderVTT,
}

// renderText writes "[HH:MM:SS] text" per line. The stamp is wall-clock time
// when origin is set, so a day's transcripts read like a log of the station.
func renderText(t *asr.Transcript, origin time.Time) string {
	var b strings.Builder
	for _, seg := range t.Segments {
		stamp := clock(seg.Start, 0)
		if !origin.IsZero() {
			stamp = origin.Add(seg.Start).Format(time.TimeOnly)
		}
		fmt.Fprintf(&b, "[%s] %s\n", stamp, strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func renderSRT(t *asr.Transcript, _ time.Time) string {
	cues := make([]string, len(t.Segments))
	for i, seg := range t.Segments {
		cues[i] = fmt.Sprintf("%d\n%s --> %s\n%s\n", i+1, clock(seg.Start, ','), clock(seg.End, ','), strings.TrimSpace(seg.Text))
	}
	return strings.Join(cues, "\n")
}

func renderVTT(t *asr.Transcript, _ time.Time) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "\n%s --> %s\n%s\n", clock(seg.Start, '.'), clock(seg.End, '.'), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// clock formats d as HH:MM:SS, followed by sep and milliseconds unless sep
// is zero. Hours are not wrapped.
func clock(d time.Duration, sep byte) string {
	ms := d.Milliseconds()
	s := fmt.Sprintf("%02d:%02d:%02d", ms/3_600_000, ms/60_000%60, ms/1000%60)
	if sep == 0 {
		return s
	}
	return fmt.Sprintf("%s%c%03d", s, sep, ms%1000)
}

// WriteAll writes the transcript next to audioPath once per format, swapping
// the audio extension for the format name, and returns the paths written.
// No formats means txt only. A failing or unknown format is reported without
// stopping the rest.
func WriteAll(audioPath string, t *asr.Transcript, formats []string, origin time.Time) ([]string, error) {
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	base := fileutil.TrimExt(audioPath)

	var written []string
	var errs []error
	for _, f := range formats {
		r, ok := renderers[f]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown format %q", f))
			continue
		}
		path := base + "." + f
		if err := fileutil.AtomicWriteFile(path, []byte(r(t, origin)), 0644); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		written = append(written, path)
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("transcript write: %w", errors.Join(errs...))
	}
	return written, nil
}
