package digest

import (
	"fmt"
	"time"
)

// Window is the half-open range [Start, End) a digest covers.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WindowSpec is the configured digest cadence: local calendar days, or a
// fixed length.
type WindowSpec struct {
	Daily  bool
	Length time.Duration
}

// ParseWindow parses "daily" or a positive Go duration.
func ParseWindow(s string) (WindowSpec, error) {
	if s == "" || s == "daily" {
		return WindowSpec{Daily: true}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return WindowSpec{}, fmt.Errorf("digest window %q: %w", s, err)
	}
	if d <= 0 {
		return WindowSpec{}, fmt.Errorf("digest window %q must be positive", s)
	}
	return WindowSpec{Length: d}, nil
}

func (s WindowSpec) String() string {
	if s.Daily {
		return "daily"
	}
	return s.Length.String()
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Containing returns the window that t falls in. Fixed lengths that divide a
// day are aligned to local midnight; others to the zero time.
func (s WindowSpec) Containing(t time.Time, loc *time.Location) Window {
	if s.Daily {
		start := midnight(t, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	}
	if (24*time.Hour)%s.Length == 0 {
		day := midnight(t, loc)
		n := t.Sub(day) / s.Length
		start := day.Add(n * s.Length)
		return Window{Start: start, End: start.Add(s.Length)}
	}
	start := t.Truncate(s.Length)
	return Window{Start: start, End: start.Add(s.Length)}
}

// previous returns the window immediately before w.
func (s WindowSpec) previous(w Window) Window {
	if s.Daily {
		return Window{Start: w.Start.AddDate(0, 0, -1), End: w.Start}
	}
	return Window{Start: w.Start.Add(-s.Length), End: w.Start}
}

// Completed returns the last window that ended at or before now plus up to
// lookback earlier ones, oldest first.
func (s WindowSpec) Completed(now time.Time, loc *time.Location, lookback int) []Window {
	if lookback < 0 {
		lookback = 0
	}
	w := s.previous(s.Containing(now, loc))
	out := make([]Window, lookback+1)
	for i := lookback; i >= 0; i-- {
		out[i] = w
		w = s.previous(w)
	}
	return out
}

// InDay returns the windows that start on the local calendar day of day, in
// order. Used for backfill.
func (s WindowSpec) InDay(day time.Time, loc *time.Location) []Window {
	start := midnight(day, loc)
	if s.Daily {
		return []Window{{Start: start, End: start.AddDate(0, 0, 1)}}
	}
	end := start.AddDate(0, 0, 1)
	var out []Window
	for w := s.Containing(start, loc); w.Start.Before(end); w = (Window{Start: w.End, End: w.End.Add(s.Length)}) {
		if !w.Start.Before(start) {
			out = append(out, w)
		}
	}
	return out
}
