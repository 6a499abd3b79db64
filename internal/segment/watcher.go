// Package segment watches a channel's output tree and emits finalize events
// for segment files that have stopped changing.
package segment

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/store"
)

// Event announces a finalized segment.
type Event struct {
	ChannelID      string
	Path           string
	StartTime      time.Time
	Duration       time.Duration
	Size           int64
	ModTime        time.Time
	Classification store.Classification
	// Stalled is set when the file was finalized after it had been reported
	// stalled.
	Stalled bool
}

// Options configures a Watcher.
type Options struct {
	ChannelID    string
	Dir          string
	Location     *time.Location // zone of chunk file names
	PollInterval time.Duration
	Debounce     time.Duration
	StallAfter   time.Duration
	Classifier   Classifier
	Prober       Prober

	// Known reports whether path is already at or past Finalized.
	Known func(path string) bool
	// OnDetected is called once for every newly tracked file.
	OnDetected func(path string, start time.Time, size int64)

	Logger *slog.Logger
	Diag   *diaglog.Logger
	Now    func() time.Time
	Stat   func(path string) (os.FileInfo, error)
	// PollOnly disables fsnotify.
	PollOnly bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 10 * time.Second
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 2 * time.Hour
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Classifier == nil {
		o.Classifier = DurationClassifier{Min: 30 * time.Second}
	}
	if o.Prober == nil {
		o.Prober = FormatProber{WAV: WAVProber{}, Other: FFprobe{}}
	}
	if o.Known == nil {
		o.Known = func(string) bool { return false }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Diag == nil {
		o.Diag = diaglog.NewNoOp()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Stat == nil {
		o.Stat = os.Stat
	}
	return o
}

type tracked struct {
	path       string
	order      time.Time // chunk name time, else first mtime
	size       int64
	mtime      time.Time
	observedAt time.Time // when the current (size, mtime) was first seen
	firstSeen  time.Time
	stable     bool
	stalled    bool
}

// Watcher finalizes one channel's segments in creation order.
type Watcher struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	tracked map[string]*tracked
	done    map[string]struct{} // finalized or known, pruned once unlisted
}

// NewWatcher returns a Watcher for opts.Dir.
func NewWatcher(opts Options) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		opts:    opts,
		log:     opts.Logger.With("component", "watcher", "channel", opts.ChannelID),
		tracked: make(map[string]*tracked),
		done:    make(map[string]struct{}),
	}
}

// Run rescans the tree and then emits finalize events until ctx ends, at
// which point the returned channel is closed. Run may be called again after
// the previous run has ended.
func (w *Watcher) Run(ctx context.Context) <-chan Event {
	out := make(chan Event)

	w.mu.Lock()
	w.tracked = make(map[string]*tracked)
	w.mu.Unlock()

	go func() {
		defer close(out)

		var watcher *fsnotify.Watcher
		var fsEvents <-chan fsnotify.Event
		var fsErrors <-chan error
		if !w.opts.PollOnly {
			fw, err := w.startNotify()
			if err != nil {
				w.log.Warn("fsnotify unavailable, polling only", "error", err)
			} else {
				defer fw.Close()
				fsEvents, fsErrors = fw.Events, fw.Errors
				watcher = fw
			}
		}

		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()

		emit := func() bool {
			for _, ev := range w.Poll(ctx) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsEvents:
				if !ok {
					fsEvents = nil
					continue
				}
				// Writes are frequent while ffmpeg appends; the ticker
				// covers them.
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					w.watchIfDir(watcher, ev.Name)
				}
				if !emit() {
					return
				}
			case err, ok := <-fsErrors:
				if !ok {
					fsErrors = nil
					continue
				}
				w.log.Warn("fsnotify error", "error", err)
			case <-ticker.C:
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}

// Poll takes one observation of every candidate file and returns the
// segments finalized by it, in creation order.
func (w *Watcher) Poll(ctx context.Context) []Event {
	paths := w.list()
	now := w.opts.Now()

	w.mu.Lock()
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		seen[p] = true
		if _, ok := w.done[p]; ok {
			continue
		}
		t, ok := w.tracked[p]
		if !ok {
			if w.opts.Known(p) {
				w.done[p] = struct{}{}
				continue
			}
			info, err := w.opts.Stat(p)
			if err != nil {
				continue
			}
			order, named := ParseChunkTime(p, w.opts.Location)
			if !named {
				order = info.ModTime()
			}
			t = &tracked{path: p, order: order, size: info.Size(), mtime: info.ModTime(), observedAt: now, firstSeen: now}
			w.tracked[p] = t
			if w.opts.OnDetected != nil {
				w.mu.Unlock()
				w.opts.OnDetected(p, order, info.Size())
				w.mu.Lock()
			}
			continue
		}
		w.observe(t, now)
	}
	for p := range w.tracked {
		if !seen[p] {
			w.log.Debug("segment removed before finalize", "path", p)
			delete(w.tracked, p)
		}
	}
	// archived or deleted files no longer need remembering
	for p := range w.done {
		if !seen[p] {
			delete(w.done, p)
		}
	}
	ready := w.ready()
	w.mu.Unlock()

	var events []Event
	for _, t := range ready {
		events = append(events, w.finalize(ctx, t))
	}
	return events
}

// observe compares a fresh stat with the last one. Caller holds w.mu.
func (w *Watcher) observe(t *tracked, now time.Time) {
	info, err := w.opts.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.log.Debug("segment removed before finalize", "path", t.path)
			delete(w.tracked, t.path)
		}
		return
	}
	if info.Size() != t.size || !info.ModTime().Equal(t.mtime) {
		t.size, t.mtime, t.observedAt = info.Size(), info.ModTime(), now
		t.stable = false
	} else if now.Sub(t.observedAt) >= w.opts.Debounce {
		t.stable = true
	}

	if !t.stable && !t.stalled && now.Sub(t.firstSeen) >= w.opts.StallAfter {
		t.stalled = true
		w.log.Warn("segment still changing, not finalizing", "path", t.path,
			"size", humanize.Bytes(uint64(t.size)), "since", humanize.RelTime(t.firstSeen, now, "ago", "from now"))
		w.opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentWatcher,
			Event:     diaglog.EventSegmentStalled,
			ChannelID: w.opts.ChannelID,
			Payload:   map[string]interface{}{"path": t.path, "size": t.size},
		})
	}
}

// ready removes and returns the stable files that may be finalized now. A
// file is held back while an earlier one is still unstable, unless that
// earlier file is stalled. Caller holds w.mu.
func (w *Watcher) ready() []*tracked {
	list := make([]*tracked, 0, len(w.tracked))
	for _, t := range w.tracked {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].order.Equal(list[j].order) {
			return list[i].order.Before(list[j].order)
		}
		return list[i].path < list[j].path
	})

	var out []*tracked
	for _, t := range list {
		if t.stable {
			out = append(out, t)
			delete(w.tracked, t.path)
			w.done[t.path] = struct{}{}
			continue
		}
		if t.stalled {
			continue
		}
		break
	}
	return out
}

func (w *Watcher) finalize(ctx context.Context, t *tracked) Event {
	ev := Event{
		ChannelID: w.opts.ChannelID,
		Path:      t.path,
		StartTime: t.order,
		Size:      t.size,
		ModTime:   t.mtime,
		Stalled:   t.stalled,
	}

	dur, err := w.opts.Prober.Probe(ctx, t.path)
	if err != nil {
		w.log.Warn("segment duration probe failed", "path", t.path, "error", err)
	}
	ev.Duration = dur

	class, err := w.opts.Classifier.Classify(ctx, t.path, Info{Size: t.size, Duration: dur, ModTime: t.mtime})
	if err != nil {
		w.log.Warn("segment classification failed", "path", t.path, "error", err)
		class = store.Unclassified
	}
	ev.Classification = class

	w.log.Info("segment finalized", "path", filepath.Base(t.path), "duration", dur,
		"size", humanize.Bytes(uint64(t.size)), "classification", class)
	w.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentWatcher,
		Event:     diaglog.EventSegmentFinal,
		ChannelID: w.opts.ChannelID,
		Payload: map[string]interface{}{
			"path":           t.path,
			"duration_ms":    dur.Milliseconds(),
			"classification": string(class),
		},
	})
	return ev
}

// Stalled returns the files currently reported stalled.
func (w *Watcher) Stalled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p, t := range w.tracked {
		if t.stalled {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of tracked, unfinalized files.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// startNotify watches every existing directory under Dir. fsnotify is not
// recursive, so new date directories are added as they appear.
func (w *Watcher) startNotify() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(w.opts.Dir, 0755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if aerr := fw.Add(path); aerr != nil {
				return aerr
			}
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, err
	}
	return fw, nil
}

func (w *Watcher) watchIfDir(fw *fsnotify.Watcher, path string) {
	if fw == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			if aerr := fw.Add(p); aerr != nil {
				w.log.Warn("failed to watch directory", "dir", p, "error", aerr)
			}
		}
		return nil
	})
}

// list walks the output tree for candidate files.
func (w *Watcher) list() []string {
	var out []string
	err := filepath.WalkDir(w.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.opts.Dir {
				return err
			}
			return nil
		}
		if !d.IsDir() && isAudio(path) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn("failed to scan output directory", "dir", w.opts.Dir, "error", err)
	}
	return out
}
