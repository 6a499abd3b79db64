// Package pipeline moves finalized segments from the watchers into the store
// and on to the transcription queue, and owns the per-channel
// capture-plus-watcher lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/segment"
	"github.com/tiroq/radiodigest/internal/store"
)

// Store is the persistence ingestion needs. *store.Store satisfies it.
type Store interface {
	RecordDetected(ctx context.Context, channelID, path string, start time.Time, size int64) (store.Segment, bool, error)
	Finalize(ctx context.Context, id int64, duration time.Duration, size int64, class store.Classification) error
	FinalizedPath(ctx context.Context, path string) (bool, error)
	PendingSegments(ctx context.Context) ([]store.Segment, error)
}

// Enqueuer accepts segments for transcription. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, segmentID int64) error
}

// Counts tallies what one channel's watcher has produced since startup.
type Counts struct {
	Finalized int `json:"finalized"`
	Silence   int `json:"silence"`
	Enqueued  int `json:"enqueued"`
}

// Ingest persists watcher events and enqueues speech.
type Ingest struct {
	st   Store
	q    Enqueuer
	log  *slog.Logger
	diag *diaglog.Logger

	mu     sync.Mutex
	counts map[string]*Counts
}

// NewIngest wires a store to a queue.
func NewIngest(st Store, q Enqueuer, logger *slog.Logger, diag *diaglog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		st:     st,
		q:      q,
		log:    logger.With("component", "pipeline"),
		diag:   diag,
		counts: make(map[string]*Counts),
	}
}

// Handle persists one finalize event. Silence is archived and stops here;
// speech and unclassified segments are enqueued. Enqueue may block on a
// full queue, which in turn slows the watcher.
func (p *Ingest) Handle(ctx context.Context, ev segment.Event) error {
	seg, _, err := p.st.RecordDetected(ctx, ev.ChannelID, ev.Path, ev.StartTime, ev.Size)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.Path, err)
	}
	if err := p.st.Finalize(ctx, seg.ID, ev.Duration, ev.Size, ev.Classification); err != nil {
		if errors.Is(err, store.ErrStatusRegression) {
			p.log.Debug("segment already past finalize", "segment_id", seg.ID, "path", ev.Path)
			return nil
		}
		return fmt.Errorf("finalize %s: %w", ev.Path, err)
	}

	p.count(ev.ChannelID, func(c *Counts) { c.Finalized++ })
	if ev.Classification == store.Silence {
		p.count(ev.ChannelID, func(c *Counts) { c.Silence++ })
		p.log.Info("silence archived", "channel", ev.ChannelID, "segment_id", seg.ID,
			"file", filepath.Base(ev.Path), "duration", ev.Duration)
		return nil
	}

	if err := p.q.Enqueue(ctx, seg.ID); err != nil {
		return fmt.Errorf("enqueue segment %d: %w", seg.ID, err)
	}
	p.count(ev.ChannelID, func(c *Counts) { c.Enqueued++ })
	return nil
}

// Consume handles events until the channel closes or ctx ends.
func (p *Ingest) Consume(ctx context.Context, events <-chan segment.Event) error {
	for ev := range events {
		if err := p.Handle(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("ingest failed", "channel", ev.ChannelID, "path", ev.Path, "error", err)
		}
	}
	return ctx.Err()
}

// Recover re-enqueues everything persisted but not yet transcribed:
// Queued, Transcribing and finalized speech. It returns how many were
// enqueued.
func (p *Ingest) Recover(ctx context.Context) (int, error) {
	pending, err := p.st.PendingSegments(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending segments: %w", err)
	}
	n := 0
	for _, seg := range pending {
		if err := p.q.Enqueue(ctx, seg.ID); err != nil {
			return n, fmt.Errorf("re-enqueue segment %d: %w", seg.ID, err)
		}
		n++
	}
	if n > 0 {
		p.log.Info("[STARTUP] recovered pending segments", "count", n)
	}
	return n, nil
}

// Bind fills the store-backed hooks of a watcher's options: files the store
// already finalized are skipped and new files are recorded as Detected.
func (p *Ingest) Bind(ctx context.Context, opts segment.Options) segment.Options {
	opts.Known = func(path string) bool {
		known, err := p.st.FinalizedPath(ctx, path)
		if err != nil {
			p.log.Warn("finalized lookup failed", "path", path, "error", err)
			return false
		}
		return known
	}
	channelID := opts.ChannelID
	opts.OnDetected = func(path string, start time.Time, size int64) {
		if _, _, err := p.st.RecordDetected(ctx, channelID, path, start, size); err != nil && ctx.Err() == nil {
			p.log.Warn("record detected failed", "path", path, "error", err)
		}
	}
	if opts.Diag == nil {
		opts.Diag = p.diag
	}
	return opts
}

// Counts returns per-channel tallies.
func (p *Ingest) Counts() map[string]Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Counts, len(p.counts))
	for id, c := range p.counts {
		out[id] = *c
	}
	return out
}

func (p *Ingest) count(channelID string, fn func(*Counts)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counts[channelID]
	if !ok {
		c = &Counts{}
		p.counts[channelID] = c
	}
	fn(c)
}

// WatcherOptions maps the watcher section and one channel onto
// segment.Options.
func WatcherOptions(cfg *config.Config, ch config.Channel) segment.Options {
	w := cfg.Watcher
	return segment.Options{
		ChannelID:    ch.ID,
		Dir:          ch.OutputDir,
		Location:     ch.Location(cfg.Digest.Timezone),
		PollInterval: w.PollInterval(),
		Debounce:     w.Debounce(),
		StallAfter:   w.StallAfter(),
		Classifier:   segment.ClassifierFromConfig(w),
		Prober: segment.FormatProber{
			WAV:   segment.WAVProber{},
			Other: segment.FFprobe{Path: w.FFprobePath},
		},
	}
}
