package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tiroq/radiodigest/internal/capture"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/segment"
)

// Capture starts and stops recording processes. *capture.Supervisor
// satisfies it.
type Capture interface {
	Start(ctx context.Context, ch config.Channel) error
	Stop(channelID string) error
}

// ChannelState is one channel's ingestion view for the status surfaces.
type ChannelState struct {
	ChannelID string   `json:"channel_id"`
	Watching  bool     `json:"watching"`
	Pending   int      `json:"pending_files"`
	Stalled   []string `json:"stalled_files,omitempty"`
	Counts    Counts   `json:"counts"`
}

type channelRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *segment.Watcher
}

// Channels starts and stops a capture process together with its watcher.
// Queue workers are not tied to a channel, so stopping one leaves its
// queued segments running.
type Channels struct {
	capture Capture
	ingest  *Ingest
	options func(ch config.Channel) segment.Options
	log     *slog.Logger

	mu   sync.Mutex
	runs map[string]*channelRun
}

// NewChannels builds a channel manager. options returns the base watcher
// options for a channel; Ingest.Bind is applied on top.
func NewChannels(c Capture, ing *Ingest, options func(ch config.Channel) segment.Options, logger *slog.Logger) *Channels {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channels{
		capture: c,
		ingest:  ing,
		options: options,
		log:     logger.With("component", "channels"),
		runs:    make(map[string]*channelRun),
	}
}

// Start launches capture for ch and begins watching its output directory.
// If capture cannot start, no watcher is started.
func (c *Channels) Start(ctx context.Context, ch config.Channel) error {
	c.mu.Lock()
	if r, ok := c.runs[ch.ID]; ok {
		select {
		case <-r.done:
		default:
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", ch.ID, capture.ErrAlreadyRunning)
		}
	}
	c.mu.Unlock()

	if err := c.capture.Start(ctx, ch); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	opts := c.ingest.Bind(wctx, c.options(ch))
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	w := segment.NewWatcher(opts)
	r := &channelRun{cancel: cancel, done: make(chan struct{}), watcher: w}

	c.mu.Lock()
	c.runs[ch.ID] = r
	c.mu.Unlock()

	go func() {
		defer close(r.done)
		if err := c.ingest.Consume(wctx, w.Run(wctx)); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("ingest stopped", "channel", ch.ID, "error", err)
		}
	}()
	c.log.Info("channel started", "channel", ch.ID, "dir", ch.OutputDir)
	return nil
}

// Stop ends capture and watching for channelID.
func (c *Channels) Stop(channelID string) error {
	c.mu.Lock()
	r, ok := c.runs[channelID]
	delete(c.runs, channelID)
	c.mu.Unlock()

	capErr := c.capture.Stop(channelID)
	if ok {
		r.cancel()
		<-r.done
	}
	if !ok && capErr != nil {
		return capErr
	}
	c.log.Info("channel stopped", "channel", channelID)
	return nil
}

// StopAll stops every running channel.
func (c *Channels) StopAll() {
	for _, id := range c.Running() {
		if err := c.Stop(id); err != nil {
			c.log.Warn("stop channel failed", "channel", id, "error", err)
		}
	}
}

// Running returns the IDs of channels with an active watcher, sorted.
func (c *Channels) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, r := range c.runs {
		select {
		case <-r.done:
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the ingestion view of every known channel.
func (c *Channels) Snapshot() []ChannelState {
	counts := c.ingest.Counts()

	c.mu.Lock()
	out := make([]ChannelState, 0, len(c.runs))
	for id, r := range c.runs {
		st := ChannelState{
			ChannelID: id,
			Pending:   r.watcher.Pending(),
			Stalled:   r.watcher.Stalled(),
			Counts:    counts[id],
		}
		select {
		case <-r.done:
		default:
			st.Watching = true
		}
		out = append(out, st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}
