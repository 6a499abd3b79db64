package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/capture"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/digest"
	"github.com/tiroq/radiodigest/internal/ipc"
	"github.com/tiroq/radiodigest/internal/notify"
	"github.com/tiroq/radiodigest/internal/pipeline"
	"github.com/tiroq/radiodigest/internal/queue"
	"github.com/tiroq/radiodigest/internal/segment"
	"github.com/tiroq/radiodigest/internal/statusfeed"
	"github.com/tiroq/radiodigest/internal/store"
)

// daemon owns the running components and the current configuration.
type daemon struct {
	cfgPath   string
	log       *slog.Logger
	diag      *diaglog.Logger
	startedAt time.Time

	store    *store.Store
	queue    *queue.Queue
	asr      *asr.Registry
	ingest   *pipeline.Ingest
	capture  *capture.Supervisor
	channels *pipeline.Channels
	sched    *digest.Scheduler
	notifier notify.Notifier
	feed     *statusfeed.Feed // nil unless status.listen is set

	// ctx is the daemon's lifetime; channel goroutines hang off it.
	ctx  context.Context
	quit context.CancelFunc

	mu      sync.RWMutex
	cfg     *config.Config
	lastErr string
}

func (d *daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *daemon) setError(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
}

// queueConfig resolves channel language and zone through the current config,
// so a reload reaches segments already queued.
func (d *daemon) queueConfig() queue.Config {
	cfg := d.config()
	qc := queue.ConfigFromApp(cfg)
	qc.Language = func(id string) string {
		if ch := d.config().ChannelByID(id); ch != nil {
			return ch.Language
		}
		return ""
	}
	qc.Location = func(id string) *time.Location {
		c := d.config()
		if ch := c.ChannelByID(id); ch != nil {
			return ch.Location(c.Digest.Timezone)
		}
		return time.UTC
	}
	qc.Logger = d.log
	qc.Diag = d.diag
	return qc
}

func (d *daemon) watcherOptions(ch config.Channel) segment.Options {
	opts := pipeline.WatcherOptions(d.config(), ch)
	opts.Diag = d.diag
	return opts
}

// startChannels starts every enabled channel. A channel that fails to start
// is logged and skipped.
func (d *daemon) startChannels() {
	for _, ch := range d.config().EnabledChannels() {
		if err := d.channels.Start(d.ctx, ch); err != nil {
			d.log.Error("[STARTUP] channel failed to start", "channel", ch.ID, "error", err)
			d.setError(err)
		}
	}
}

// startChannel handles the start command. The channel must be configured;
// a disabled channel may be started by hand.
func (d *daemon) startChannel(id string) error {
	ch := d.config().ChannelByID(id)
	if ch == nil {
		return fmt.Errorf("%s: %w", id, capture.ErrUnknownChannel)
	}
	return d.channels.Start(d.ctx, *ch)
}

func (d *daemon) stopChannel(id string) error {
	return d.channels.Stop(id)
}

// reload re-reads the config file and converges running channels on it.
// Removed and changed channels are stopped; added and changed ones started.
func (d *daemon) reload() error {
	next, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	added, removed, changed := config.Diff(prev, next)
	for _, id := range append(removed, changed...) {
		if err := d.channels.Stop(id); err != nil && !errors.Is(err, capture.ErrUnknownChannel) {
			d.log.Warn("stop channel on reload failed", "channel", id, "error", err)
		}
		d.capture.Remove(id)
	}
	var errs []error
	for _, id := range append(added, changed...) {
		if err := d.startChannel(id); err != nil {
			errs = append(errs, err)
		}
	}

	d.sched.SetChannels(next.EnabledChannels())
	if tg, ok := d.notifier.(*notify.Telegram); ok {
		tg.SetChats(notify.TelegramConfigFrom(next).Chats)
	}

	d.log.Info("config reloaded", "added", added, "removed", removed, "changed", changed)
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventConfigReload,
		Payload: map[string]interface{}{
			"added":   added,
			"removed": removed,
			"changed": changed,
		},
	})
	return errors.Join(errs...)
}

// handleCommand runs one operator command.
func (d *daemon) handleCommand(cmd ipc.Command) {
	var err error
	switch cmd.Verb {
	case ipc.VerbStart:
		err = d.startChannel(cmd.Arg)
	case ipc.VerbStop:
		err = d.stopChannel(cmd.Arg)
	case ipc.VerbReload:
		err = d.reload()
	case ipc.VerbDigest:
		err = d.runDigest(cmd.Arg)
	case ipc.VerbQuit:
		d.log.Info("quit command received, shutting down")
		d.quit()
		return
	default:
		err = fmt.Errorf("%w: %s", ipc.ErrUnknownVerb, cmd.Verb)
	}
	if err != nil {
		d.log.Error("command failed", "command", cmd.String(), "error", err)
		d.setError(fmt.Errorf("%s: %w", cmd, err))
		return
	}
	d.log.Info("command done", "command", cmd.String())
}

// runDigest runs the windows of day, or the windows due now when day is
// empty. It runs in the background so the command watcher stays responsive.
func (d *daemon) runDigest(day string) error {
	var t time.Time
	if day != "" {
		loc := d.config().Digest.Location()
		parsed, err := time.ParseInLocation(time.DateOnly, day, loc)
		if err != nil {
			return err
		}
		t = parsed
	}
	go func() {
		var err error
		if t.IsZero() {
			err = d.sched.RunOnce(d.ctx, time.Now())
		} else {
			err = d.sched.RunDay(d.ctx, t)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("digest run failed", "day", day, "error", err)
			d.setError(err)
		}
	}()
	return nil
}

// snapshot assembles the status view.
func (d *daemon) snapshot(ctx context.Context) *ipc.StatusSnapshot {
	cfg := d.config()
	snap := &ipc.StatusSnapshot{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Queue:     d.queue.Stats(),
		Segments:  map[string]int{},
	}

	procs := make(map[string]capture.Process)
	for _, p := range d.capture.Snapshot() {
		procs[p.ChannelID] = p
	}
	ingest := make(map[string]pipeline.ChannelState)
	for _, s := range d.channels.Snapshot() {
		ingest[s.ChannelID] = s
	}
	for _, ch := range cfg.Channels {
		cs := ipc.ChannelStatus{ChannelID: ch.ID, Name: ch.DisplayName(), Enabled: ch.Enabled}
		if p, ok := procs[ch.ID]; ok {
			cs.Capture = &p
		}
		if s, ok := ingest[ch.ID]; ok {
			cs.Ingest = &s
		}
		snap.Channels = append(snap.Channels, cs)
	}

	if d.asr != nil {
		snap.ASR = d.asr.Stats()
	}

	counts, err := d.store.StatusCounts(ctx)
	if err != nil {
		d.log.Debug("status counts failed", "error", err)
	}
	for status, n := range counts {
		snap.Segments[string(status)] = n
	}
	runs, err := d.store.RecentRuns(ctx, cfg.Status.RecentRuns)
	if err != nil {
		d.log.Debug("recent runs failed", "error", err)
	}
	for _, r := range runs {
		snap.RecentRuns = append(snap.RecentRuns, ipc.RunStatusFrom(r))
	}

	d.mu.RLock()
	snap.LastError = d.lastErr
	d.mu.RUnlock()
	return snap
}

// publishStatus writes status.json and feeds websocket clients every
// status interval until ctx is done, then writes one final snapshot.
func (d *daemon) publishStatus(ctx context.Context) error {
	publish := func(ctx context.Context) {
		snap := d.snapshot(ctx)
		if err := ipc.WriteStatus(d.config().StateDir, snap); err != nil {
			d.log.Warn("failed to write status", "error", err)
		}
		if d.feed != nil {
			if err := d.feed.Publish(snap); err != nil {
				d.log.Warn("failed to publish status", "error", err)
			}
		}
	}

	publish(ctx)
	ticker := time.NewTicker(d.config().Status.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			publish(final)
			cancel()
			return nil
		case <-ticker.C:
			publish(ctx)
		}
	}
}
