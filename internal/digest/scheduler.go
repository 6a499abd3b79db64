// Package digest summarizes each channel's transcribed speech once per
// window and sends the result through a notifier. Every step is persisted on
// the digest run, so a tick that fails part way resumes where it stopped.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/notify"
	"github.com/tiroq/radiodigest/internal/store"
	"github.com/tiroq/radiodigest/internal/summarize"
)

// Store is the persistence the scheduler needs. *store.Store satisfies it.
type Store interface {
	EnsureDigestRun(ctx context.Context, channelID string, start, end time.Time) (store.DigestRun, error)
	DigestRun(ctx context.Context, id string) (store.DigestRun, error)
	TranscribedInWindow(ctx context.Context, channelID string, start, end time.Time) ([]store.Segment, error)
	MarkRunSummarized(ctx context.Context, id, text string) error
	MarkRunComplete(ctx context.Context, id, text string) error
	MarkRunFailed(ctx context.Context, id, msg string) error
	ClaimRunNotify(ctx context.Context, id, owner string, lease time.Duration) error
	MarkRunSent(ctx context.Context, id, owner string) error
	RecordNotifyFailure(ctx context.Context, id, owner, msg string) error
}

// claimSlack is added to the notify timeout to form the send lease.
const claimSlack = 30 * time.Second

// Config is the injected schedule and window settings.
type Config struct {
	Schedule       cron.Schedule
	Window         WindowSpec
	Location       *time.Location // window boundaries; default UTC
	Lookback       int            // earlier windows re-checked each tick
	TargetLanguage string         // summary and intro language; default en

	MergeGap         time.Duration // default 5s
	MinBlock         time.Duration // default 60s
	SummarizeTimeout time.Duration // default 120s
	NotifyTimeout    time.Duration // default 30s

	Logger *slog.Logger
	Diag   *diaglog.Logger
}

// ConfigFromApp maps the digest, summarizer and notifier sections.
func ConfigFromApp(cfg *config.Config) (Config, error) {
	sched, err := cron.ParseStandard(cfg.Digest.Schedule)
	if err != nil {
		return Config{}, fmt.Errorf("digest schedule %q: %w", cfg.Digest.Schedule, err)
	}
	win, err := ParseWindow(cfg.Digest.Window)
	if err != nil {
		return Config{}, err
	}
	loc, err := time.LoadLocation(cfg.Digest.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("digest timezone %q: %w", cfg.Digest.Timezone, err)
	}
	return Config{
		Schedule:         sched,
		Window:           win,
		Location:         loc,
		Lookback:         cfg.Digest.Lookback,
		TargetLanguage:   cfg.Digest.TargetLanguage,
		MergeGap:         cfg.Digest.MergeGap(),
		MinBlock:         cfg.Digest.MinBlock(),
		SummarizeTimeout: cfg.Summarizer.Timeout(),
		NotifyTimeout:    cfg.Notifier.Timeout(),
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if !c.Window.Daily && c.Window.Length <= 0 {
		c.Window.Daily = true
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	}
	if c.TargetLanguage == "" {
		c.TargetLanguage = "en"
	}
	if c.MergeGap <= 0 {
		c.MergeGap = DefaultMergeGap
	}
	if c.MinBlock <= 0 {
		c.MinBlock = DefaultMinBlock
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = summarize.DefaultTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = notify.DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Scheduler runs digests on the configured schedule.
type Scheduler struct {
	cfg      Config
	st       Store
	sum      summarize.Summarizer
	notifier notify.Notifier
	log      *slog.Logger
	intro    string
	owner    string // send-claim identity, unique per scheduler

	mu       sync.RWMutex
	channels []config.Channel

	// tick serializes RunOnce between cron and the backfill path.
	tick sync.Mutex
}

// New creates a scheduler for channels. Disabled channels are skipped.
func New(cfg Config, st Store, sum summarize.Summarizer, n notify.Notifier, channels []config.Channel) *Scheduler {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "digest")
	intro, ok := Intro(cfg.TargetLanguage)
	if !ok {
		log.Warn("no digest intro for language, using English", "language", cfg.TargetLanguage)
	}
	s := &Scheduler{cfg: cfg, st: st, sum: sum, notifier: n, log: log, intro: intro, owner: uuid.NewString()}
	s.SetChannels(channels)
	return s
}

// SetChannels replaces the channel list after a config reload.
func (s *Scheduler) SetChannels(channels []config.Channel) {
	cp := make([]config.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Enabled {
			cp = append(cp, ch)
		}
	}
	s.mu.Lock()
	s.channels = cp
	s.mu.Unlock()
}

func (s *Scheduler) snapshot() []config.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]config.Channel(nil), s.channels...)
}

// Start runs the cron loop until ctx ends. Overlapping ticks are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Schedule == nil {
		return errors.New("digest: no schedule configured")
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(s.cfg.Schedule, cron.FuncJob(func() {
		if err := s.RunOnce(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.log.Warn("digest tick finished with errors", "error", err)
		}
	}))
	c.Start()
	s.log.Info("[STARTUP] digest scheduler started",
		"window", s.cfg.Window.String(),
		"timezone", s.cfg.Location.String(),
		"next", s.cfg.Schedule.Next(time.Now().In(s.cfg.Location)).Format(time.RFC3339))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("[SHUTDOWN] digest scheduler stopped")
	return nil
}

// RunOnce processes the last completed window and the lookback windows
// before it for every channel. Errors are collected so one channel cannot
// block the others.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	return s.runWindows(ctx, s.cfg.Window.Completed(now, s.cfg.Location, s.cfg.Lookback))
}

// RunDay processes every window starting on day's local calendar date.
func (s *Scheduler) RunDay(ctx context.Context, day time.Time) error {
	return s.runWindows(ctx, s.cfg.Window.InDay(day, s.cfg.Location))
}

func (s *Scheduler) runWindows(ctx context.Context, windows []Window) error {
	s.tick.Lock()
	defer s.tick.Unlock()

	var errs []error
	for _, ch := range s.snapshot() {
		for _, w := range windows {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			if _, err := s.RunWindow(ctx, ch, w); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RunWindow drives the run for ch and w as far as it can go: summarize
// unless a summary is already persisted, then notify. A complete run, or
// one another scheduler is sending, is returned untouched.
func (s *Scheduler) RunWindow(ctx context.Context, ch config.Channel, w Window) (store.DigestRun, error) {
	log := s.log.With("channel", ch.ID, "window", w.String())

	run, err := s.st.EnsureDigestRun(ctx, ch.ID, w.Start, w.End)
	if err != nil {
		return store.DigestRun{}, fmt.Errorf("digest %s %s: %w", ch.ID, w, err)
	}
	if run.Status == store.RunComplete {
		return run, nil
	}

	if run.Status == store.RunPending || run.Status == store.RunFailed {
		segs, err := s.st.TranscribedInWindow(ctx, ch.ID, w.Start, w.End)
		if err != nil {
			return run, fmt.Errorf("digest %s %s: %w", ch.ID, w, err)
		}
		texts := blockTexts(segs, s.cfg.MergeGap, s.cfg.MinBlock)
		if len(texts) == 0 {
			log.Info("no speech in window, nothing to send")
			return s.finish(ctx, run, s.st.MarkRunComplete(ctx, run.ID, ""))
		}

		req := summarize.Request{
			Channel:        ch.DisplayName(),
			Language:       spokenLanguage(ch, segs),
			TargetLanguage: s.cfg.TargetLanguage,
			Texts:          texts,
		}
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SummarizeTimeout)
		summary, err := s.sum.Summarize(sctx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return run, ctx.Err()
			}
			log.Warn("summarization failed", "error", err, "segments", len(segs))
			s.diag(ch.ID, diaglog.EventDigestFailed, "summarize", map[string]interface{}{
				"run_id": run.ID, "error": err.Error(),
			})
			if markErr := s.st.MarkRunFailed(ctx, run.ID, err.Error()); markErr != nil && !errors.Is(markErr, store.ErrRunConflict) {
				return run, errors.Join(fmt.Errorf("summarize %s %s: %w", ch.ID, w, err), markErr)
			}
			return s.reload(ctx, run, fmt.Errorf("summarize %s %s: %w", ch.ID, w, err))
		}

		text := Compose(s.intro, ch.DisplayName(), summary)
		if err := s.st.MarkRunSummarized(ctx, run.ID, text); err != nil {
			return s.finish(ctx, run, err)
		}
		run.Status = store.RunSummarized
		run.OutputText = text
		log.Info("summary stored", "segments", len(segs), "blocks", len(texts))
	}
	return s.send(ctx, log, ch, w, run)
}

// send claims the summarized run and delivers it. Losing the claim means
// another scheduler is sending this window, so nothing is sent here.
func (s *Scheduler) send(ctx context.Context, log *slog.Logger, ch config.Channel, w Window, run store.DigestRun) (store.DigestRun, error) {
	if err := s.st.ClaimRunNotify(ctx, run.ID, s.owner, s.cfg.NotifyTimeout+claimSlack); err != nil {
		if errors.Is(err, store.ErrRunConflict) {
			log.Debug("digest run is being sent elsewhere", "run_id", run.ID)
		}
		return s.finish(ctx, run, err)
	}
	// reread so the text is the persisted one even when another scheduler summarized
	fresh, err := s.st.DigestRun(ctx, run.ID)
	if err != nil {
		return s.release(ctx, log, ch, w, run, err)
	}
	run = fresh

	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	err = s.notifier.Notify(nctx, ch.ID, run.OutputText)
	cancel()
	if err != nil {
		return s.release(ctx, log, ch, w, run, err)
	}

	run, err = s.finish(ctx, run, s.st.MarkRunSent(ctx, run.ID, s.owner))
	if err == nil {
		log.Info("digest sent", "run_id", run.ID)
		s.diag(ch.ID, diaglog.EventDigestRun, "complete", map[string]interface{}{
			"run_id": run.ID, "window_start": w.Start, "window_end": w.End,
		})
	}
	return run, err
}

// release hands a claimed run back as summarized so a later tick retries.
// It runs even when ctx is done, so shutdown does not leave the run leased.
func (s *Scheduler) release(ctx context.Context, log *slog.Logger, ch config.Channel, w Window, run store.DigestRun, sendErr error) (store.DigestRun, error) {
	markErr := s.st.RecordNotifyFailure(context.WithoutCancel(ctx), run.ID, s.owner, sendErr.Error())
	if markErr != nil && !errors.Is(markErr, store.ErrRunConflict) {
		markErr = fmt.Errorf("release %s: %w", run.ID, markErr)
	} else {
		markErr = nil
	}
	if ctx.Err() != nil {
		return run, errors.Join(ctx.Err(), markErr)
	}
	log.Warn("notification failed, will retry on next tick", "error", sendErr)
	s.diag(ch.ID, diaglog.EventDigestFailed, "notify", map[string]interface{}{
		"run_id": run.ID, "error": sendErr.Error(),
	})
	if markErr != nil {
		return run, errors.Join(fmt.Errorf("notify %s %s: %w", ch.ID, w, sendErr), markErr)
	}
	return s.reload(ctx, run, fmt.Errorf("notify %s %s: %w", ch.ID, w, sendErr))
}

// finish re-reads the run after a step. A conflict means another scheduler
// moved the run first, which is not an error here.
func (s *Scheduler) finish(ctx context.Context, run store.DigestRun, stepErr error) (store.DigestRun, error) {
	if stepErr != nil && !errors.Is(stepErr, store.ErrRunConflict) {
		return run, stepErr
	}
	return s.reload(ctx, run, nil)
}

func (s *Scheduler) reload(ctx context.Context, run store.DigestRun, result error) (store.DigestRun, error) {
	fresh, err := s.st.DigestRun(ctx, run.ID)
	if err != nil {
		return run, errors.Join(result, err)
	}
	return fresh, result
}

func (s *Scheduler) diag(channelID, event, reason string, payload map[string]interface{}) {
	s.cfg.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDigest,
		Event:     event,
		ChannelID: channelID,
		Reason:    reason,
		Payload:   payload,
	})
}

// spokenLanguage prefers the configured channel language, then whatever the
// recognizer detected.
func spokenLanguage(ch config.Channel, segs []store.Segment) string {
	if ch.Language != "" {
		return ch.Language
	}
	for _, seg := range segs {
		if seg.Language != "" {
			return seg.Language
		}
	}
	return ""
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
