// Package capture supervises one long-running recorder process per channel
// and restarts it with backoff when it dies.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/recorder"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/statemachine"
	"github.com/tiroq/radiodigest/internal/store"
)

var (
	// ErrOutputDir means the channel's output directory could not be created
	// or written. Only that channel stops.
	ErrOutputDir       = errors.New("capture: output directory unusable")
	ErrUnknownChannel  = errors.New("capture: unknown channel")
	ErrAlreadyRunning  = errors.New("capture: channel already supervised")
	errUnexpectedClean = errors.New("process exited with status 0")
)

// Process is the observable state of one channel's capture process. A new
// one is built for every launch; only the restart counters and the last
// exit reason carry over.
type Process struct {
	ChannelID           string             `json:"channel_id"`
	PID                 int                `json:"pid"`
	State               statemachine.State `json:"state"`
	RestartCount        int                `json:"restart_count"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	StartedAt           time.Time          `json:"started_at,omitempty"`
	NextRestartAt       time.Time          `json:"next_restart_at,omitempty"`
}

// EventSink receives the capture journal.
type EventSink interface {
	AppendEvent(ctx context.Context, ev store.Event) error
}

// Options configures a Supervisor. Zero values take the capture defaults.
type Options struct {
	Launcher        recorder.Launcher
	FFmpegPath      string
	StopGrace       time.Duration
	Stability       time.Duration
	DirInterval     time.Duration
	Restart         resilience.Policy
	Flap            resilience.FlapConfig
	LogDir          string // per-channel stderr logs; empty discards
	StderrMaxBytes  int64
	DefaultTimezone string

	Events EventSink
	Diag   *diaglog.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

// OptionsFromConfig maps the capture section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	c := cfg.Capture
	return Options{
		FFmpegPath:  c.FFmpegPath,
		StopGrace:   c.StopGrace(),
		Stability:   c.Stability(),
		DirInterval: c.DirInterval(),
		Restart: resilience.Policy{
			BaseDelay:    c.RestartBase(),
			MaxDelay:     c.RestartMax(),
			JitterFactor: resilience.DefaultJitterFactor,
			IsRetryable:  func(error) bool { return true },
		},
		Flap: resilience.FlapConfig{
			Threshold: c.FlapThreshold,
			Window:    c.FlapWindow(),
			CoolDown:  c.CoolDown(),
		},
		LogDir:          cfg.LogDir,
		StderrMaxBytes:  c.StderrLogMaxBytes,
		DefaultTimezone: cfg.Digest.Timezone,
	}
}

func (o Options) withDefaults() Options {
	if o.Launcher == nil {
		o.Launcher = recorder.ExecLauncher{}
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Stability <= 0 {
		o.Stability = 5 * time.Minute
	}
	if o.DirInterval <= 0 {
		o.DirInterval = 10 * time.Second
	}
	if o.Restart.BaseDelay <= 0 && o.Restart.MaxDelay <= 0 {
		o.Restart = resilience.RestartPolicy()
	}
	if o.StderrMaxBytes <= 0 {
		o.StderrMaxBytes = 10 * 1024 * 1024
	}
	if o.Diag == nil {
		o.Diag = diaglog.NewNoOp()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Supervisor owns the capture processes of all channels.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// New returns a Supervisor with no channels.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:    opts,
		log:     opts.Logger.With("component", "capture"),
		runners: make(map[string]*runner),
	}
}

// Start begins supervising ch. The process runs until Stop, StopAll or ctx
// cancellation. An unusable output directory leaves the channel Stopped and
// returns an error wrapping ErrOutputDir.
func (s *Supervisor) Start(ctx context.Context, ch config.Channel) error {
	s.mu.Lock()
	if r, ok := s.runners[ch.ID]; ok && r.active() {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", ch.ID, ErrAlreadyRunning)
	}
	rctx, cancel := context.WithCancel(ctx)
	r := newRunner(s, ch, cancel)
	s.runners[ch.ID] = r
	s.mu.Unlock()

	if err := ensureOutputDir(ch.OutputDir); err != nil {
		err = fmt.Errorf("%s: %v: %w", ch.ID, err, ErrOutputDir)
		cancel()
		r.setStopped(err)
		s.log.Error("capture output directory unusable", "channel", ch.ID, "dir", ch.OutputDir, "error", err)
		s.event(ch.ID, "error", err.Error())
		return err
	}

	go r.run(rctx)
	go r.maintainDirs(rctx)
	return nil
}

// Stop gracefully stops channelID's process and waits for the supervision
// goroutine to exit.
func (s *Supervisor) Stop(channelID string) error {
	s.mu.Lock()
	r, ok := s.runners[channelID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", channelID, ErrUnknownChannel)
	}
	r.stop()
	return nil
}

// StopAll stops every channel concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			r.stop()
		}(r)
	}
	wg.Wait()
}

// Remove stops channelID and forgets it.
func (s *Supervisor) Remove(channelID string) {
	s.mu.Lock()
	r, ok := s.runners[channelID]
	delete(s.runners, channelID)
	s.mu.Unlock()
	if ok {
		r.stop()
	}
}

// Status returns channelID's current process view.
func (s *Supervisor) Status(channelID string) (Process, bool) {
	s.mu.Lock()
	r, ok := s.runners[channelID]
	s.mu.Unlock()
	if !ok {
		return Process{}, false
	}
	return r.snapshot(), true
}

// Snapshot returns every channel's process view ordered by channel ID.
func (s *Supervisor) Snapshot() []Process {
	s.mu.Lock()
	out := make([]Process, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (s *Supervisor) event(channelID, level, msg string) {
	if s.opts.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Events.AppendEvent(ctx, store.Event{ChannelID: channelID, Level: level, Message: msg}); err != nil {
		s.log.Warn("failed to record capture event", "channel", channelID, "error", err)
	}
}

func (s *Supervisor) openStderrLog(channelID string) io.WriteCloser {
	if s.opts.LogDir == "" {
		return nopCloser{io.Discard}
	}
	path := filepath.Join(s.opts.LogDir, "capture-"+channelID+".log")
	w, err := diaglog.NewRollingFile(path, s.opts.StderrMaxBytes)
	if err != nil {
		s.log.Warn("capture stderr log unavailable", "channel", channelID, "path", path, "error", err)
		return nopCloser{io.Discard}
	}
	return w
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// terminate sends SIGTERM, waits grace for exited, then SIGKILLs.
func terminate(h recorder.Handle, exited <-chan error, grace time.Duration) error {
	_ = h.Signal(syscall.SIGTERM)
	select {
	case err := <-exited:
		return err
	case <-time.After(grace):
	}
	_ = h.Signal(syscall.SIGKILL)
	select {
	case err := <-exited:
		return err
	case <-time.After(grace):
		return fmt.Errorf("pid %d did not exit after SIGKILL", h.PID())
	}
}
