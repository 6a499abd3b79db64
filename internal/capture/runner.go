package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/recorder"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/statemachine"
)

// runner supervises a single channel.
type runner struct {
	sup     *Supervisor
	ch      config.Channel
	loc     *time.Location
	log     *slog.Logger
	machine *statemachine.Machine
	breaker *resilience.FlapBreaker

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	proc    Process
	failErr error // set by the dir loop to stop the channel
}

func newRunner(s *Supervisor, ch config.Channel, cancel context.CancelFunc) *runner {
	r := &runner{
		sup:     s,
		ch:      ch,
		loc:     ch.Location(s.opts.DefaultTimezone),
		log:     s.log.With("channel", ch.ID),
		machine: statemachine.New(),
		breaker: resilience.NewFlapBreaker(s.opts.Flap),
		cancel:  cancel,
		done:    make(chan struct{}),
		proc:    Process{ChannelID: ch.ID, State: statemachine.Stopped},
	}
	r.machine.SetClock(s.opts.Now)
	r.machine.OnTransition(func(tr statemachine.Transition) {
		r.mu.Lock()
		r.proc.State = tr.To
		r.mu.Unlock()
		r.log.Debug("capture state", "from", tr.From, "to", tr.To, "reason", tr.Reason)
	})
	return r
}

func (r *runner) active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *runner) snapshot() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *runner) setStopped(err error) {
	_ = r.machine.To(statemachine.Stopped, "stopped")
	r.mu.Lock()
	r.proc.State = statemachine.Stopped
	r.proc.PID = 0
	r.proc.NextRestartAt = time.Time{}
	if err != nil {
		r.proc.LastError = err.Error()
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *runner) fail(err error) {
	r.mu.Lock()
	if r.failErr == nil {
		r.failErr = err
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runner) stop() {
	r.cancel()
	<-r.done
}

func (r *runner) run(ctx context.Context) {
	opts := r.sup.opts
	stderr := r.sup.openStderrLog(r.ch.ID)
	defer stderr.Close()

	var stopErr error
	defer func() { r.setStopped(stopErr) }()

	for {
		if err := ensureDateDirs(r.ch.OutputDir, opts.Now().In(r.loc)); err != nil {
			stopErr = fmt.Errorf("%v: %w", err, ErrOutputDir)
			r.log.Error("capture output directory unusable", "error", err)
			r.sup.event(r.ch.ID, "error", stopErr.Error())
			return
		}

		exitErr, ran, stopped := r.runOnce(ctx, stderr)
		if stopped {
			stopErr = r.stopCause()
			return
		}

		now := opts.Now()
		r.mu.Lock()
		if ran >= opts.Stability {
			r.proc.ConsecutiveFailures = 0
		}
		failures := r.proc.ConsecutiveFailures
		r.proc.ConsecutiveFailures++
		r.proc.RestartCount++
		r.proc.LastError = exitErr.Error()
		r.proc.PID = 0
		restarts := r.proc.RestartCount
		r.mu.Unlock()

		delay := opts.Restart.Delay(failures)
		tripped, until := r.breaker.Record(now)
		if tripped {
			delay = until.Sub(now)
			r.log.Warn("capture flapping, cooling down", "cool_down", delay)
			opts.Diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentCapture,
				Event:     diaglog.EventCaptureFlap,
				ChannelID: r.ch.ID,
				Reason:    exitErr.Error(),
				Payload:   map[string]interface{}{"cool_down_seconds": delay.Seconds()},
			})
			r.sup.event(r.ch.ID, "warn", fmt.Sprintf("flapping; cooling down for %s", delay))
		}

		_ = r.machine.To(statemachine.Backoff, exitErr.Error())
		r.mu.Lock()
		r.proc.NextRestartAt = now.Add(delay)
		r.mu.Unlock()

		r.log.Info("capture restart", "restart_count", restarts, "exit_reason", exitErr.Error(), "delay", delay)
		opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventCaptureRestart,
			ChannelID: r.ch.ID,
			Reason:    exitErr.Error(),
			Payload: map[string]interface{}{
				"restart_count": restarts,
				"delay_ms":      delay.Milliseconds(),
				"ran_ms":        ran.Milliseconds(),
			},
		})
		r.sup.event(r.ch.ID, "warn", fmt.Sprintf("capture exited (%s); restart %d in %s", exitErr, restarts, delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			stopErr = r.stopCause()
			return
		case <-t.C:
		}
	}
}

// nextProcess is the record for a new launch: the restart counters and the
// previous exit reason carry over, everything about the old process does not.
func nextProcess(prev Process) Process {
	return Process{
		ChannelID:           prev.ChannelID,
		State:               prev.State,
		RestartCount:        prev.RestartCount,
		ConsecutiveFailures: prev.ConsecutiveFailures,
		LastError:           prev.LastError,
	}
}

// runOnce launches the process and blocks until it exits or ctx ends.
// stopped is true when the exit was requested.
func (r *runner) runOnce(ctx context.Context, stderr io.Writer) (exitErr error, ran time.Duration, stopped bool) {
	opts := r.sup.opts
	r.mu.Lock()
	r.proc = nextProcess(r.proc)
	r.mu.Unlock()
	if err := r.machine.To(statemachine.Starting, "launch"); err != nil {
		return err, 0, false
	}

	spec, err := recorder.BuildSpec(opts.FFmpegPath, r.ch, r.loc.String())
	if err != nil {
		return err, 0, false
	}
	spec.Stderr = stderr

	h, err := opts.Launcher.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, true
		}
		r.log.Error("capture launch failed", "error", err)
		return err, 0, false
	}

	started := opts.Now()
	_ = r.machine.To(statemachine.Running, "launched")
	r.mu.Lock()
	r.proc.PID = h.PID()
	r.proc.StartedAt = started
	r.mu.Unlock()

	r.log.Info("capture started", "pid", h.PID())
	opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCapture,
		Event:     diaglog.EventCaptureStart,
		ChannelID: r.ch.ID,
		Payload:   map[string]interface{}{"pid": h.PID(), "args": spec.Args},
	})
	r.sup.event(r.ch.ID, "info", fmt.Sprintf("capture started (pid %d)", h.PID()))

	exited := make(chan error, 1)
	go func() { exited <- h.Wait() }()

	select {
	case err := <-exited:
		if err == nil {
			err = errUnexpectedClean
		}
		ran = opts.Now().Sub(started)
		r.log.Warn("capture exited", "pid", h.PID(), "ran", ran, "error", err)
		opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventCaptureExit,
			ChannelID: r.ch.ID,
			Reason:    err.Error(),
		})
		return err, ran, false

	case <-ctx.Done():
		werr := terminate(h, exited, opts.StopGrace)
		r.log.Info("capture stopped", "pid", h.PID(), "exit", werr)
		opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventCaptureStop,
			ChannelID: r.ch.ID,
		})
		r.sup.event(r.ch.ID, "info", "capture stopped")
		return nil, opts.Now().Sub(started), true
	}
}

func (r *runner) stopCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failErr
}

// maintainDirs pre-creates today's and tomorrow's date directories until ctx
// ends. A failure stops the channel.
func (r *runner) maintainDirs(ctx context.Context) {
	t := time.NewTicker(r.sup.opts.DirInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ensureDateDirs(r.ch.OutputDir, r.sup.opts.Now().In(r.loc)); err != nil {
				r.log.Error("capture output directory unusable", "error", err)
				r.sup.event(r.ch.ID, "error", err.Error())
				r.fail(fmt.Errorf("%v: %w", err, ErrOutputDir))
				return
			}
		}
	}
}
