package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/recorder"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/statemachine"
	"github.com/tiroq/radiodigest/internal/store"
)

// behavior describes how the n-th launched fake process acts.
type behavior struct {
	runFor     time.Duration // exit on its own after this long; 0 runs until signalled
	ignoreTerm bool
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	specs    []recorder.Spec
	handles  []*fakeHandle
	plan     func(n int) behavior
}

func (l *fakeLauncher) Launch(ctx context.Context, spec recorder.Spec) (recorder.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.specs = append(l.specs, spec)
	h := newFakeHandle(1000+l.launches, l.plan(l.launches))
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

type fakeHandle struct {
	pid  int
	b    behavior
	exit chan error

	mu      sync.Mutex
	signals []syscall.Signal
	once    sync.Once
}

func newFakeHandle(pid int, b behavior) *fakeHandle {
	h := &fakeHandle{pid: pid, b: b, exit: make(chan error, 1)}
	if b.runFor > 0 {
		time.AfterFunc(b.runFor, func() { h.finish(errors.New("exit status 1")) })
	}
	return h
}

func (h *fakeHandle) finish(err error) {
	h.once.Do(func() { h.exit <- err })
}

func (h *fakeHandle) PID() int    { return h.pid }
func (h *fakeHandle) Wait() error { return <-h.exit }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if sig == syscall.SIGKILL || !h.b.ignoreTerm {
		h.finish(errors.New("signal: " + sig.String()))
	}
	return nil
}

func (h *fakeHandle) received() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

type memEvents struct {
	mu  sync.Mutex
	evs []store.Event
}

func (m *memEvents) AppendEvent(_ context.Context, ev store.Event) error {
	m.mu.Lock()
	m.evs = append(m.evs, ev)
	m.mu.Unlock()
	return nil
}

func (m *memEvents) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.evs)
}

func testOptions(l recorder.Launcher) Options {
	return Options{
		Launcher:    l,
		StopGrace:   100 * time.Millisecond,
		Stability:   time.Hour,
		DirInterval: time.Hour,
		Restart: resilience.Policy{
			BaseDelay: time.Millisecond,
			MaxDelay:  8 * time.Millisecond,
		},
		Flap: resilience.FlapConfig{Threshold: 1000, Window: time.Minute, CoolDown: 10 * time.Minute},
	}
}

func testChannel(t *testing.T, id string) config.Channel {
	t.Helper()
	return config.Channel{ID: id, SourceURL: "http://radio/" + id, OutputDir: filepath.Join(t.TempDir(), id), Enabled: true}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorRestartsAfterExit(t *testing.T) {
	l := &fakeLauncher{plan: func(n int) behavior { return behavior{runFor: time.Millisecond} }}
	events := &memEvents{}
	opts := testOptions(l)
	opts.Events = events
	s := New(opts)
	ch := testChannel(t, "kan")

	if err := s.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.StopAll()

	waitFor(t, "three restarts", func() bool {
		p, _ := s.Status("kan")
		return p.RestartCount >= 3
	})

	p, ok := s.Status("kan")
	if !ok {
		t.Fatal("Status() ok = false")
	}
	if p.LastError != "exit status 1" {
		t.Errorf("LastError = %q, want %q", p.LastError, "exit status 1")
	}
	if events.len() == 0 {
		t.Error("no capture events recorded")
	}

	l.mu.Lock()
	spec := l.specs[0]
	l.mu.Unlock()
	if spec.Path != "ffmpeg" {
		t.Errorf("spec.Path = %q, want ffmpeg", spec.Path)
	}
	if got := spec.Args[len(spec.Args)-1]; got != recorder.OutputPattern(ch) {
		t.Errorf("output arg = %q, want %q", got, recorder.OutputPattern(ch))
	}
}

func TestSupervisorOneProcessPerChannel(t *testing.T) {
	l := &fakeLauncher{plan: func(int) behavior { return behavior{} }}
	s := New(testOptions(l))
	ch := testChannel(t, "kan")

	if err := s.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.StopAll()

	if err := s.Start(context.Background(), ch); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	waitFor(t, "running", func() bool {
		p, _ := s.Status("kan")
		return p.State == statemachine.Running
	})
	if n := l.count(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestSupervisorFlapCoolDown(t *testing.T) {
	l := &fakeLauncher{plan: func(int) behavior { return behavior{runFor: time.Millisecond} }}
	opts := testOptions(l)
	opts.Flap = resilience.FlapConfig{Threshold: 5, Window: time.Minute, CoolDown: 10 * time.Minute}
	s := New(opts)

	if err := s.Start(context.Background(), testChannel(t, "kan")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.StopAll()

	waitFor(t, "cool-down backoff", func() bool {
		p, _ := s.Status("kan")
		return p.State == statemachine.Backoff && time.Until(p.NextRestartAt) > 5*time.Minute
	})

	p, _ := s.Status("kan")
	if p.RestartCount != 5 {
		t.Errorf("RestartCount = %d, want 5", p.RestartCount)
	}
	if d := time.Until(p.NextRestartAt); d > 10*time.Minute {
		t.Errorf("cool-down %v longer than configured", d)
	}
	// no sixth launch while cooling down
	time.Sleep(50 * time.Millisecond)
	if n := l.count(); n != 5 {
		t.Errorf("launches = %d, want 5", n)
	}
}

func TestSupervisorStopIsGraceful(t *testing.T) {
	l := &fakeLauncher{plan: func(int) behavior { return behavior{} }}
	s := New(testOptions(l))
	if err := s.Start(context.Background(), testChannel(t, "kan")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "running", func() bool {
		p, _ := s.Status("kan")
		return p.State == statemachine.Running
	})

	if err := s.Stop("kan"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	sigs := l.last().received()
	if len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want [SIGTERM]", sigs)
	}
	p, _ := s.Status("kan")
	if p.State != statemachine.Stopped || p.PID != 0 {
		t.Errorf("after Stop: state = %s pid = %d", p.State, p.PID)
	}
	if p.RestartCount != 0 {
		t.Errorf("RestartCount = %d after requested stop, want 0", p.RestartCount)
	}
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	l := &fakeLauncher{plan: func(int) behavior { return behavior{ignoreTerm: true} }}
	opts := testOptions(l)
	opts.StopGrace = 30 * time.Millisecond
	s := New(opts)
	if err := s.Start(context.Background(), testChannel(t, "kan")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "running", func() bool {
		p, _ := s.Status("kan")
		return p.State == statemachine.Running
	})

	start := time.Now()
	_ = s.Stop("kan")
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}
	sigs := l.last().received()
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", sigs)
	}
}

func TestSupervisorStableRunResetsFailures(t *testing.T) {
	l := &fakeLauncher{plan: func(n int) behavior {
		switch {
		case n <= 3:
			return behavior{runFor: time.Millisecond}
		case n == 4:
			return behavior{runFor: 80 * time.Millisecond}
		default:
			return behavior{}
		}
	}}
	opts := testOptions(l)
	opts.Stability = 40 * time.Millisecond
	s := New(opts)
	if err := s.Start(context.Background(), testChannel(t, "kan")); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.StopAll()

	waitFor(t, "fifth launch", func() bool {
		p, _ := s.Status("kan")
		return l.count() >= 5 && p.State == statemachine.Running
	})
	p, _ := s.Status("kan")
	if p.RestartCount != 4 {
		t.Errorf("RestartCount = %d, want 4", p.RestartCount)
	}
	if p.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1 after a stable run", p.ConsecutiveFailures)
	}
}

func TestSupervisorOutputDirFailureIsolated(t *testing.T) {
	l := &fakeLauncher{plan: func(int) behavior { return behavior{} }}
	s := New(testOptions(l))

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := config.Channel{ID: "bad", SourceURL: "u", OutputDir: filepath.Join(blocker, "out")}
	good := testChannel(t, "good")

	err := s.Start(context.Background(), bad)
	if !errors.Is(err, ErrOutputDir) {
		t.Fatalf("Start(bad) error = %v, want ErrOutputDir", err)
	}
	if err := s.Start(context.Background(), good); err != nil {
		t.Fatalf("Start(good) error = %v", err)
	}
	defer s.StopAll()

	p, _ := s.Status("bad")
	if p.State != statemachine.Stopped || p.LastError == "" {
		t.Errorf("bad channel = %+v, want stopped with error", p)
	}
	waitFor(t, "good channel running", func() bool {
		p, _ := s.Status("good")
		return p.State == statemachine.Running
	})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ChannelID != "bad" || snap[1].ChannelID != "good" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestSupervisorStopUnknown(t *testing.T) {
	s := New(testOptions(&fakeLauncher{plan: func(int) behavior { return behavior{} }}))
	if err := s.Stop("nope"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Stop() error = %v, want ErrUnknownChannel", err)
	}
}

func TestNextProcess(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := Process{
		ChannelID:           "kan",
		PID:                 4242,
		State:               "backoff",
		RestartCount:        7,
		ConsecutiveFailures: 3,
		LastError:           "exit status 1",
		StartedAt:           at,
		NextRestartAt:       at.Add(4 * time.Second),
	}
	want := Process{
		ChannelID:           "kan",
		State:               "backoff",
		RestartCount:        7,
		ConsecutiveFailures: 3,
		LastError:           "exit status 1",
	}
	if got := nextProcess(prev); got != want {
		t.Errorf("nextProcess() = %+v, want %+v", got, want)
	}
}

func TestEnsureDateDirs(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	if err := ensureDateDirs(root, now); err != nil {
		t.Fatalf("ensureDateDirs() error = %v", err)
	}
	for _, dir := range []string{"2026/12/31", "2027/01/01"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("directory %s missing: %v", dir, err)
		}
	}
	if got := DateDir("/rec", now); got != "/rec/2026/12/31" {
		t.Errorf("DateDir() = %q", got)
	}
}
