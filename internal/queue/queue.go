// Package queue runs transcription with a fixed worker pool. Each segment is
// worked on by at most one worker at a time; transient failures are retried
// with backoff and anything else is dead-lettered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/store"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Transcriber turns an audio file into text. *asr.Registry satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error)
}

// Store is the persistence the queue needs. *store.Store satisfies it.
type Store interface {
	Segment(ctx context.Context, id int64) (store.Segment, error)
	Enqueued(ctx context.Context, segmentID int64) error
	BeginAttempt(ctx context.Context, segmentID int64) (int, error)
	RecordFailure(ctx context.Context, segmentID int64, msg string) error
	DeadLetter(ctx context.Context, segmentID int64, msg string) error
	MarkTranscribed(ctx context.Context, id int64, text, language string, processing time.Duration) error
	DeadLetterCount(ctx context.Context) (int, error)
}

// Config sizes the pool and controls what is written on success.
type Config struct {
	Workers  int           // default 2
	Capacity int           // default 64
	Timeout  time.Duration // per transcription call, default 120s

	TranscriptFormats []string // empty: no transcript files
	WriteSidecar      bool

	// Language returns the ASR language hint for a channel. Optional.
	Language func(channelID string) string
	// Location places transcript timestamps in the channel's zone. Optional.
	Location func(channelID string) *time.Location

	Logger *slog.Logger
	Diag   *diaglog.Logger
}

// ConfigFromApp maps the daemon configuration onto a queue Config.
func ConfigFromApp(cfg *config.Config) Config {
	langs := make(map[string]string, len(cfg.Channels))
	locs := make(map[string]*time.Location, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		langs[ch.ID] = ch.Language
		locs[ch.ID] = ch.Location(cfg.Digest.Timezone)
	}
	return Config{
		Workers:           cfg.Queue.Workers,
		Capacity:          cfg.Queue.Capacity,
		Timeout:           cfg.ASR.Timeout(),
		TranscriptFormats: cfg.ASR.TranscriptFormats,
		WriteSidecar:      cfg.ASR.WriteSidecar,
		Language:          func(id string) string { return langs[id] },
		Location: func(id string) *time.Location {
			if loc, ok := locs[id]; ok {
				return loc
			}
			return time.UTC
		},
	}
}

// PolicyFromApp builds the retry policy from the queue section.
func PolicyFromApp(cfg *config.Config) resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.Queue.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if d := cfg.Queue.BaseDelay(); d > 0 {
		p.BaseDelay = d
	}
	if d := cfg.Queue.MaxDelay(); d > 0 {
		p.MaxDelay = d
	}
	return p
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Language == nil {
		c.Language = func(string) string { return "" }
	}
	if c.Location == nil {
		c.Location = func(string) *time.Location { return time.UTC }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a point-in-time view for the status surfaces.
type Stats struct {
	Depth       int `json:"depth"`
	InFlight    int `json:"in_flight"`
	Retrying    int `json:"retrying"`
	DeadLetters int `json:"dead_letters"`
	Workers     int `json:"workers"`
	Capacity    int `json:"capacity"`
}

// Queue is the transcription worker pool.
type Queue struct {
	cfg    Config
	tr     Transcriber
	st     Store
	policy resilience.Policy
	log    *slog.Logger

	jobs    chan int64
	closing chan struct{}

	mu       sync.Mutex
	inflight map[int64]struct{}
	timers   map[*time.Timer]struct{}
	spilled  []int64 // accepted while full after the caller stopped waiting
	spillCh  chan struct{}

	retrying    atomic.Int64
	deadLetters atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	retries   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a queue. Nothing runs until Start.
func New(cfg Config, tr Transcriber, st Store, policy resilience.Policy) *Queue {
	cfg = cfg.withDefaults()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = resilience.DefaultMaxAttempts
	}
	return &Queue{
		cfg:      cfg,
		tr:       tr,
		st:       st,
		policy:   policy,
		log:      cfg.Logger.With("component", "queue"),
		jobs:     make(chan int64, cfg.Capacity),
		closing:  make(chan struct{}),
		inflight: make(map[int64]struct{}),
		timers:   make(map[*time.Timer]struct{}),
		spillCh:  make(chan struct{}, 1),
		ctx:      context.Background(),
		cancel:   func() {},
	}
}

// Start launches the workers. They run on ctx, which should only end at
// daemon shutdown; stopping a channel does not touch work already queued.
func (q *Queue) Start(ctx context.Context) error {
	var err error
	q.startOnce.Do(func() {
		q.ctx, q.cancel = context.WithCancel(ctx)

		n, cerr := q.st.DeadLetterCount(q.ctx)
		if cerr != nil {
			err = fmt.Errorf("queue: load dead-letter count: %w", cerr)
		}
		q.deadLetters.Store(int64(n))

		for i := 0; i < q.cfg.Workers; i++ {
			q.workers.Add(1)
			go q.worker()
		}
		q.workers.Add(1)
		go q.feedSpilled()
		q.log.Info("[STARTUP] transcription queue started",
			"workers", q.cfg.Workers, "capacity", q.cfg.Capacity, "max_attempts", q.policy.MaxAttempts)
	})
	return err
}

// Enqueue persists the segment as Queued and hands it to the pool. It blocks
// while the queue is full. If ctx ends first the error is returned, but the
// segment stays accepted and is pushed on the queue's own context, so a
// stopped channel never strands a Queued segment.
func (q *Queue) Enqueue(ctx context.Context, segmentID int64) error {
	select {
	case <-q.closing:
		return ErrClosed
	default:
	}
	// A recovered Transcribing segment cannot move back to Queued; it is
	// still worth pushing.
	if err := q.st.Enqueued(context.WithoutCancel(ctx), segmentID); err != nil && !errors.Is(err, store.ErrStatusRegression) {
		return fmt.Errorf("queue: enqueue segment %d: %w", segmentID, err)
	}
	err := q.push(ctx, segmentID)
	if err != nil && !errors.Is(err, ErrClosed) {
		q.spill(segmentID)
		q.log.Debug("caller stopped waiting on a full queue, segment kept", "segment_id", segmentID, "error", err)
	}
	return err
}

func (q *Queue) spill(id int64) {
	q.mu.Lock()
	q.spilled = append(q.spilled, id)
	q.mu.Unlock()
	select {
	case q.spillCh <- struct{}{}:
	default:
	}
}

// feedSpilled moves spilled segments into the pool as space frees up.
func (q *Queue) feedSpilled() {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		if len(q.spilled) == 0 {
			q.mu.Unlock()
			select {
			case <-q.spillCh:
				continue
			case <-q.closing:
				return
			}
		}
		id := q.spilled[0]
		q.mu.Unlock()

		if err := q.push(q.ctx, id); err != nil {
			return
		}
		q.mu.Lock()
		q.spilled = q.spilled[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) push(ctx context.Context, segmentID int64) error {
	select {
	case q.jobs <- segmentID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closing:
		return ErrClosed
	}
}

// Depth returns the number of segments waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.spilled)
}

// DeadLetters returns how many tasks have been dead-lettered, including
// those from earlier runs.
func (q *Queue) DeadLetters() int { return int(q.deadLetters.Load()) }

// Stats returns a snapshot for status reporting.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	inflight := len(q.inflight)
	q.mu.Unlock()
	return Stats{
		Depth:       q.Depth(),
		InFlight:    inflight,
		Retrying:    int(q.retrying.Load()),
		DeadLetters: q.DeadLetters(),
		Workers:     q.cfg.Workers,
		Capacity:    q.cfg.Capacity,
	}
}

// Close stops accepting work, lets the workers drain what is already
// queued, and waits for them. Pending retries are dropped; their segments
// stay Transcribing and are picked up by startup recovery.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)

		q.mu.Lock()
		for t := range q.timers {
			if t.Stop() {
				q.retrying.Add(-1)
				q.retries.Done()
			}
			delete(q.timers, t)
		}
		q.mu.Unlock()

		q.retries.Wait()
		q.workers.Wait()
		q.cancel()
		q.log.Info("[SHUTDOWN] transcription queue stopped", "abandoned", q.Depth())
	})
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for {
		select {
		case id := <-q.jobs:
			q.handle(id)
		case <-q.closing:
			for {
				select {
				case id := <-q.jobs:
					if q.ctx.Err() != nil {
						return
					}
					q.handle(id)
				default:
					return
				}
			}
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) handle(id int64) {
	// The retry is scheduled only after the in-flight mark is released, so a
	// short delay can never see its own segment as busy.
	if delay, retry := q.process(id); retry {
		q.scheduleRetry(id, delay)
	}
}

// acquire marks id in flight. It returns false when another worker has it.
func (q *Queue) acquire(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) release(id int64) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

// scheduleRetry checks closing and registers the timer under q.mu, the lock
// Close holds while it sweeps timers, so no Add races retries.Wait.
func (q *Queue) scheduleRetry(id int64, delay time.Duration) {
	q.mu.Lock()
	select {
	case <-q.closing:
		q.mu.Unlock()
		return
	default:
	}

	q.retries.Add(1)
	q.retrying.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer q.retries.Done()
		q.retrying.Add(-1)
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()

		if err := q.push(q.ctx, id); err != nil && !errors.Is(err, ErrClosed) && q.ctx.Err() == nil {
			q.log.Error("retry enqueue failed", "segment_id", id, "error", err)
		}
	})
	q.timers[t] = struct{}{}
	q.mu.Unlock()
}
