package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func detect(t *testing.T, s *Store, channel, path string, start time.Time) Segment {
	t.Helper()
	seg, created, err := s.RecordDetected(context.Background(), channel, path, start, 1024)
	if err != nil {
		t.Fatalf("RecordDetected(%s) error = %v", path, err)
	}
	if !created {
		t.Fatalf("RecordDetected(%s) created = false on first insert", path)
	}
	return seg
}

func TestRecordDetectedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := detect(t, s, "kan", "/rec/kan/chunk_20260301100000.wav", start)
	again, created, err := s.RecordDetected(ctx, "kan", "/rec/kan/chunk_20260301100000.wav", start, 2048)
	if err != nil {
		t.Fatalf("RecordDetected() error = %v", err)
	}
	if created {
		t.Error("second RecordDetected() created = true, want false")
	}
	if again.ID != first.ID {
		t.Errorf("ID = %d, want %d", again.ID, first.ID)
	}
	if again.Status != StatusDetected {
		t.Errorf("Status = %q, want %q", again.Status, StatusDetected)
	}
	if !again.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", again.StartTime, start)
	}
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seg := detect(t, s, "kan", "/rec/a.wav", time.Now())

	if err := s.Finalize(ctx, seg.ID, 90*time.Second, 4096, Speech); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := s.AdvanceStatus(ctx, seg.ID, StatusQueued); err != nil {
		t.Fatalf("AdvanceStatus(queued) error = %v", err)
	}
	// same status twice is a no-op
	if err := s.AdvanceStatus(ctx, seg.ID, StatusQueued); err != nil {
		t.Errorf("AdvanceStatus(queued) again error = %v", err)
	}

	err := s.AdvanceStatus(ctx, seg.ID, StatusFinalized)
	if !errors.Is(err, ErrStatusRegression) {
		t.Errorf("AdvanceStatus(finalized) error = %v, want ErrStatusRegression", err)
	}

	got, err := s.Segment(ctx, seg.ID)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
	}
	if got.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", got.Duration)
	}
}

func TestTerminalStatusesDoNotCross(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seg := detect(t, s, "kan", "/rec/a.wav", time.Now())

	if err := s.AdvanceStatus(ctx, seg.ID, StatusTranscribed); err != nil {
		t.Fatalf("AdvanceStatus(transcribed) error = %v", err)
	}
	if err := s.AdvanceStatus(ctx, seg.ID, StatusFailed); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("AdvanceStatus(failed) error = %v, want ErrStatusRegression", err)
	}
}

func TestAdvanceStatusUnknownSegment(t *testing.T) {
	s := openTestStore(t)
	err := s.AdvanceStatus(context.Background(), 404, StatusQueued)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFinalizeSilenceArchives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seg := detect(t, s, "kan", "/rec/quiet.wav", time.Now())

	if err := s.Finalize(ctx, seg.ID, 10*time.Second, 100, Silence); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	got, _ := s.Segment(ctx, seg.ID)
	if !got.Archived {
		t.Error("silence segment not archived")
	}
	if got.Classification != Silence {
		t.Errorf("Classification = %q, want %q", got.Classification, Silence)
	}

	known, err := s.FinalizedPath(ctx, "/rec/quiet.wav")
	if err != nil || !known {
		t.Errorf("FinalizedPath() = %v, %v; want true, nil", known, err)
	}

	pending, err := s.PendingSegments(ctx)
	if err != nil {
		t.Fatalf("PendingSegments() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingSegments() = %d segments, want 0", len(pending))
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seg := detect(t, s, "kan", "/rec/speech.wav", time.Now())
	if err := s.Finalize(ctx, seg.ID, time.Minute, 100, Speech); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if err := s.Enqueued(ctx, seg.ID); err != nil {
		t.Fatalf("Enqueued() error = %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.BeginAttempt(ctx, seg.ID)
		if err != nil {
			t.Fatalf("BeginAttempt() error = %v", err)
		}
		if n != want {
			t.Errorf("BeginAttempt() = %d, want %d", n, want)
		}
		if want < 3 {
			if err := s.RecordFailure(ctx, seg.ID, "503 from asr"); err != nil {
				t.Fatalf("RecordFailure() error = %v", err)
			}
		}
	}

	if err := s.MarkTranscribed(ctx, seg.ID, "hello", "he", 2500*time.Millisecond); err != nil {
		t.Fatalf("MarkTranscribed() error = %v", err)
	}
	task, err := s.Task(ctx, seg.ID)
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.Result != ResultSuccess {
		t.Errorf("Result = %q, want %q", task.Result, ResultSuccess)
	}
	if task.LastError != "" {
		t.Errorf("LastError = %q, want empty", task.LastError)
	}
	if task.Processing != 2500*time.Millisecond {
		t.Errorf("Processing = %v, want 2.5s", task.Processing)
	}
	if task.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", task.AttemptCount)
	}

	// a finished segment cannot start another attempt
	if _, err := s.BeginAttempt(ctx, seg.ID); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("BeginAttempt() after success error = %v, want ErrStatusRegression", err)
	}
}

func TestDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seg := detect(t, s, "kan", "/rec/bad.wav", time.Now())
	_ = s.Finalize(ctx, seg.ID, time.Minute, 100, Speech)
	_ = s.Enqueued(ctx, seg.ID)
	if _, err := s.BeginAttempt(ctx, seg.ID); err != nil {
		t.Fatalf("BeginAttempt() error = %v", err)
	}

	if err := s.DeadLetter(ctx, seg.ID, "415 unsupported media"); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}
	n, err := s.DeadLetterCount(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeadLetterCount() = %d, %v; want 1, nil", n, err)
	}
	dead, err := s.DeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetters() = %v, %v", dead, err)
	}
	if dead[0].LastError != "415 unsupported media" {
		t.Errorf("LastError = %q", dead[0].LastError)
	}

	got, _ := s.Segment(ctx, seg.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if _, err := s.BeginAttempt(ctx, seg.ID); err == nil {
		t.Error("BeginAttempt() on dead letter succeeded, want error")
	}
}

func TestPendingSegmentsForRecovery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	finalized := detect(t, s, "kan", "/rec/1.wav", base)
	_ = s.Finalize(ctx, finalized.ID, time.Minute, 1, Speech)

	queued := detect(t, s, "kan", "/rec/2.wav", base.Add(time.Hour))
	_ = s.Finalize(ctx, queued.ID, time.Minute, 1, Speech)
	_ = s.Enqueued(ctx, queued.ID)

	running := detect(t, s, "kan", "/rec/3.wav", base.Add(2*time.Hour))
	_ = s.Finalize(ctx, running.ID, time.Minute, 1, Speech)
	_ = s.Enqueued(ctx, running.ID)
	_, _ = s.BeginAttempt(ctx, running.ID)

	done := detect(t, s, "kan", "/rec/4.wav", base.Add(3*time.Hour))
	_ = s.Finalize(ctx, done.ID, time.Minute, 1, Speech)
	_ = s.MarkTranscribed(ctx, done.ID, "text", "en", time.Second)

	detect(t, s, "kan", "/rec/5.wav", base.Add(4*time.Hour))

	unsure := detect(t, s, "kan", "/rec/6.wav", base.Add(5*time.Hour))
	_ = s.Finalize(ctx, unsure.ID, time.Minute, 1, Unclassified)

	pending, err := s.PendingSegments(ctx)
	if err != nil {
		t.Fatalf("PendingSegments() error = %v", err)
	}
	want := []int64{finalized.ID, queued.ID, running.ID, unsure.ID}
	if len(pending) != len(want) {
		t.Fatalf("PendingSegments() = %d segments, want %d", len(pending), len(want))
	}
	for i, seg := range pending {
		if seg.ID != want[i] {
			t.Errorf("pending[%d].ID = %d, want %d", i, seg.ID, want[i])
		}
	}

	detected, _ := s.DetectedSegments(ctx, "kan")
	if len(detected) != 1 || detected[0].FilePath != "/rec/5.wav" {
		t.Errorf("DetectedSegments() = %+v", detected)
	}

	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	if counts[StatusTranscribed] != 1 || counts[StatusDetected] != 1 {
		t.Errorf("StatusCounts() = %v", counts)
	}
}

func TestTranscribedInWindowSortsByStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// inserted out of order; later start transcribed first
	late := detect(t, s, "kan", "/rec/late.wav", day.Add(20*time.Hour))
	early := detect(t, s, "kan", "/rec/early.wav", day.Add(8*time.Hour))
	outside := detect(t, s, "kan", "/rec/next.wav", day.Add(24*time.Hour))
	other := detect(t, s, "reshet", "/rec/other.wav", day.Add(9*time.Hour))
	for _, seg := range []Segment{late, early, outside, other} {
		_ = s.Finalize(ctx, seg.ID, time.Minute, 1, Speech)
		if err := s.MarkTranscribed(ctx, seg.ID, seg.FilePath, "he", time.Second); err != nil {
			t.Fatalf("MarkTranscribed() error = %v", err)
		}
	}

	got, err := s.TranscribedInWindow(ctx, "kan", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("TranscribedInWindow() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TranscribedInWindow() = %d segments, want 2", len(got))
	}
	if got[0].ID != early.ID || got[1].ID != late.ID {
		t.Errorf("order = [%d %d], want [%d %d]", got[0].ID, got[1].ID, early.ID, late.ID)
	}
}

func TestEnsureDigestRunIsUniquePerWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := s.EnsureDigestRun(ctx, "kan", start, end)
			ids[i], errs[i] = run.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("EnsureDigestRun() error = %v", errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("run id %d = %q, want %q", i, ids[i], ids[0])
		}
	}

	other, err := s.EnsureDigestRun(ctx, "reshet", start, end)
	if err != nil {
		t.Fatalf("EnsureDigestRun() error = %v", err)
	}
	if other.ID == ids[0] {
		t.Error("different channel shares a run id")
	}
}

func TestDigestRunSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run, _ := s.EnsureDigestRun(ctx, "kan", start, start.Add(24*time.Hour))
	if run.Status != RunPending {
		t.Fatalf("Status = %q, want %q", run.Status, RunPending)
	}

	if err := s.MarkRunFailed(ctx, run.ID, "summarizer 503"); err != nil {
		t.Fatalf("MarkRunFailed() error = %v", err)
	}
	if err := s.MarkRunSummarized(ctx, run.ID, "summary"); err != nil {
		t.Fatalf("MarkRunSummarized() error = %v", err)
	}
	if err := s.ClaimRunNotify(ctx, run.ID, "sched-a", time.Minute); err != nil {
		t.Fatalf("ClaimRunNotify() error = %v", err)
	}
	if err := s.RecordNotifyFailure(ctx, run.ID, "sched-a", "telegram timeout"); err != nil {
		t.Fatalf("RecordNotifyFailure() error = %v", err)
	}

	got, _ := s.DigestRun(ctx, run.ID)
	if got.Status != RunSummarized || got.OutputText != "summary" {
		t.Errorf("run = %q %q, want summarized with text", got.Status, got.OutputText)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	// summarized runs are never summarized again, nor completed without a send
	if err := s.MarkRunSummarized(ctx, run.ID, "other"); !errors.Is(err, ErrRunConflict) {
		t.Errorf("MarkRunSummarized() on summarized run error = %v, want ErrRunConflict", err)
	}
	if err := s.MarkRunComplete(ctx, run.ID, "summary"); !errors.Is(err, ErrRunConflict) {
		t.Errorf("MarkRunComplete() on summarized run error = %v, want ErrRunConflict", err)
	}

	if err := s.ClaimRunNotify(ctx, run.ID, "sched-b", time.Minute); err != nil {
		t.Fatalf("ClaimRunNotify() error = %v", err)
	}
	if err := s.MarkRunSent(ctx, run.ID, "sched-b"); err != nil {
		t.Fatalf("MarkRunSent() error = %v", err)
	}
	if err := s.MarkRunSent(ctx, run.ID, "sched-b"); !errors.Is(err, ErrRunConflict) {
		t.Errorf("second MarkRunSent() error = %v, want ErrRunConflict", err)
	}
	if err := s.MarkRunFailed(ctx, run.ID, "late"); !errors.Is(err, ErrRunConflict) {
		t.Errorf("MarkRunFailed() on complete run error = %v, want ErrRunConflict", err)
	}

	got, _ = s.DigestRun(ctx, run.ID)
	if got.Status != RunComplete || got.OutputText != "summary" || got.Error != "" {
		t.Errorf("final run = %+v", got)
	}

	recent, err := s.RecentRuns(ctx, 20)
	if err != nil || len(recent) != 1 {
		t.Errorf("RecentRuns() = %d runs, %v", len(recent), err)
	}
}

func TestConcurrentCompleteOnlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run, _ := s.EnsureDigestRun(ctx, "kan", start, start.Add(24*time.Hour))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.MarkRunComplete(ctx, run.ID, "x"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("completions = %d, want 1", wins)
	}
}

func TestClaimRunNotify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run, _ := s.EnsureDigestRun(ctx, "kan", start, start.Add(24*time.Hour))

	if err := s.ClaimRunNotify(ctx, run.ID, "a", time.Minute); !errors.Is(err, ErrRunConflict) {
		t.Errorf("ClaimRunNotify() on pending run error = %v, want ErrRunConflict", err)
	}
	if err := s.MarkRunSummarized(ctx, run.ID, "summary"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for _, owner := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if err := s.ClaimRunNotify(ctx, run.ID, owner, time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("claim winners = %v, want exactly one", winners)
	}
	holder := winners[0]
	if err := s.MarkRunSent(ctx, run.ID, "not-"+holder); !errors.Is(err, ErrRunConflict) {
		t.Errorf("MarkRunSent() by non-holder error = %v, want ErrRunConflict", err)
	}
	if err := s.RecordNotifyFailure(ctx, run.ID, "not-"+holder, "x"); !errors.Is(err, ErrRunConflict) {
		t.Errorf("RecordNotifyFailure() by non-holder error = %v, want ErrRunConflict", err)
	}

	// the holder went away; once the lease lapses another scheduler takes over
	clock = clock.Add(30 * time.Second)
	if err := s.ClaimRunNotify(ctx, run.ID, "late", time.Minute); !errors.Is(err, ErrRunConflict) {
		t.Errorf("ClaimRunNotify() inside lease error = %v, want ErrRunConflict", err)
	}
	clock = clock.Add(time.Minute)
	if err := s.ClaimRunNotify(ctx, run.ID, "late", time.Minute); err != nil {
		t.Fatalf("ClaimRunNotify() after lease error = %v", err)
	}
	if err := s.MarkRunSent(ctx, run.ID, holder); !errors.Is(err, ErrRunConflict) {
		t.Errorf("MarkRunSent() by expired holder error = %v, want ErrRunConflict", err)
	}
	if err := s.MarkRunSent(ctx, run.ID, "late"); err != nil {
		t.Fatalf("MarkRunSent() error = %v", err)
	}
	if got, _ := s.DigestRun(ctx, run.ID); got.Status != RunComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	_ = s.AppendEvent(ctx, Event{ChannelID: "kan", Message: "capture started"})
	_ = s.AppendEvent(ctx, Event{ChannelID: "kan", Level: "warn", Message: "capture exited"})
	_ = s.AppendEvent(ctx, Event{ChannelID: "reshet", Message: "capture started"})

	evs, err := s.RecentEvents(ctx, "kan", 10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("RecentEvents() = %d events, want 2", len(evs))
	}
	if evs[0].Message != "capture exited" || evs[0].Level != "warn" {
		t.Errorf("newest event = %+v", evs[0])
	}
	if evs[1].Level != "info" {
		t.Errorf("default level = %q, want info", evs[1].Level)
	}

	all, _ := s.RecentEvents(ctx, "", 10)
	if len(all) != 3 {
		t.Errorf("RecentEvents(all) = %d events, want 3", len(all))
	}
}
