package queue

import (
	"context"
	"time"

	"github.com/tiroq/radiodigest/internal/asr"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/fileutil"
	"github.com/tiroq/radiodigest/internal/resilience"
	"github.com/tiroq/radiodigest/internal/store"
	"github.com/tiroq/radiodigest/internal/transcript"
)

// process runs one attempt for id. It reports whether and when to retry.
func (q *Queue) process(id int64) (time.Duration, bool) {
	if !q.acquire(id) {
		q.log.Debug("segment already in flight, skipping duplicate", "segment_id", id)
		return 0, false
	}
	defer q.release(id)

	ctx := q.ctx
	seg, err := q.st.Segment(ctx, id)
	if err != nil {
		q.log.Error("load segment failed", "segment_id", id, "error", err)
		return 0, false
	}
	if seg.Status.Terminal() {
		q.log.Debug("segment already terminal, skipping", "segment_id", id, "status", seg.Status)
		return 0, false
	}
	if seg.Classification == store.Silence {
		q.log.Warn("silence segment reached the queue, skipping", "segment_id", id, "path", seg.FilePath)
		return 0, false
	}

	attempt, err := q.st.BeginAttempt(ctx, id)
	if err != nil {
		q.log.Error("record attempt failed", "segment_id", id, "error", err)
		return 0, false
	}
	log := q.log.With("segment_id", id, "channel", seg.ChannelID, "attempt", attempt)

	// Attempts cut short by an earlier shutdown still count.
	if attempt > q.policy.MaxAttempts {
		q.deadLetter(seg, attempt, "attempt budget exhausted")
		return 0, false
	}

	q.cfg.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentQueue,
		Event:     diaglog.EventTaskAttempt,
		ChannelID: seg.ChannelID,
		Payload:   map[string]interface{}{"segment_id": id, "attempt": attempt, "path": seg.FilePath},
	})

	opts := asr.TranscribeOptions{Language: q.cfg.Language(seg.ChannelID), Timestamps: true}
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	start := time.Now()
	tr, err := q.tr.Transcribe(callCtx, seg.FilePath, opts)
	cancel()

	if err == nil {
		elapsed := time.Since(start)
		q.succeed(seg, tr, attempt, elapsed)
		log.Info("segment transcribed", "backend", tr.Backend, "elapsed", elapsed.Round(time.Millisecond))
		return 0, false
	}
	if ctx.Err() != nil {
		// Shutdown: leave the segment Transcribing for recovery.
		return 0, false
	}

	if rerr := q.st.RecordFailure(ctx, id, err.Error()); rerr != nil {
		log.Error("record failure failed", "error", rerr)
	}

	if q.policy.ShouldRetry(attempt, err) {
		delay := q.policy.Delay(attempt - 1)
		log.Warn("transcription failed, will retry", "error", err, "delay", delay)
		q.cfg.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentQueue,
			Event:     diaglog.EventTaskRetry,
			ChannelID: seg.ChannelID,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"segment_id": id, "attempt": attempt, "delay_ms": delay.Milliseconds()},
		})
		return delay, true
	}

	reason := err.Error()
	if !resilience.IsTransient(err) {
		reason = "permanent: " + reason
	}
	q.deadLetter(seg, attempt, reason)
	return 0, false
}

func (q *Queue) succeed(seg store.Segment, tr *asr.Transcript, attempt int, elapsed time.Duration) {
	if err := q.st.MarkTranscribed(q.ctx, seg.ID, tr.Text(), tr.Language, elapsed); err != nil {
		q.log.Error("store transcript failed", "segment_id", seg.ID, "error", err)
		return
	}

	var formats []string
	if len(q.cfg.TranscriptFormats) > 0 {
		written, err := transcript.WriteAll(seg.FilePath, tr, q.cfg.TranscriptFormats, seg.StartTime.In(q.cfg.Location(seg.ChannelID)))
		if err != nil {
			q.log.Warn("write transcript files failed", "segment_id", seg.ID, "error", err)
		}
		formats = q.cfg.TranscriptFormats
		q.log.Debug("transcript files written", "segment_id", seg.ID, "files", written)
	}

	if q.cfg.WriteSidecar {
		meta := &fileutil.SegmentMetadata{
			SegmentID:      seg.ID,
			ChannelID:      seg.ChannelID,
			StartedAt:      seg.StartTime,
			Duration:       seg.Duration.String(),
			DurationMs:     seg.Duration.Milliseconds(),
			SizeBytes:      seg.SizeBytes,
			Classification: string(seg.Classification),
			AudioFile:      seg.FilePath,
			ASR: &fileutil.ASRMeta{
				Backend:       tr.Backend,
				Model:         tr.Model,
				Language:      tr.Language,
				Formats:       formats,
				Attempts:      attempt,
				Success:       true,
				ProcessingSec: elapsed.Seconds(),
				TranscribedAt: time.Now().UTC(),
			},
		}
		if err := fileutil.WriteMetadata(seg.FilePath, meta); err != nil {
			q.log.Warn("write sidecar failed", "segment_id", seg.ID, "error", err)
		}
	}
}

func (q *Queue) deadLetter(seg store.Segment, attempt int, reason string) {
	if err := q.st.DeadLetter(q.ctx, seg.ID, reason); err != nil {
		q.log.Error("dead-letter failed", "segment_id", seg.ID, "error", err)
		return
	}
	q.deadLetters.Add(1)
	q.log.Error("segment dead-lettered", "segment_id", seg.ID, "channel", seg.ChannelID,
		"attempt", attempt, "reason", reason)
	q.cfg.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentQueue,
		Event:     diaglog.EventTaskDeadLetter,
		ChannelID: seg.ChannelID,
		Reason:    reason,
		Payload:   map[string]interface{}{"segment_id": seg.ID, "attempt": attempt, "path": seg.FilePath},
	})
}
