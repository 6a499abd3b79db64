package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskResult is a transcription task's outcome.
type TaskResult string

const (
	ResultPending    TaskResult = "pending"
	ResultSuccess    TaskResult = "success"
	ResultDeadLetter TaskResult = "dead_letter"
)

// Task tracks transcription attempts for one segment.
type Task struct {
	SegmentID     int64
	AttemptCount  int
	LastAttemptAt time.Time
	Result        TaskResult
	LastError     string
	Processing    time.Duration // ASR time of the successful attempt
}

// Enqueued creates the segment's task if missing and advances the segment to
// Queued.
func (s *Store) Enqueued(ctx context.Context, segmentID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (segment_id, result) VALUES (?, ?)
			ON CONFLICT(segment_id) DO NOTHING
		`, segmentID, string(ResultPending)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return s.advance(ctx, tx, segmentID, StatusQueued, "")
	})
}

// BeginAttempt advances the segment to Transcribing (a no-op on retries),
// increments the attempt counter and returns the new count.
func (s *Store) BeginAttempt(ctx context.Context, segmentID int64) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.advance(ctx, tx, segmentID, StatusTranscribing, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (segment_id, result) VALUES (?, ?)
			ON CONFLICT(segment_id) DO NOTHING
		`, segmentID, string(ResultPending)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET attempt_count = attempt_count + 1, last_attempt_at = ?
			WHERE segment_id = ?
		`, toMillis(s.now()), segmentID); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT attempt_count FROM tasks WHERE segment_id = ?`, segmentID).Scan(&attempts)
	})
	return attempts, err
}

// RecordFailure stores the latest attempt error without changing state.
func (s *Store) RecordFailure(ctx context.Context, segmentID int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_error = ? WHERE segment_id = ?`, msg, segmentID)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// DeadLetter marks the task dead_letter and the segment Failed.
func (s *Store) DeadLetter(ctx context.Context, segmentID int64, msg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.advance(ctx, tx, segmentID, StatusFailed, ""); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET result = ?, last_error = ? WHERE segment_id = ?
		`, string(ResultDeadLetter), msg, segmentID)
		return err
	})
}

// Task returns the task for segmentID.
func (s *Store) Task(ctx context.Context, segmentID int64) (Task, error) {
	var t Task
	var last, procMs int64
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT segment_id, attempt_count, last_attempt_at, result, last_error, processing_ms
		FROM tasks WHERE segment_id = ?
	`, segmentID).Scan(&t.SegmentID, &t.AttemptCount, &last, &result, &t.LastError, &procMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", segmentID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.LastAttemptAt = fromMillis(last)
	t.Result = TaskResult(result)
	t.Processing = time.Duration(procMs) * time.Millisecond
	return t, nil
}

// DeadLetterCount returns the number of dead-lettered tasks.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE result = ?`, string(ResultDeadLetter)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// DeadLetters returns dead-lettered tasks, newest attempt first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_id, attempt_count, last_attempt_at, result, last_error, processing_ms
		FROM tasks WHERE result = ?
		ORDER BY last_attempt_at DESC LIMIT ?
	`, string(ResultDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var last, procMs int64
		var result string
		if err := rows.Scan(&t.SegmentID, &t.AttemptCount, &last, &result, &t.LastError, &procMs); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.LastAttemptAt = fromMillis(last)
		t.Result = TaskResult(result)
		t.Processing = time.Duration(procMs) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}
