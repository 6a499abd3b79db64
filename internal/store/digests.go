package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a digest run's step.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunSummarized RunStatus = "summarized" // summary persisted, notification outstanding
	RunNotifying  RunStatus = "notifying"  // one scheduler holds the send claim
	RunComplete   RunStatus = "complete"
	RunFailed     RunStatus = "failed" // summarization failed; retried on a later tick
)

// DigestRun records one digest attempt for a channel and window.
type DigestRun struct {
	ID          string
	ChannelID   string
	WindowStart time.Time
	WindowEnd   time.Time
	Status      RunStatus
	OutputText  string
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const runColumns = `id, channel_id, window_start, window_end, status, output_text, error, attempts, created_at, updated_at`

func scanRun(r rowScanner) (DigestRun, error) {
	var run DigestRun
	var ws, we, created, updated int64
	var status string
	if err := r.Scan(&run.ID, &run.ChannelID, &ws, &we, &status, &run.OutputText, &run.Error,
		&run.Attempts, &created, &updated); err != nil {
		return DigestRun{}, err
	}
	run.WindowStart = fromMillis(ws)
	run.WindowEnd = fromMillis(we)
	run.Status = RunStatus(status)
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return run, nil
}

// EnsureDigestRun returns the run for (channelID, start, end), creating a
// pending one if none exists. The unique key makes this safe to race.
func (s *Store) EnsureDigestRun(ctx context.Context, channelID string, start, end time.Time) (DigestRun, error) {
	now := toMillis(s.now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_runs (id, channel_id, window_start, window_end, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, window_start, window_end) DO NOTHING
	`, uuid.NewString(), channelID, toMillis(start), toMillis(end), string(RunPending), now, now); err != nil {
		return DigestRun{}, fmt.Errorf("insert digest run: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM digest_runs
		WHERE channel_id = ? AND window_start = ? AND window_end = ?
	`, channelID, toMillis(start), toMillis(end))
	run, err := scanRun(row)
	if err != nil {
		return DigestRun{}, fmt.Errorf("scan digest run: %w", err)
	}
	return run, nil
}

// DigestRun returns the run with id.
func (s *Store) DigestRun(ctx context.Context, id string) (DigestRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM digest_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DigestRun{}, fmt.Errorf("digest run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return DigestRun{}, fmt.Errorf("scan digest run: %w", err)
	}
	return run, nil
}

// transitionRun moves run id from one of from to `to`. A non-empty owner
// also requires the caller to hold the notify claim. ErrRunConflict means
// another writer moved it first.
func (s *Store) transitionRun(ctx context.Context, id, owner string, from []RunStatus, to RunStatus, set string, args ...any) error {
	q := `UPDATE digest_runs SET status = ?, updated_at = ?` + set +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	all := []any{string(to), toMillis(s.now())}
	all = append(all, args...)
	all = append(all, id)
	for _, f := range from {
		all = append(all, string(f))
	}
	if owner != "" {
		q += ` AND claim_owner = ?`
		all = append(all, owner)
	}
	res, err := s.db.ExecContext(ctx, q, all...)
	if err != nil {
		return fmt.Errorf("update digest run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("digest run %s -> %s: %w", id, to, ErrRunConflict)
	}
	return nil
}

// MarkRunSummarized checkpoints the summary so a later retry only has to
// notify.
func (s *Store) MarkRunSummarized(ctx context.Context, id, text string) error {
	return s.transitionRun(ctx, id, "", []RunStatus{RunPending, RunFailed}, RunSummarized,
		`, output_text = ?, error = ''`, text)
}

// MarkRunComplete finishes a run that has nothing to send. Runs with a
// summary complete through ClaimRunNotify and MarkRunSent.
func (s *Store) MarkRunComplete(ctx context.Context, id, text string) error {
	return s.transitionRun(ctx, id, "", []RunStatus{RunPending, RunFailed}, RunComplete,
		`, output_text = ?, error = ''`, text)
}

// MarkRunFailed records a summarization failure.
func (s *Store) MarkRunFailed(ctx context.Context, id, msg string) error {
	return s.transitionRun(ctx, id, "", []RunStatus{RunPending, RunFailed}, RunFailed,
		`, error = ?, attempts = attempts + 1`, msg)
}

// ClaimRunNotify moves a summarized run to notifying for owner until
// now+lease. Only the winner may send. A notifying run whose lease has
// lapsed can be claimed again, so a crashed sender does not pin the run.
func (s *Store) ClaimRunNotify(ctx context.Context, id, owner string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE digest_runs SET status = ?, claim_owner = ?, claim_until = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND claim_until <= ?))
	`, string(RunNotifying), owner, toMillis(now.Add(lease)), toMillis(now),
		id, string(RunSummarized), string(RunNotifying), toMillis(now))
	if err != nil {
		return fmt.Errorf("claim digest run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("digest run %s -> %s: %w", id, RunNotifying, ErrRunConflict)
	}
	return nil
}

// MarkRunSent completes a run owner has claimed and delivered.
func (s *Store) MarkRunSent(ctx context.Context, id, owner string) error {
	return s.transitionRun(ctx, id, owner, []RunStatus{RunNotifying}, RunComplete,
		`, error = '', claim_owner = '', claim_until = 0`)
}

// RecordNotifyFailure returns owner's claimed run to summarized and notes
// the error.
func (s *Store) RecordNotifyFailure(ctx context.Context, id, owner, msg string) error {
	return s.transitionRun(ctx, id, owner, []RunStatus{RunNotifying}, RunSummarized,
		`, error = ?, attempts = attempts + 1, claim_owner = '', claim_until = 0`, msg)
}

// RecentRuns returns up to limit runs, newest window first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]DigestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM digest_runs
		ORDER BY window_end DESC, channel_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query digest runs: %w", err)
	}
	defer rows.Close()

	var out []DigestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan digest run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
