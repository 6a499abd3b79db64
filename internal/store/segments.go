package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const segmentColumns = `id, channel_id, file_path, start_time, duration_ms, size_bytes,
	classification, status, transcript, language, archived, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(r rowScanner) (Segment, error) {
	var seg Segment
	var start, durMs, created, updated int64
	var class, status string
	var archived int
	if err := r.Scan(&seg.ID, &seg.ChannelID, &seg.FilePath, &start, &durMs, &seg.SizeBytes,
		&class, &status, &seg.Transcript, &seg.Language, &archived, &created, &updated); err != nil {
		return Segment{}, err
	}
	seg.StartTime = fromMillis(start)
	seg.Duration = time.Duration(durMs) * time.Millisecond
	seg.Classification = Classification(class)
	seg.Status = Status(status)
	seg.Archived = archived != 0
	seg.CreatedAt = fromMillis(created)
	seg.UpdatedAt = fromMillis(updated)
	return seg, nil
}

func (s *Store) querySegments(ctx context.Context, query string, args ...any) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// RecordDetected inserts a Detected segment for path unless one exists, and
// returns the stored row. created is false when the path was already known.
func (s *Store) RecordDetected(ctx context.Context, channelID, path string, start time.Time, size int64) (seg Segment, created bool, err error) {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (channel_id, file_path, start_time, size_bytes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO NOTHING
	`, channelID, path, toMillis(start), size, string(StatusDetected), now, now)
	if err != nil {
		return Segment{}, false, fmt.Errorf("insert segment: %w", err)
	}
	n, _ := res.RowsAffected()
	seg, err = s.SegmentByPath(ctx, path)
	return seg, n > 0, err
}

// Segment returns the segment with id.
func (s *Store) Segment(ctx context.Context, id int64) (Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Segment{}, fmt.Errorf("scan segment: %w", err)
	}
	return seg, nil
}

// SegmentByPath returns the segment recorded for path.
func (s *Store) SegmentByPath(ctx context.Context, path string) (Segment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE file_path = ?`, path)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("segment %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Segment{}, fmt.Errorf("scan segment: %w", err)
	}
	return seg, nil
}

// FinalizedPath reports whether path has a segment past Detected. The
// watcher skips these on rescan.
func (s *Store) FinalizedPath(ctx context.Context, path string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM segments WHERE file_path = ?`, path).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query segment status: %w", err)
	}
	return Status(status) != StatusDetected, nil
}

// AdvanceStatus moves a segment forward to `to`. Moving to the current
// status is a no-op; moving backwards, or between the two terminal
// statuses, returns ErrStatusRegression.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, to Status) error {
	return s.advance(ctx, s.db, id, to, "")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// advance performs a compare-and-set status update. extraSet is appended to
// the SET clause with its own args already bound by the caller via extraArgs.
func (s *Store) advance(ctx context.Context, db execer, id int64, to Status, extraSet string, extraArgs ...any) error {
	from := to.before()
	if from == nil {
		return fmt.Errorf("advance segment %d: unknown status %q", id, to)
	}
	args := []any{string(to), toMillis(s.now())}
	args = append(args, extraArgs...)
	args = append(args, id)
	args = append(args, from...)

	q := `UPDATE segments SET status = ?, updated_at = ?` + extraSet +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("advance segment %d to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = db.QueryRowContext(ctx, `SELECT status FROM segments WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read segment %d status: %w", id, err)
	}
	if Status(cur) == to {
		return nil
	}
	return fmt.Errorf("segment %d %s -> %s: %w", id, cur, to, ErrStatusRegression)
}

// Finalize records the watcher's verdict and advances to Finalized. Silence
// segments are archived in the same step.
func (s *Store) Finalize(ctx context.Context, id int64, duration time.Duration, size int64, class Classification) error {
	archived := 0
	if class == Silence {
		archived = 1
	}
	return s.advance(ctx, s.db, id, StatusFinalized,
		`, duration_ms = ?, size_bytes = ?, classification = ?, archived = ?`,
		duration.Milliseconds(), size, string(class), archived)
}

// MarkTranscribed stores the transcript, advances to Transcribed and marks
// the task successful in one transaction.
func (s *Store) MarkTranscribed(ctx context.Context, id int64, text, language string, processing time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.advance(ctx, tx, id, StatusTranscribed, `, transcript = ?, language = ?`, text, language); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET result = ?, last_error = '', processing_ms = ? WHERE segment_id = ?
		`, string(ResultSuccess), processing.Milliseconds(), id)
		return err
	})
}

// PendingSegments returns segments whose transcription has not finished,
// oldest first per channel. Unclassified segments count as speech. Used for
// startup recovery.
func (s *Store) PendingSegments(ctx context.Context) ([]Segment, error) {
	return s.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM segments
		WHERE status IN (?, ?)
		   OR (status = ? AND classification IN (?, ?) AND archived = 0)
		ORDER BY channel_id, start_time
	`, string(StatusQueued), string(StatusTranscribing), string(StatusFinalized), string(Speech), string(Unclassified))
}

// DetectedSegments returns segments still waiting on finalize for channelID.
func (s *Store) DetectedSegments(ctx context.Context, channelID string) ([]Segment, error) {
	return s.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM segments
		WHERE channel_id = ? AND status = ?
		ORDER BY start_time
	`, channelID, string(StatusDetected))
}

// TranscribedInWindow returns transcribed, non-silent segments for
// channelID whose start time falls in [start, end), sorted by start time.
func (s *Store) TranscribedInWindow(ctx context.Context, channelID string, start, end time.Time) ([]Segment, error) {
	return s.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM segments
		WHERE channel_id = ? AND status = ? AND classification != ?
		  AND start_time >= ? AND start_time < ?
		ORDER BY start_time, id
	`, channelID, string(StatusTranscribed), string(Silence), toMillis(start), toMillis(end))
}

// StatusCounts returns the number of segments per status.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM segments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count segments: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
