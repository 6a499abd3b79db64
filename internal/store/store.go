// Package store persists segments, transcription tasks, digest runs and
// capture events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrStatusRegression = errors.New("store: segment status may not regress")
	ErrRunConflict      = errors.New("store: digest run changed concurrently")
)

// Status is a segment's position in the ingestion pipeline.
type Status string

const (
	StatusDetected     Status = "detected"
	StatusFinalized    Status = "finalized"
	StatusQueued       Status = "queued"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusDetected:     0,
	StatusFinalized:    1,
	StatusQueued:       2,
	StatusTranscribing: 3,
	StatusTranscribed:  4,
	StatusFailed:       4,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusTranscribed || s == StatusFailed }

// before returns the statuses a segment may advance from to reach s.
func (s Status) before() []any {
	r, ok := statusRank[s]
	if !ok {
		return nil
	}
	var out []any
	for st, rank := range statusRank {
		if rank < r {
			out = append(out, string(st))
		}
	}
	return out
}

// Classification is the watcher's verdict on a finalized segment.
type Classification string

const (
	Unclassified Classification = "unclassified"
	Silence      Classification = "silence"
	Speech       Classification = "speech"
)

// Segment is one recorded audio file.
type Segment struct {
	ID             int64
	ChannelID      string
	FilePath       string
	StartTime      time.Time
	Duration       time.Duration
	SizeBytes      int64
	Classification Classification
	Status         Status
	Transcript     string
	Language       string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// End returns StartTime+Duration.
func (s Segment) End() time.Time { return s.StartTime.Add(s.Duration) }

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL keeps readers off the writer's back.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id     TEXT    NOT NULL,
	file_path      TEXT    NOT NULL UNIQUE,
	start_time     INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	classification TEXT    NOT NULL DEFAULT 'unclassified',
	status         TEXT    NOT NULL DEFAULT 'detected',
	transcript     TEXT    NOT NULL DEFAULT '',
	language       TEXT    NOT NULL DEFAULT '',
	archived       INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_channel_start ON segments(channel_id, start_time);
CREATE INDEX IF NOT EXISTS idx_segments_status ON segments(status);

CREATE TABLE IF NOT EXISTS tasks (
	segment_id      INTEGER PRIMARY KEY REFERENCES segments(id),
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	result          TEXT    NOT NULL DEFAULT 'pending',
	last_error      TEXT    NOT NULL DEFAULT '',
	processing_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS digest_runs (
	id           TEXT    PRIMARY KEY,
	channel_id   TEXT    NOT NULL,
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	output_text  TEXT    NOT NULL DEFAULT '',
	error        TEXT    NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	claim_owner  TEXT    NOT NULL DEFAULT '',
	claim_until  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE(channel_id, window_start, window_end)
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT    NOT NULL,
	level      TEXT    NOT NULL,
	message    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_id, created_at);
`

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
