package store

import (
	"context"
	"fmt"
	"time"
)

// Event is one line of a channel's capture journal.
type Event struct {
	ID        int64
	ChannelID string
	Level     string // info | warn | error
	Message   string
	CreatedAt time.Time
}

// AppendEvent writes ev, stamping CreatedAt when unset.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	if ev.Level == "" {
		ev.Level = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (channel_id, level, message, created_at) VALUES (?, ?, ?, ?)
	`, ev.ChannelID, ev.Level, ev.Message, toMillis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events for channelID, newest first. An
// empty channelID returns events for every channel.
func (s *Store) RecentEvents(ctx context.Context, channelID string, limit int) ([]Event, error) {
	q := `SELECT id, channel_id, level, message, created_at FROM events`
	var args []any
	if channelID != "" {
		q += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var created int64
		if err := rows.Scan(&ev.ID, &ev.ChannelID, &ev.Level, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
