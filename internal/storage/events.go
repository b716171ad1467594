package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Sync events ---

// AppendSyncEvent stores a new unprocessed event and returns it with its id
// and timestamp filled in.
func (s *Store) AppendSyncEvent(ctx context.Context, ev SyncEvent) (SyncEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.Processed = false
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, user_id, source_type, occurred_at, item_count, processed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		ev.ID, ev.UserID, string(ev.SourceType), ev.OccurredAt.UTC().Format(time.RFC3339), ev.ItemCount,
	)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("appending sync event: %w", err)
	}
	return ev, nil
}

// ClaimSyncEvents selects up to limit unprocessed events, oldest first, and
// marks them processed in the same transaction. Each event is returned by at
// most one claim.
func (s *Store) ClaimSyncEvents(ctx context.Context, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, source_type, occurred_at, item_count
		FROM sync_events
		WHERE processed = 0
		ORDER BY occurred_at ASC, rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending events: %w", err)
	}

	var events []SyncEvent
	for rows.Next() {
		ev, err := scanSyncEvent(rows, false)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating pending events: %w", err)
	}
	rows.Close()

	if len(events) == 0 {
		return nil, nil
	}

	args := make([]any, len(events))
	for i, ev := range events {
		args[i] = ev.ID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_events SET processed = 1 WHERE processed = 0 AND id IN (?`+strings.Repeat(",?", len(events)-1)+`)`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("marking events processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	for i := range events {
		events[i].Processed = true
	}
	return events, nil
}

// ListSyncEvents returns a user's events newest first. An empty source type
// returns events of every type.
func (s *Store) ListSyncEvents(ctx context.Context, userID string, t SourceType, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, source_type, occurred_at, item_count, processed
		FROM sync_events WHERE user_id = ?`
	args := []any{userID}
	if t != "" {
		query += ` AND source_type = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync events: %w", err)
	}
	defer rows.Close()

	var events []SyncEvent
	for rows.Next() {
		ev, err := scanSyncEvent(rows, true)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountPendingSyncEvents returns how many events are waiting for the reactor.
func (s *Store) CountPendingSyncEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_events WHERE processed = 0`).Scan(&n)
	return n, err
}

func scanSyncEvent(sc rowScanner, withProcessed bool) (SyncEvent, error) {
	var ev SyncEvent
	var sourceType, occurredAt string
	dest := []any{&ev.ID, &ev.UserID, &sourceType, &occurredAt, &ev.ItemCount}
	var processed int
	if withProcessed {
		dest = append(dest, &processed)
	}
	if err := sc.Scan(dest...); err != nil {
		return SyncEvent{}, fmt.Errorf("scanning sync event: %w", err)
	}
	ev.SourceType = SourceType(sourceType)
	ev.Processed = processed != 0
	t, err := time.Parse(time.RFC3339, occurredAt)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("parsing occurred_at for event %s: %w", ev.ID, err)
	}
	ev.OccurredAt = t
	return ev, nil
}
