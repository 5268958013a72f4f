package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"Mansoor88-6/dose-tracker/internal/models"
)

// SyncEventRepository keeps events received by the ingest server. Events
// are partitioned by the authenticated subject that pushed them.
type SyncEventRepository struct {
	db Querier
}

func NewSyncEventRepository(db Querier) *SyncEventRepository {
	return &SyncEventRepository{db: db}
}

// Store inserts the event unless the subject already has an event with
// the same id. It reports whether a row was written.
func (r *SyncEventRepository) Store(ctx context.Context, subject string, event models.SyncEvent, receivedAt time.Time) (bool, error) {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_events (event_id, subject, event_type, item_id, timestamp, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, event_id) DO NOTHING
	`, event.EventID, subject, string(event.EventType), event.ItemID, event.Timestamp, payload, toMillis(receivedAt))
	if err != nil {
		return false, fmt.Errorf("failed to store sync event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListSince returns the subject's events received after since, oldest first
func (r *SyncEventRepository) ListSince(ctx context.Context, subject string, since time.Time, limit int) ([]models.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, event_type, item_id, timestamp, payload, received_at
		FROM sync_events
		WHERE subject = ? AND received_at > ?
		ORDER BY received_at ASC, event_id ASC
		LIMIT ?
	`, subject, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	events := []models.StoredEvent{}
	for rows.Next() {
		var e models.StoredEvent
		var eventType string
		var payload sql.NullString
		if err := rows.Scan(&e.EventID, &eventType, &e.ItemID, &e.Timestamp, &payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		e.EventType = models.EventType(eventType)
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}
