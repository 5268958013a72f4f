package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"Mansoor88-6/dose-tracker/internal/models"

	"go.uber.org/zap"
)

// MaxRetries is the retry count after which an event becomes eligible
// for cleanup
const MaxRetries = 10

// EventQueue is a durable outbox of sync events that could not be pushed
type EventQueue struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewEventQueue creates a new event queue
func NewEventQueue(db *sql.DB, logger *zap.Logger) *EventQueue {
	return &EventQueue{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue adds events to the queue
func (eq *EventQueue) Enqueue(deviceID string, events []models.SyncEvent) error {
	tx, err := eq.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pending_events (event_id, event_data, device_id, created_at, retry_count)
		VALUES (?, ?, ?, ?, 0)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	createdAt := eq.now().UnixMilli()
	for _, event := range events {
		eventData, err := json.Marshal(event)
		if err != nil {
			eq.logger.Error("Failed to marshal event", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}

		if _, err := stmt.Exec(event.EventID, string(eventData), deviceID, createdAt); err != nil {
			return fmt.Errorf("failed to enqueue event %s: %w", event.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	eq.logger.Debug("Events enqueued",
		zap.Int("count", len(events)),
		zap.String("device_id", deviceID),
	)

	return nil
}

// Dequeue retrieves the oldest events from the queue without removing them
func (eq *EventQueue) Dequeue(deviceID string, limit int) ([]models.SyncEvent, []int64, error) {
	rows, err := eq.db.Query(`
		SELECT id, event_data
		FROM pending_events
		WHERE device_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query pending events: %w", err)
	}

	var events []models.SyncEvent
	var ids []int64
	var corrupted []int64

	for rows.Next() {
		var id int64
		var eventData string

		if err := rows.Scan(&id, &eventData); err != nil {
			eq.logger.Error("Failed to scan row", zap.Error(err))
			continue
		}

		var event models.SyncEvent
		if err := json.Unmarshal([]byte(eventData), &event); err != nil {
			eq.logger.Error("Failed to unmarshal event", zap.Error(err), zap.Int64("id", id))
			corrupted = append(corrupted, id)
			continue
		}

		events = append(events, event)
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("error iterating pending events: %w", err)
	}

	// The pool has a single connection, so deletes wait until rows is closed.
	if err := eq.Remove(corrupted); err != nil {
		eq.logger.Error("Failed to remove corrupted events", zap.Error(err))
	}

	return events, ids, nil
}

// Remove removes events from the queue by their IDs
func (eq *EventQueue) Remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "DELETE FROM pending_events WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := eq.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to remove events: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	eq.logger.Debug("Events removed from queue",
		zap.Int64("count", rowsAffected),
	)

	return nil
}

// IncrementRetry increments the retry count for events
func (eq *EventQueue) IncrementRetry(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE pending_events SET retry_count = retry_count + 1, last_attempt = ? WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	args = append(args, eq.now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := eq.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}

	return nil
}

// GetPendingCount returns the number of pending events for a device
func (eq *EventQueue) GetPendingCount(deviceID string) (int, error) {
	var count int
	err := eq.db.QueryRow(`
		SELECT COUNT(*) FROM pending_events WHERE device_id = ?
	`, deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}
	return count, nil
}

// CleanupOldEvents removes events older than olderThan that have used up
// their retries. It returns the number of removed events.
func (eq *EventQueue) CleanupOldEvents(olderThan time.Duration) (int64, error) {
	cutoff := eq.now().Add(-olderThan).UnixMilli()
	result, err := eq.db.Exec(`
		DELETE FROM pending_events
		WHERE created_at < ? AND retry_count > ?
	`, cutoff, MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		eq.logger.Info("Cleaned up old events",
			zap.Int64("count", rowsAffected),
		)
	}

	return rowsAffected, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
