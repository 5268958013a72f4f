package queue

import (
	"path/filepath"
	"testing"
	"time"

	"Mansoor88-6/dose-tracker/internal/database"
	"Mansoor88-6/dose-tracker/internal/models"

	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*EventQueue, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventQueue(db.DB, zap.NewNop()), db
}

func event(id string) models.SyncEvent {
	return models.SyncEvent{EventID: id, EventType: models.EventDeleted, ItemID: "item", Timestamp: 1}
}

func TestEnqueueDequeueRemove(t *testing.T) {
	q, _ := newTestQueue(t)

	if err := q.Enqueue("dev", []models.SyncEvent{event("a"), event("b"), event("c")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue("other", []models.SyncEvent{event("x")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	count, err := q.GetPendingCount("dev")
	if err != nil || count != 3 {
		t.Fatalf("expected 3 pending, got %d (%v)", count, err)
	}

	events, ids, err := q.Dequeue("dev", 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "a" || events[1].EventID != "b" {
		t.Fatalf("unexpected events %+v", events)
	}

	if err := q.Remove(ids); err != nil {
		t.Fatalf("remove: %v", err)
	}
	events, _, err = q.Dequeue("dev", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "c" {
		t.Fatalf("expected only c to remain, got %+v", events)
	}
}

func TestDequeueDropsCorruptedEvents(t *testing.T) {
	q, db := newTestQueue(t)

	if _, err := db.Exec(`INSERT INTO pending_events (event_id, event_data, device_id, created_at) VALUES ('bad', '{not json', 'dev', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := q.Enqueue("dev", []models.SyncEvent{event("good")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	events, _, err := q.Dequeue("dev", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "good" {
		t.Fatalf("unexpected events %+v", events)
	}

	count, _ := q.GetPendingCount("dev")
	if count != 1 {
		t.Fatalf("expected corrupted event to be removed, %d pending", count)
	}
}

func TestCleanupOldEvents(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return start }
	if err := q.Enqueue("dev", []models.SyncEvent{event("old-retried"), event("old-fresh")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, ids, err := q.Dequeue("dev", 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for range MaxRetries + 1 {
		if err := q.IncrementRetry(ids); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	q.now = func() time.Time { return start.Add(8 * 24 * time.Hour) }
	if err := q.Enqueue("dev", []models.SyncEvent{event("new")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed, err := q.CleanupOldEvents(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	events, _, _ := q.Dequeue("dev", 10)
	if len(events) != 2 || events[0].EventID != "old-fresh" || events[1].EventID != "new" {
		t.Fatalf("unexpected remaining events %+v", events)
	}
}
