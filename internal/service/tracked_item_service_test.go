package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Mansoor88-6/dose-tracker/internal/database"
	"Mansoor88-6/dose-tracker/internal/models"
	"Mansoor88-6/dose-tracker/internal/repository"
	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (p *capturePublisher) Publish(event models.SyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) last() models.SyncEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

var serviceNow = time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "items.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newItemService(t *testing.T) (*TrackedItemService, *capturePublisher, *ReminderStore) {
	t.Helper()
	pub := &capturePublisher{}
	reminders := NewReminderStore(10*time.Minute, time.Minute, NewLogNotifier(zap.NewNop()), nil, zap.NewNop())
	svc := NewTrackedItemService(newTestDB(t).DB, pub, reminders, nil, zap.NewNop())
	svc.now = func() time.Time { return serviceNow }
	return svc, pub, reminders
}

func createTablet(t *testing.T, svc *TrackedItemService) *tracking.TrackedItem {
	t.Helper()
	usage := decimal.NewFromInt(1)
	item, err := svc.Create(context.Background(), &models.CreateItemRequest{
		Name:              "Tablet",
		Targets:           []models.TargetRequest{{Qty: 1, Frequency: "4h"}, {Qty: 4, Frequency: "1.00:00:00"}},
		DefaultStockUsage: &usage,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return item
}

func TestCreateAndGet(t *testing.T) {
	svc, pub, reminders := newItemService(t)
	item := createTablet(t, svc)

	got, err := svc.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Tablet" || len(got.Targets) != 2 || got.Targets[1].Frequency != 24*time.Hour {
		t.Fatalf("unexpected item %+v", got)
	}

	event := pub.last()
	if event.EventType != models.EventCreated || event.ItemID != item.ID.String() {
		t.Fatalf("unexpected event %+v", event)
	}
	if _, ok := reminders.Get(item.ID); !ok {
		t.Fatal("expected a reminder for the new item")
	}

	if _, err := svc.Create(context.Background(), &models.CreateItemRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRecordOccurrence(t *testing.T) {
	svc, pub, reminders := newItemService(t)
	item := createTablet(t, svc)
	ctx := context.Background()

	if _, err := svc.RecordOccurrence(ctx, item.ID, &models.AddOccurrenceRequest{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	earlier := serviceNow.Add(-2 * time.Hour)
	updated, err := svc.RecordOccurrence(ctx, item.ID, &models.AddOccurrenceRequest{Timestamp: &earlier})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if len(updated.PastOccurrences) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(updated.PastOccurrences))
	}
	// the later dose is pushed back to 4h after the one inserted before it
	for _, o := range updated.PastOccurrences {
		if o.ActualTimestamp.Equal(serviceNow) && !o.SafetyTimestamp.Equal(earlier.Add(4*time.Hour)) {
			t.Fatalf("expected safety %v, got %v", earlier.Add(4*time.Hour), o.SafetyTimestamp)
		}
	}

	view, err := svc.View(ctx, item.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != tracking.StatusOverLimit {
		t.Fatalf("expected over limit, got %v", view.Status)
	}
	if !view.StockLevel.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("expected stock -2, got %s", view.StockLevel)
	}

	if pub.last().EventType != models.EventUpdated {
		t.Fatalf("expected update event, got %+v", pub.last())
	}
	var snapshot tracking.TrackedItem
	if err := json.Unmarshal(pub.last().Payload, &snapshot); err != nil || len(snapshot.PastOccurrences) != 2 {
		t.Fatalf("unexpected snapshot %s (%v)", pub.last().Payload, err)
	}

	r, _ := reminders.Get(item.ID)
	if !r.DueAt.Equal(*view.NextOccurrence) {
		t.Fatalf("reminder due %v, next occurrence %v", r.DueAt, *view.NextOccurrence)
	}

	if _, err := svc.RecordOccurrence(ctx, uuid.New(), &models.AddOccurrenceRequest{}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordOccurrenceArchives(t *testing.T) {
	svc, _, _ := newItemService(t)
	ctx := context.Background()
	item, err := svc.Create(ctx, &models.CreateItemRequest{Name: "Water"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := serviceNow.Add(-300 * time.Hour)
	for i := range tracking.ArchiveThreshold + 1 {
		ts := start.Add(time.Duration(i) * time.Hour)
		if _, err := svc.RecordOccurrence(ctx, item.ID, &models.AddOccurrenceRequest{Timestamp: &ts}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, _ := svc.Get(ctx, item.ID)
	if len(got.PastOccurrences) != tracking.ArchiveThreshold+1-tracking.ArchiveBatchSize {
		t.Fatalf("expected %d live occurrences, got %d", tracking.ArchiveThreshold+1-tracking.ArchiveBatchSize, len(got.PastOccurrences))
	}

	archives, err := svc.Archives(ctx, item.ID)
	if err != nil {
		t.Fatalf("archives: %v", err)
	}
	if len(archives) != 1 || archives[0].ArchiveNumber != 1 || len(archives[0].ArchivedOccurrences) != tracking.ArchiveBatchSize {
		t.Fatalf("unexpected archives %+v", archives)
	}
	if !archives[0].ArchivedOccurrences[0].ActualTimestamp.Equal(start) {
		t.Fatalf("expected oldest occurrence archived first")
	}
}

func TestListSortsByUrgency(t *testing.T) {
	svc, _, _ := newItemService(t)
	ctx := context.Background()

	idle, _ := svc.Create(ctx, &models.CreateItemRequest{Name: "A idle", Targets: []models.TargetRequest{{Qty: 1, Frequency: "4h"}}})
	recent, _ := svc.Create(ctx, &models.CreateItemRequest{Name: "B recent", Targets: []models.TargetRequest{{Qty: 1, Frequency: "4h"}}})
	ts := serviceNow.Add(-time.Hour)
	if _, err := svc.RecordOccurrence(ctx, recent.ID, &models.AddOccurrenceRequest{Timestamp: &ts}); err != nil {
		t.Fatalf("record: %v", err)
	}

	items, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != recent.ID || items[1].ID != idle.ID {
		t.Fatalf("expected item with occurrences first, got %s, %s", items[0].Name, items[1].Name)
	}
}

func TestScheduleAndStock(t *testing.T) {
	svc, _, _ := newItemService(t)
	ctx := context.Background()
	item := createTablet(t, svc)

	schedule, err := svc.Schedule(ctx, item.ID, 5, false)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(schedule.Occurrences) != 5 || !schedule.Occurrences[0].Equal(serviceNow) {
		t.Fatalf("unexpected schedule %+v", schedule)
	}
	empty, err := svc.Schedule(ctx, item.ID, 0, false)
	if err != nil {
		t.Fatalf("schedule zero: %v", err)
	}
	if data, _ := json.Marshal(empty.Occurrences); string(data) != "[]" {
		t.Fatalf("expected empty projection to encode as [], got %s", data)
	}
	if _, err := svc.Schedule(ctx, item.ID, MaxScheduleCount+1, false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	updated, err := svc.AddStock(ctx, item.ID, &models.AddStockRequest{Quantity: decimal.NewFromInt(28), Note: "box"})
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	if !updated.CurrentStockLevel().Equal(decimal.NewFromInt(28)) {
		t.Fatalf("expected 28 in stock, got %s", updated.CurrentStockLevel())
	}
	if _, err := svc.AddStock(ctx, item.ID, &models.AddStockRequest{Quantity: decimal.Zero}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc, pub, reminders := newItemService(t)
	ctx := context.Background()
	item := createTablet(t, svc)

	if err := svc.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, item.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := reminders.Get(item.ID); ok {
		t.Fatal("reminder survived delete")
	}
	if e := pub.last(); e.EventType != models.EventDeleted || e.Payload != nil {
		t.Fatalf("unexpected delete event %+v", e)
	}
	if err := svc.Delete(ctx, item.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func snapshotEvent(t *testing.T, typ models.EventType, item *tracking.TrackedItem, at time.Time) models.SyncEvent {
	t.Helper()
	event, err := models.NewSyncEvent(typ, item.ID, at, item)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	return event
}

func TestApplySyncEventMergesOccurrences(t *testing.T) {
	svc, pub, _ := newItemService(t)
	ctx := context.Background()
	local := createTablet(t, svc)

	localDose := serviceNow.Add(-time.Hour)
	if _, err := svc.RecordOccurrence(ctx, local.ID, &models.AddOccurrenceRequest{Timestamp: &localDose}); err != nil {
		t.Fatalf("record: %v", err)
	}
	published := len(pub.events)

	remote := tracking.NewTrackedItem("Tablet (renamed)", local.Targets...)
	remote.ID = local.ID
	remoteDose := serviceNow.Add(-3 * time.Hour)
	remote.AddOccurrence(remoteDose)

	if err := svc.ApplySyncEvent(ctx, snapshotEvent(t, models.EventUpdated, remote, serviceNow.Add(time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := svc.Get(ctx, local.ID)
	if got.Name != "Tablet (renamed)" {
		t.Fatalf("expected newer remote name, got %q", got.Name)
	}
	if len(got.PastOccurrences) != 2 {
		t.Fatalf("expected union of occurrences, got %d", len(got.PastOccurrences))
	}
	for _, o := range got.PastOccurrences {
		if o.ActualTimestamp.Equal(localDose) && !o.SafetyTimestamp.Equal(remoteDose.Add(4*time.Hour)) {
			t.Fatalf("safety not rebuilt: %v", o.SafetyTimestamp)
		}
	}
	if len(pub.events) != published {
		t.Fatal("applying a remote change must not publish")
	}

	// an older snapshot keeps local metadata but still contributes occurrences
	stale := remote.Clone()
	stale.Name = "Old name"
	stale.PastOccurrences = nil
	stale.AddOccurrence(serviceNow.Add(-10 * time.Hour))
	if err := svc.ApplySyncEvent(ctx, snapshotEvent(t, models.EventUpdated, stale, serviceNow.Add(-time.Hour))); err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	got, _ = svc.Get(ctx, local.ID)
	if got.Name != "Tablet (renamed)" || len(got.PastOccurrences) != 3 {
		t.Fatalf("unexpected merge result %q with %d occurrences", got.Name, len(got.PastOccurrences))
	}
}

func TestApplySyncEventOrderIndependent(t *testing.T) {
	base := tracking.NewTrackedItem("Tablet", tracking.Target{Qty: 1, Frequency: 4 * time.Hour})
	first := base.Clone()
	first.AddOccurrence(serviceNow.Add(-2 * time.Hour))
	second := base.Clone()
	second.AddOccurrence(serviceNow.Add(-3 * time.Hour))

	events := []models.SyncEvent{
		snapshotEvent(t, models.EventCreated, first, serviceNow.Add(-2*time.Hour)),
		snapshotEvent(t, models.EventUpdated, second, serviceNow.Add(-time.Hour)),
	}

	results := make([]map[int64]time.Time, 2)
	for run, order := range [][]int{{0, 1}, {1, 0}} {
		svc, _, _ := newItemService(t)
		for _, i := range order {
			if err := svc.ApplySyncEvent(context.Background(), events[i]); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		item, err := svc.Get(context.Background(), base.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		results[run] = map[int64]time.Time{}
		for _, o := range item.PastOccurrences {
			results[run][o.ActualTimestamp.UnixNano()] = o.SafetyTimestamp
		}
	}

	if len(results[0]) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(results[0]))
	}
	for k, v := range results[0] {
		if !results[1][k].Equal(v) {
			t.Fatalf("safety timestamps depend on order: %v vs %v", v, results[1][k])
		}
	}
}

func TestApplySyncEventSkipsArchivedOccurrences(t *testing.T) {
	svc, _, _ := newItemService(t)
	ctx := context.Background()
	item, err := svc.Create(ctx, &models.CreateItemRequest{Name: "Water"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := serviceNow.Add(-300 * time.Hour)
	record := func(i int) {
		ts := start.Add(time.Duration(i) * time.Hour)
		if _, err := svc.RecordOccurrence(ctx, item.ID, &models.AddOccurrenceRequest{Timestamp: &ts}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	for i := range tracking.ArchiveThreshold {
		record(i)
	}
	beforeArchive, err := svc.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	record(tracking.ArchiveThreshold)

	// the device pulls back its own snapshot from before archiving
	if err := svc.ApplySyncEvent(ctx, snapshotEvent(t, models.EventUpdated, beforeArchive, serviceNow)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	archives, err := svc.Archives(ctx, item.ID)
	if err != nil {
		t.Fatalf("archives: %v", err)
	}
	got, _ := svc.Get(ctx, item.ID)
	if len(archives) != 1 || len(got.PastOccurrences) != tracking.ArchiveThreshold+1-tracking.ArchiveBatchSize {
		t.Fatalf("expected 1 archive and %d live, got %d archives and %d live",
			tracking.ArchiveThreshold+1-tracking.ArchiveBatchSize, len(archives), len(got.PastOccurrences))
	}

	seen := map[int64]int{}
	for _, o := range got.PastOccurrences {
		seen[o.ActualTimestamp.UnixNano()]++
	}
	for _, a := range archives {
		for _, o := range a.ArchivedOccurrences {
			seen[o.ActualTimestamp.UnixNano()]++
		}
	}
	if len(seen) != tracking.ArchiveThreshold+1 {
		t.Fatalf("expected %d distinct occurrences, got %d", tracking.ArchiveThreshold+1, len(seen))
	}
	for ts, n := range seen {
		if n != 1 {
			t.Fatalf("occurrence %v stored %d times", time.Unix(0, ts).UTC(), n)
		}
	}
}

func TestApplySyncEventDeleteOrderIndependent(t *testing.T) {
	item := tracking.NewTrackedItem("Tablet", tracking.Target{Qty: 1, Frequency: 4 * time.Hour})
	item.AddOccurrence(serviceNow.Add(-3 * time.Hour))
	deleted := func(at time.Time) models.SyncEvent {
		event, err := models.NewSyncEvent(models.EventDeleted, item.ID, at, nil)
		if err != nil {
			t.Fatalf("event: %v", err)
		}
		return event
	}

	tests := []struct {
		name    string
		events  [2]models.SyncEvent
		present bool
	}{
		{
			name:    "delete newer than create",
			events:  [2]models.SyncEvent{snapshotEvent(t, models.EventCreated, item, serviceNow.Add(-2*time.Second)), deleted(serviceNow.Add(-time.Second))},
			present: false,
		},
		{
			name:    "create newer than delete",
			events:  [2]models.SyncEvent{deleted(serviceNow.Add(-time.Second)), snapshotEvent(t, models.EventCreated, item, serviceNow)},
			present: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][2]int{{0, 1}, {1, 0}} {
				svc, _, _ := newItemService(t)
				ctx := context.Background()
				for _, i := range order {
					if err := svc.ApplySyncEvent(ctx, tt.events[i]); err != nil {
						t.Fatalf("apply: %v", err)
					}
				}

				_, err := svc.Get(ctx, item.ID)
				switch {
				case tt.present && err != nil:
					t.Fatalf("order %v: expected item present, got %v", order, err)
				case !tt.present && !errors.Is(err, repository.ErrNotFound):
					t.Fatalf("order %v: expected item gone, got %v", order, err)
				}
			}
		})
	}
}

func TestApplySyncEventAfterLocalDelete(t *testing.T) {
	svc, pub, _ := newItemService(t)
	ctx := context.Background()
	item := createTablet(t, svc)
	created := pub.last()

	if err := svc.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// pulling the device's own earlier event must not bring the item back
	if err := svc.ApplySyncEvent(ctx, created); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := svc.Get(ctx, item.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected item to stay deleted, got %v", err)
	}
}

func TestApplySyncEventDeleteAndInvalid(t *testing.T) {
	svc, _, reminders := newItemService(t)
	ctx := context.Background()
	item := createTablet(t, svc)

	del, _ := models.NewSyncEvent(models.EventDeleted, item.ID, serviceNow, nil)
	if err := svc.ApplySyncEvent(ctx, del); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, err := svc.Get(ctx, item.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected item gone, got %v", err)
	}
	if _, ok := reminders.Get(item.ID); ok {
		t.Fatal("reminder survived remote delete")
	}
	// deleting twice is harmless
	if err := svc.ApplySyncEvent(ctx, del); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	other := tracking.NewTrackedItem("Other")
	mismatched := snapshotEvent(t, models.EventUpdated, other, serviceNow)
	mismatched.ItemID = item.ID.String()
	if err := svc.ApplySyncEvent(ctx, mismatched); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
