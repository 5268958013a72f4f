package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"Mansoor88-6/dose-tracker/internal/metrics"
	"Mansoor88-6/dose-tracker/internal/models"
	"Mansoor88-6/dose-tracker/internal/repository"
	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxScheduleCount bounds projections requested through the service
const MaxScheduleCount = 100

var ErrInvalidInput = errors.New("invalid input")

// EventPublisher receives the sync events produced by item mutations
type EventPublisher interface {
	Publish(event models.SyncEvent)
}

// ReminderScheduler is told about every item change
type ReminderScheduler interface {
	Schedule(item *tracking.TrackedItem, now time.Time)
	Cancel(itemID uuid.UUID)
}

type TrackedItemService struct {
	db        *sql.DB
	items     *repository.TrackedItemRepository
	archives  *repository.ArchiveRepository
	publisher EventPublisher
	reminders ReminderScheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// serialises read-modify-write cycles on items
	mu sync.Mutex
}

// NewTrackedItemService creates the service. publisher, reminders and m
// may be nil.
func NewTrackedItemService(db *sql.DB, publisher EventPublisher, reminders ReminderScheduler, m *metrics.Metrics, logger *zap.Logger) *TrackedItemService {
	return &TrackedItemService{
		db:        db,
		items:     repository.NewTrackedItemRepository(db),
		archives:  repository.NewArchiveRepository(db),
		publisher: publisher,
		reminders: reminders,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// SetPublisher attaches the sync publisher after construction
func (s *TrackedItemService) SetPublisher(p EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

func (s *TrackedItemService) Create(ctx context.Context, req *models.CreateItemRequest) (*tracking.TrackedItem, error) {
	targets, err := req.ToTargets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	item := tracking.NewTrackedItem(req.Name, targets...)
	item.Category = req.Category
	item.Favourite = req.Favourite
	if req.DefaultStockUsage != nil {
		item.DefaultStockUsage = decimal.NewNullDecimal(*req.DefaultStockUsage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.items.Save(ctx, item, now); err != nil {
		return nil, err
	}

	s.logger.Info("Tracked item created",
		zap.String("item_id", item.ID.String()),
		zap.String("name", item.Name),
		zap.Int("targets", len(item.Targets)),
	)
	s.afterChange(models.EventCreated, item, now)
	return item, nil
}

func (s *TrackedItemService) Get(ctx context.Context, id uuid.UUID) (*tracking.TrackedItem, error) {
	rec, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Item, nil
}

// List returns every item, most urgent first
func (s *TrackedItemService) List(ctx context.Context) ([]*tracking.TrackedItem, error) {
	records, err := s.items.List(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*tracking.TrackedItem, len(records))
	for i, rec := range records {
		items[i] = rec.Item
	}
	tracking.SortByUrgency(items, s.now())
	return items, nil
}

// Delete removes the item, its archives and its reminder
func (s *TrackedItemService) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	err := s.withTx(ctx, func(items *repository.TrackedItemRepository, archives *repository.ArchiveRepository) error {
		if err := items.Delete(ctx, id); err != nil {
			return err
		}
		if err := items.MarkDeleted(ctx, id, now); err != nil {
			return err
		}
		return archives.DeleteByItem(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Tracked item deleted", zap.String("item_id", id.String()))
	if s.reminders != nil {
		s.reminders.Cancel(id)
	}
	s.publish(models.EventDeleted, id, now, nil)
	return nil
}

// RecordOccurrence adds an occurrence at ts, or now when ts is nil, and
// archives the oldest occurrences once the item grows past the threshold.
func (s *TrackedItemService) RecordOccurrence(ctx context.Context, id uuid.UUID, req *models.AddOccurrenceRequest) (*tracking.TrackedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ts := now
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	var item *tracking.TrackedItem
	var archive *tracking.Archive
	err := s.withTx(ctx, func(items *repository.TrackedItemRepository, archives *repository.ArchiveRepository) error {
		rec, err := items.GetByID(ctx, id)
		if err != nil {
			return err
		}
		item = rec.Item

		stock := item.DefaultStockUsage
		if req.StockUsed != nil {
			stock = decimal.NewNullDecimal(*req.StockUsed)
		}
		item.AddOccurrenceWithStock(ts, stock)

		if archive = item.CheckForArchiving(now); archive != nil {
			if err := archives.Save(ctx, archive); err != nil {
				return err
			}
		}
		return items.Save(ctx, item, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.OccurrenceRecorded()
	if archive != nil {
		s.metrics.ArchivesCreated(1)
		s.logger.Info("Occurrences archived",
			zap.String("item_id", id.String()),
			zap.Int("archive_number", archive.ArchiveNumber),
			zap.Int("count", len(archive.ArchivedOccurrences)),
		)
	}
	s.logger.Debug("Occurrence recorded",
		zap.String("item_id", id.String()),
		zap.Time("timestamp", ts),
	)

	s.afterChange(models.EventUpdated, item, now)
	return item, nil
}

func (s *TrackedItemService) AddStock(ctx context.Context, id uuid.UUID, req *models.AddStockRequest) (*tracking.TrackedItem, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	acquired := now
	if req.DateAcquired != nil {
		acquired = *req.DateAcquired
	}

	rec, err := s.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	item := rec.Item
	item.AddStock(acquired, req.Quantity, req.Note)

	if err := s.items.Save(ctx, item, now); err != nil {
		return nil, err
	}

	s.afterChange(models.EventUpdated, item, now)
	return item, nil
}

// View returns the item with its current status, next allowed occurrence
// and stock level.
func (s *TrackedItemService) View(ctx context.Context, id uuid.UUID) (*models.ItemView, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewItemView(item, s.now()), nil
}

// NewItemView computes the scheduling state of item at now
func NewItemView(item *tracking.TrackedItem, now time.Time) *models.ItemView {
	view := &models.ItemView{
		Item:       item,
		Status:     item.Status(now),
		StockLevel: item.CurrentStockLevel(),
	}
	if next, ok := item.NextOccurrence(now); ok {
		view.NextOccurrence = &next
	}
	return view
}

// Schedule projects the next count allowed occurrences
func (s *TrackedItemService) Schedule(ctx context.Context, id uuid.UUID, count int, spaced bool) (*models.ScheduleResponse, error) {
	if count < 0 || count > MaxScheduleCount {
		return nil, fmt.Errorf("%w: count must be between 0 and %d", ErrInvalidInput, MaxScheduleCount)
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	seq := item.FutureOccurrences(now, count)
	if spaced {
		seq = item.FutureSpacedOccurrences(now, count)
	}

	return &models.ScheduleResponse{
		ItemID:      id.String(),
		Spaced:      spaced,
		// never nil, so an empty projection encodes as []
		Occurrences: slices.AppendSeq(make([]time.Time, 0, count), seq),
	}, nil
}

func (s *TrackedItemService) Archives(ctx context.Context, id uuid.UUID) ([]*tracking.Archive, error) {
	if _, err := s.items.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.archives.ListByItem(ctx, id)
}

// ApplySyncEvent applies a change made on another device. Metadata and
// targets follow the newer write; occurrences are merged and their safety
// timestamps derived again, so the order events arrive in does not matter.
// A delete leaves a tombstone: changes not newer than it are ignored, and
// a delete older than the stored item leaves the item in place.
func (s *TrackedItemService) ApplySyncEvent(ctx context.Context, event models.SyncEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	id, err := uuid.Parse(event.ItemID)
	if err != nil {
		return fmt.Errorf("%w: item id: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.EventType == models.EventDeleted {
		return s.applyRemoteDelete(ctx, id, event.Time())
	}

	var remote tracking.TrackedItem
	if err := json.Unmarshal(event.Payload, &remote); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
	}
	if remote.ID != id {
		return fmt.Errorf("%w: payload id %s does not match item %s", ErrInvalidInput, remote.ID, id)
	}
	if err := remote.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := s.now()
	eventAt := event.Time()
	var merged *tracking.TrackedItem
	err = s.withTx(ctx, func(items *repository.TrackedItemRepository, archives *repository.ArchiveRepository) error {
		deletedAt, deleted, err := items.DeletedAt(ctx, id)
		if err != nil {
			return err
		}
		if deleted && !eventAt.After(deletedAt) {
			return nil
		}

		stored, err := archives.ListByItem(ctx, id)
		if err != nil {
			return err
		}
		remote.PastOccurrences = tracking.WithoutArchived(remote.PastOccurrences, stored)

		updatedAt := eventAt
		rec, err := items.GetByID(ctx, id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			merged = tracking.Replay(&remote, remote.PastOccurrences)
		case err != nil:
			return err
		default:
			merged = mergeItems(rec, &remote, eventAt)
			if rec.UpdatedAt.After(updatedAt) {
				updatedAt = rec.UpdatedAt
			}
		}

		if archive := merged.CheckForArchiving(now); archive != nil {
			if err := archives.Save(ctx, archive); err != nil {
				return err
			}
			s.metrics.ArchivesCreated(1)
		}

		return items.Save(ctx, merged, updatedAt)
	})
	if err != nil {
		return err
	}

	if merged == nil {
		s.logger.Debug("Ignored remote change older than delete",
			zap.String("item_id", id.String()),
			zap.Time("event_time", eventAt),
		)
		return nil
	}

	if s.reminders != nil {
		s.reminders.Schedule(merged, now)
	}
	s.logger.Info("Applied remote change",
		zap.String("item_id", id.String()),
		zap.String("event_type", string(event.EventType)),
		zap.Int("occurrences", len(merged.PastOccurrences)),
	)
	return nil
}

func (s *TrackedItemService) applyRemoteDelete(ctx context.Context, id uuid.UUID, deletedAt time.Time) error {
	removed := false
	err := s.withTx(ctx, func(items *repository.TrackedItemRepository, archives *repository.ArchiveRepository) error {
		if err := items.MarkDeleted(ctx, id, deletedAt); err != nil {
			return err
		}

		rec, err := items.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.UpdatedAt.After(deletedAt) {
			return nil
		}

		if err := items.Delete(ctx, id); err != nil {
			return err
		}
		removed = true
		return archives.DeleteByItem(ctx, id)
	})
	if err != nil {
		return err
	}

	if !removed {
		s.logger.Debug("Remote delete left item in place", zap.String("item_id", id.String()))
		return nil
	}
	if s.reminders != nil {
		s.reminders.Cancel(id)
	}
	s.logger.Info("Applied remote delete", zap.String("item_id", id.String()))
	return nil
}

// mergeItems combines the stored item with a remote snapshot taken at
// remoteAt. The newer side supplies metadata, targets and stock records;
// occurrences are always the union of both.
func mergeItems(local *repository.ItemRecord, remote *tracking.TrackedItem, remoteAt time.Time) *tracking.TrackedItem {
	base := local.Item
	if remoteAt.After(local.UpdatedAt) {
		base = remote
	}
	occurrences := tracking.MergeOccurrences(local.Item.PastOccurrences, remote.PastOccurrences)
	return tracking.Replay(base, occurrences)
}

// afterChange publishes the item snapshot and reschedules its reminder.
// Callers hold s.mu.
func (s *TrackedItemService) afterChange(eventType models.EventType, item *tracking.TrackedItem, now time.Time) {
	if s.reminders != nil {
		s.reminders.Schedule(item, now)
	}
	s.publish(eventType, item.ID, now, item)
}

func (s *TrackedItemService) publish(eventType models.EventType, id uuid.UUID, now time.Time, item *tracking.TrackedItem) {
	if s.publisher == nil {
		return
	}

	var payload any
	if item != nil {
		payload = item
	}
	event, err := models.NewSyncEvent(eventType, id, now, payload)
	if err != nil {
		s.logger.Error("Failed to build sync event",
			zap.String("item_id", id.String()),
			zap.Error(err),
		)
		return
	}
	s.publisher.Publish(event)
}

func (s *TrackedItemService) withTx(ctx context.Context, fn func(*repository.TrackedItemRepository, *repository.ArchiveRepository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(repository.NewTrackedItemRepository(tx), repository.NewArchiveRepository(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
