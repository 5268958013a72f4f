package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"Mansoor88-6/dose-tracker/internal/metrics"
	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reminder is a pending notification for an item's next allowed occurrence
type Reminder struct {
	ItemID   uuid.UUID `json:"item_id"`
	ItemName string    `json:"item_name"`
	DueAt    time.Time `json:"due_at"`
	NotifyAt time.Time `json:"notify_at"`
}

// Notifier delivers due reminders
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// LogNotifier writes reminders to the log
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, r Reminder) error {
	n.logger.Info("Reminder due",
		zap.String("item_id", r.ItemID.String()),
		zap.String("item", r.ItemName),
		zap.Time("due_at", r.DueAt),
	)
	return nil
}

// ReminderStore keeps at most one pending reminder per item and hands
// them to a Notifier once they are due.
type ReminderStore struct {
	mu        sync.RWMutex
	reminders map[uuid.UUID]Reminder

	lead     time.Duration
	interval time.Duration
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReminderStore creates a store. Call Start to begin delivering.
func NewReminderStore(lead, checkInterval time.Duration, notifier Notifier, m *metrics.Metrics, logger *zap.Logger) *ReminderStore {
	return &ReminderStore{
		reminders: make(map[uuid.UUID]Reminder),
		lead:      lead,
		interval:  checkInterval,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Schedule replaces the item's reminder. The reminder fires lead after the
// next allowed occurrence, or lead from now when that moment has already
// passed. Items without eligible targets have their reminder removed.
func (s *ReminderStore) Schedule(item *tracking.TrackedItem, now time.Time) {
	next, ok := item.NextOccurrence(now)
	if !ok {
		s.Cancel(item.ID)
		return
	}

	notifyAt := next.Add(s.lead)
	if !notifyAt.After(now) {
		notifyAt = now.Add(s.lead)
	}

	s.mu.Lock()
	s.reminders[item.ID] = Reminder{
		ItemID:   item.ID,
		ItemName: item.Name,
		DueAt:    next,
		NotifyAt: notifyAt,
	}
	pending := len(s.reminders)
	s.mu.Unlock()

	s.metrics.SetRemindersPending(pending)
	s.logger.Debug("Reminder scheduled",
		zap.String("item_id", item.ID.String()),
		zap.Time("notify_at", notifyAt),
	)
}

// Cancel removes the item's reminder, if any
func (s *ReminderStore) Cancel(itemID uuid.UUID) {
	s.mu.Lock()
	delete(s.reminders, itemID)
	pending := len(s.reminders)
	s.mu.Unlock()

	s.metrics.SetRemindersPending(pending)
}

// Get returns the item's pending reminder
func (s *ReminderStore) Get(itemID uuid.UUID) (Reminder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[itemID]
	return r, ok
}

// Pending returns all pending reminders, soonest first
func (s *ReminderStore) Pending() []Reminder {
	s.mu.RLock()
	out := make([]Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Reminder) int {
		return a.NotifyAt.Compare(b.NotifyAt)
	})
	return out
}

// Start begins the delivery loop
func (s *ReminderStore) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.checkLoop(ctx)
	s.logger.Info("Reminder store started",
		zap.Duration("lead", s.lead),
		zap.Duration("check_interval", s.interval),
	)
}

// Stop ends the delivery loop
func (s *ReminderStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Reminder store stopped")
	})
}

func (s *ReminderStore) checkLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deliverDue(ctx, s.now())
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		}
	}
}

// deliverDue notifies and removes every reminder due at now. Reminders
// whose delivery fails stay pending and are retried on the next check.
func (s *ReminderStore) deliverDue(ctx context.Context, now time.Time) int {
	s.mu.RLock()
	var due []Reminder
	for _, r := range s.reminders {
		if !r.NotifyAt.After(now) {
			due = append(due, r)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, r := range due {
		if err := s.notifier.Notify(ctx, r); err != nil {
			s.logger.Warn("Failed to deliver reminder",
				zap.String("item_id", r.ItemID.String()),
				zap.Error(err),
			)
			continue
		}

		s.mu.Lock()
		// a reschedule while notifying wins over the delivered reminder
		if current, ok := s.reminders[r.ItemID]; ok && current.NotifyAt.Equal(r.NotifyAt) {
			delete(s.reminders, r.ItemID)
		}
		s.mu.Unlock()

		s.metrics.ReminderFired()
		delivered++
	}

	if delivered > 0 {
		s.mu.RLock()
		pending := len(s.reminders)
		s.mu.RUnlock()
		s.metrics.SetRemindersPending(pending)
	}
	return delivered
}
