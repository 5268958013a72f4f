package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Mansoor88-6/dose-tracker/internal/client"
	"Mansoor88-6/dose-tracker/internal/collector"
	"Mansoor88-6/dose-tracker/internal/config"
	"Mansoor88-6/dose-tracker/internal/metrics"
	"Mansoor88-6/dose-tracker/internal/models"
	"Mansoor88-6/dose-tracker/internal/queue"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	queueBatchSize = 100
	pushTimeout    = 30 * time.Second
)

// Pusher delivers events to the sync server
type Pusher interface {
	PushEvent(ctx context.Context, event models.SyncEvent) (models.StoreResult, error)
	FetchEvents(ctx context.Context, since int64) ([]models.StoredEvent, error)
}

// EventApplier applies events pulled from the sync server
type EventApplier interface {
	ApplySyncEvent(ctx context.Context, event models.SyncEvent) error
}

// SyncRecorder records successful contact with the sync server
type SyncRecorder interface {
	TouchLastSync(ctx context.Context, deviceID string, at time.Time) error
}

// SyncService ships item changes to the sync server. Events are batched by
// the collector, pushed one by one, and parked in the durable queue when
// the server cannot be reached.
type SyncService struct {
	collector *collector.EventCollector
	client    Pusher
	queue     *queue.EventQueue
	applier   EventApplier
	recorder  SyncRecorder
	deviceID  string
	cfg       config.SyncConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cron      *cron.Cron
	now       func() time.Time

	mu      sync.RWMutex
	stopped bool
	cursor  int64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSyncService creates a new sync service. applier and recorder may be nil.
func NewSyncService(
	eventCollector *collector.EventCollector,
	pusher Pusher,
	eventQueue *queue.EventQueue,
	applier EventApplier,
	recorder SyncRecorder,
	deviceID string,
	cfg config.SyncConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		collector: eventCollector,
		client:    pusher,
		queue:     eventQueue,
		applier:   applier,
		recorder:  recorder,
		deviceID:  deviceID,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		cron:      cron.New(),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start begins batching, queue draining and scheduled cleanup
func (ss *SyncService) Start() error {
	ss.logger.Info("Starting sync service", zap.String("device_id", ss.deviceID))

	if ss.cfg.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(ss.cfg.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", ss.cfg.CleanupSchedule, err)
		}
		if _, err := ss.cron.AddFunc(ss.cfg.CleanupSchedule, ss.cleanup); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
		ss.cron.Start()
	}

	ss.collector.Start(ss.onBatchReady)

	if ss.cfg.QueueInterval > 0 {
		ss.wg.Add(1)
		go ss.queueProcessor()
	}

	ss.logger.Info("Sync service started",
		zap.Duration("queue_interval", ss.cfg.QueueInterval),
		zap.String("cleanup_schedule", ss.cfg.CleanupSchedule),
	)
	return nil
}

// Stop flushes buffered events and stops background work
func (ss *SyncService) Stop() {
	ss.mu.Lock()
	if ss.stopped {
		ss.mu.Unlock()
		return
	}
	ss.stopped = true
	close(ss.stopChan)
	ss.mu.Unlock()

	ss.logger.Info("Stopping sync service")

	// flushes the last batch through onBatchReady
	ss.collector.Stop()

	done := make(chan struct{})
	go func() {
		ss.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		ss.logger.Warn("Queue processor did not stop within timeout")
	}

	<-ss.cron.Stop().Done()
	ss.logger.Info("Sync service stopped")
}

// Publish hands an event to the collector
func (ss *SyncService) Publish(event models.SyncEvent) {
	ss.mu.RLock()
	stopped := ss.stopped
	ss.mu.RUnlock()

	if stopped {
		// still durable: the next run drains it
		if err := ss.queue.Enqueue(ss.deviceID, []models.SyncEvent{event}); err != nil {
			ss.logger.Error("Failed to queue event after stop", zap.Error(err))
		}
		return
	}
	ss.collector.AddEvent(event)
}

func (ss *SyncService) onBatchReady(events []models.SyncEvent) {
	if len(events) == 0 {
		return
	}

	ss.logger.Debug("Batch ready to send", zap.Int("event_count", len(events)))

	var failed []models.SyncEvent
	for i, event := range events {
		err := ss.push(event)
		if err == nil || client.IsPermanent(err) {
			continue
		}
		failed = append(failed, event)

		var authErr *client.AuthError
		if errors.As(err, &authErr) {
			// the server will reject the rest of the batch as well
			failed = append(failed, events[i+1:]...)
			break
		}
	}

	if len(failed) > 0 {
		ss.logger.Warn("Failed to push events, queuing locally", zap.Int("event_count", len(failed)))
		if err := ss.queue.Enqueue(ss.deviceID, failed); err != nil {
			ss.logger.Error("Failed to queue events", zap.Error(err))
		}
		for range failed {
			ss.metrics.EventPushed("queued", 0)
		}
	}
	ss.refreshQueueDepth()
}

// push sends one event and records the outcome
func (ss *SyncService) push(event models.SyncEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	start := time.Now()
	result, err := ss.client.PushEvent(ctx, event)
	elapsed := time.Since(start)

	switch {
	case err == nil && result.Stored:
		ss.metrics.EventPushed("stored", elapsed)
	case err == nil:
		ss.metrics.EventPushed("duplicate", elapsed)
	case client.IsPermanent(err):
		ss.metrics.EventPushed("rejected", elapsed)
		ss.logger.Error("Sync server rejected event, dropping it",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	default:
		ss.metrics.EventPushed("failed", elapsed)
	}
	return err
}

func (ss *SyncService) queueProcessor() {
	defer ss.wg.Done()

	ticker := time.NewTicker(ss.cfg.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ss.cfg.QueueInterval)
			ss.processQueue(ctx)
			ss.Pull(ctx)
			cancel()
		case <-ss.stopChan:
			return
		}
	}
}

// processQueue retries one batch of queued events. It returns the number
// of events delivered.
func (ss *SyncService) processQueue(ctx context.Context) int {
	pendingCount, err := ss.queue.GetPendingCount(ss.deviceID)
	if err != nil {
		ss.logger.Error("Failed to get pending count", zap.Error(err))
		return 0
	}
	if pendingCount == 0 {
		return 0
	}

	ss.logger.Debug("Processing queued events", zap.Int("pending_count", pendingCount))

	events, ids, err := ss.queue.Dequeue(ss.deviceID, queueBatchSize)
	if err != nil {
		ss.logger.Error("Failed to dequeue events", zap.Error(err))
		return 0
	}

	var done, retry []int64
	for i, event := range events {
		if ctx.Err() != nil {
			retry = append(retry, ids[i:]...)
			break
		}
		err := ss.push(event)
		if err == nil || client.IsPermanent(err) {
			done = append(done, ids[i])
			continue
		}
		retry = append(retry, ids[i])
	}

	if err := ss.queue.IncrementRetry(retry); err != nil {
		ss.logger.Error("Failed to increment retry count", zap.Error(err))
	}
	if err := ss.queue.Remove(done); err != nil {
		ss.logger.Error("Failed to remove sent events from queue", zap.Error(err))
	}

	delivered := len(done)
	if delivered > 0 {
		ss.logger.Info("Sent queued events",
			zap.Int("event_count", delivered),
			zap.Int("remaining", pendingCount-delivered),
		)
		ss.touchLastSync(ctx)
	}
	ss.refreshQueueDepth()
	return delivered
}

// Pull applies events stored on the sync server since the last pull.
// Applying an event twice has no further effect, so the cursor only lives
// in memory.
func (ss *SyncService) Pull(ctx context.Context) int {
	if ss.applier == nil {
		return 0
	}

	ss.mu.RLock()
	since := ss.cursor
	ss.mu.RUnlock()

	events, err := ss.client.FetchEvents(ctx, since)
	if err != nil {
		ss.logger.Debug("Failed to fetch remote events", zap.Error(err))
		return 0
	}

	applied := 0
	for _, event := range events {
		if err := ss.applier.ApplySyncEvent(ctx, event.SyncEvent); err != nil {
			ss.logger.Warn("Failed to apply remote event",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
		} else {
			applied++
		}
		if event.ReceivedAt > since {
			since = event.ReceivedAt
		}
	}

	ss.mu.Lock()
	if since > ss.cursor {
		ss.cursor = since
	}
	ss.mu.Unlock()

	if applied > 0 {
		ss.logger.Info("Applied remote events", zap.Int("count", applied))
		ss.touchLastSync(ctx)
	}
	return applied
}

func (ss *SyncService) cleanup() {
	removed, err := ss.queue.CleanupOldEvents(ss.cfg.MaxEventAge)
	if err != nil {
		ss.logger.Error("Failed to clean up queued events", zap.Error(err))
		return
	}
	if removed > 0 {
		ss.refreshQueueDepth()
	}
}

func (ss *SyncService) touchLastSync(ctx context.Context) {
	if ss.recorder == nil {
		return
	}
	if err := ss.recorder.TouchLastSync(ctx, ss.deviceID, ss.now()); err != nil {
		ss.logger.Debug("Failed to record last sync", zap.Error(err))
	}
}

func (ss *SyncService) refreshQueueDepth() {
	if count, err := ss.queue.GetPendingCount(ss.deviceID); err == nil {
		ss.metrics.SetQueueDepth(count)
	}
}

// GetStatus returns the current sync status
func (ss *SyncService) GetStatus() map[string]any {
	ss.mu.RLock()
	cursor := ss.cursor
	ss.mu.RUnlock()

	pendingCount, _ := ss.queue.GetPendingCount(ss.deviceID)

	return map[string]any{
		"device_id":         ss.deviceID,
		"pending_events":    pendingCount,
		"collector_pending": ss.collector.GetPendingCount(),
		"pull_cursor":       cursor,
	}
}
