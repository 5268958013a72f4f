package collector

import (
	"sync"
	"time"

	"Mansoor88-6/dose-tracker/internal/models"

	"go.uber.org/zap"
)

// EventCollector batches outgoing sync events. A batch is handed off when
// it reaches batchSize or when flushInterval elapses, whichever is first.
type EventCollector struct {
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	mu           sync.Mutex
	events       []models.SyncEvent
	onBatchReady func([]models.SyncEvent)

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEventCollector creates a new event collector
func NewEventCollector(batchSize int, flushInterval time.Duration, logger *zap.Logger) *EventCollector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &EventCollector{
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start sets the batch handler and begins periodic flushing
func (ec *EventCollector) Start(onBatchReady func([]models.SyncEvent)) {
	ec.mu.Lock()
	ec.onBatchReady = onBatchReady
	ec.mu.Unlock()

	if ec.flushInterval > 0 {
		ec.wg.Add(1)
		go ec.autoFlushLoop()
	}

	ec.logger.Info("Event collector started",
		zap.Int("batch_size", ec.batchSize),
		zap.Duration("flush_interval", ec.flushInterval),
	)
}

// Stop ends periodic flushing and hands off whatever is still buffered
func (ec *EventCollector) Stop() {
	ec.stopOnce.Do(func() {
		close(ec.stopChan)
		ec.wg.Wait()
		ec.Flush()
		ec.logger.Info("Event collector stopped")
	})
}

// AddEvent buffers an event. An Updated event replaces a buffered Updated
// event for the same item, since each carries the full item snapshot.
func (ec *EventCollector) AddEvent(event models.SyncEvent) {
	ec.mu.Lock()
	if !ec.coalesce(event) {
		ec.events = append(ec.events, event)
	}
	var batch []models.SyncEvent
	if len(ec.events) >= ec.batchSize {
		batch = ec.takeLocked()
	}
	handler := ec.onBatchReady
	ec.mu.Unlock()

	if batch != nil {
		ec.logger.Debug("Batch size reached, flushing events", zap.Int("count", len(batch)))
		if handler != nil {
			handler(batch)
		}
	}
}

// Flush hands off all buffered events
func (ec *EventCollector) Flush() {
	ec.mu.Lock()
	batch := ec.takeLocked()
	handler := ec.onBatchReady
	ec.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	ec.logger.Debug("Flushing events", zap.Int("count", len(batch)))
	if handler != nil {
		handler(batch)
	}
}

// GetPendingCount returns the number of buffered events
func (ec *EventCollector) GetPendingCount() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.events)
}

func (ec *EventCollector) coalesce(event models.SyncEvent) bool {
	if event.EventType != models.EventUpdated {
		return false
	}
	// Only the most recent buffered event for the item may be replaced,
	// otherwise a Deleted in between would be reordered.
	for i := len(ec.events) - 1; i >= 0; i-- {
		if ec.events[i].ItemID != event.ItemID {
			continue
		}
		if ec.events[i].EventType == models.EventUpdated {
			ec.events[i] = event
			return true
		}
		return false
	}
	return false
}

func (ec *EventCollector) takeLocked() []models.SyncEvent {
	if len(ec.events) == 0 {
		return nil
	}
	batch := ec.events
	ec.events = nil
	return batch
}

func (ec *EventCollector) autoFlushLoop() {
	defer ec.wg.Done()

	ticker := time.NewTicker(ec.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ec.Flush()
		case <-ec.stopChan:
			return
		}
	}
}
