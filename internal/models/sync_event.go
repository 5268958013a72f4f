package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of change carried by a SyncEvent
type EventType string

const (
	EventCreated EventType = "Created"
	EventUpdated EventType = "Updated"
	EventDeleted EventType = "Deleted"
)

var (
	ErrMissingEventID   = errors.New("models: eventId is required")
	ErrMissingItemID    = errors.New("models: itemId is required")
	ErrInvalidEventType = errors.New("models: eventType must be Created, Updated or Deleted")
	ErrInvalidTimestamp = errors.New("models: timestamp must be positive")
	ErrMissingPayload   = errors.New("models: payload is required for Created and Updated events")
)

// SyncEvent is a change to a tracked item exchanged between devices
type SyncEvent struct {
	EventID   string          `json:"eventId"`
	EventType EventType       `json:"eventType"`
	ItemID    string          `json:"itemId"`
	Timestamp int64           `json:"timestamp"` // Unix timestamp in milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewSyncEvent creates an event with a fresh id. payload is marshalled to
// JSON unless it is nil.
func NewSyncEvent(eventType EventType, itemID uuid.UUID, at time.Time, payload any) (SyncEvent, error) {
	event := SyncEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		ItemID:    itemID.String(),
		Timestamp: at.UnixMilli(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return SyncEvent{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		event.Payload = data
	}

	return event, nil
}

// Validate checks the fields the ingest endpoint relies on
func (e SyncEvent) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.ItemID == "" {
		return ErrMissingItemID
	}
	switch e.EventType {
	case EventCreated, EventUpdated:
		if len(e.Payload) == 0 || string(e.Payload) == "null" {
			return ErrMissingPayload
		}
	case EventDeleted:
	default:
		return ErrInvalidEventType
	}
	if e.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}
	return nil
}

// Time returns the event timestamp
func (e SyncEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// StoreResult is the ingest endpoint's answer to a pushed event
type StoreResult struct {
	Stored  bool   `json:"stored"`
	EventID string `json:"eventId"`
}

// StoredEvent is a SyncEvent as kept by the ingest server
type StoredEvent struct {
	SyncEvent
	ReceivedAt int64 `json:"receivedAt"` // Unix timestamp in milliseconds
}
