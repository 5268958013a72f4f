package models

import (
	"errors"
	"fmt"
	"time"

	"Mansoor88-6/dose-tracker/internal/tracking"

	"github.com/shopspring/decimal"
)

type TargetRequest struct {
	Qty       int    `json:"qty"`
	Frequency string `json:"frequency"` // "4h" or "1.00:00:00"
}

type CreateItemRequest struct {
	Name              string           `json:"name"`
	Category          string           `json:"category,omitempty"`
	Favourite         bool             `json:"favourite,omitempty"`
	Targets           []TargetRequest  `json:"targets,omitempty"`
	DefaultStockUsage *decimal.Decimal `json:"default_stock_usage,omitempty"`
}

// ToTargets converts and validates the requested targets
func (r *CreateItemRequest) ToTargets() ([]tracking.Target, error) {
	if r.Name == "" {
		return nil, errors.New("name is required")
	}

	targets := make([]tracking.Target, 0, len(r.Targets))
	for i, t := range r.Targets {
		freq, err := tracking.ParseTimeSpan(t.Frequency)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		target := tracking.Target{Qty: t.Qty, Frequency: freq}
		if !target.Eligible() {
			return nil, fmt.Errorf("target %d: qty and frequency must be positive", i)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

type AddOccurrenceRequest struct {
	Timestamp *time.Time       `json:"timestamp,omitempty"` // defaults to now
	StockUsed *decimal.Decimal `json:"stock_used,omitempty"`
}

type AddStockRequest struct {
	Quantity     decimal.Decimal `json:"quantity"`
	DateAcquired *time.Time      `json:"date_acquired,omitempty"`
	Note         string          `json:"note,omitempty"`
}

// ItemView is a tracked item together with its current scheduling state
type ItemView struct {
	Item           *tracking.TrackedItem `json:"item"`
	Status         tracking.Status       `json:"status"`
	NextOccurrence *time.Time            `json:"next_occurrence,omitempty"`
	StockLevel     decimal.Decimal       `json:"stock_level"`
}

type ScheduleResponse struct {
	ItemID      string      `json:"item_id"`
	Spaced      bool        `json:"spaced"`
	Occurrences []time.Time `json:"occurrences"`
}
