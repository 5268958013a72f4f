package tracking

import (
	"time"

	"github.com/shopspring/decimal"
)

// Occurrence is a recorded event. SafetyTimestamp is the time the event
// counts as for rate limiting; it is derived by TrackedItem and never set
// directly by callers.
type Occurrence struct {
	ActualTimestamp time.Time           `json:"ActualTimestamp"`
	SafetyTimestamp time.Time           `json:"SafetyTimestamp"`
	StockUsed       decimal.NullDecimal `json:"StockUsed"`
}

// StockAcquisition records stock being added to an item.
type StockAcquisition struct {
	DateAcquired time.Time       `json:"DateAcquired"`
	Quantity     decimal.Decimal `json:"Quantity"`
	Note         string          `json:"Note,omitempty"`
}

func safetyTimestamps(occurrences []Occurrence) []time.Time {
	out := make([]time.Time, len(occurrences))
	for i, o := range occurrences {
		out[i] = o.SafetyTimestamp
	}
	return out
}

// safetyTimestampsBefore collects safety timestamps of occurrences that
// actually happened strictly before ts.
func safetyTimestampsBefore(occurrences []Occurrence, ts time.Time) []time.Time {
	out := make([]time.Time, 0, len(occurrences))
	for _, o := range occurrences {
		if o.ActualTimestamp.Before(ts) {
			out = append(out, o.SafetyTimestamp)
		}
	}
	return out
}
