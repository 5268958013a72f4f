package tracking

import (
	"slices"
	"time"
)

// Status describes where an item stands against its targets.
// Values are ordered so that the worst status compares greatest.
type Status int

const (
	StatusOk Status = iota
	StatusAtLimit
	StatusOverLimit
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusAtLimit:
		return "AtLimit"
	case StatusOverLimit:
		return "OverLimit"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Ok":
		*s = StatusOk
	case "AtLimit":
		*s = StatusAtLimit
	case "OverLimit":
		*s = StatusOverLimit
	default:
		return ErrUnknownStatus
	}
	return nil
}

// Target is a single rate constraint: at most Qty occurrences in any
// rolling window of length Frequency.
type Target struct {
	Qty       int
	Frequency time.Duration
}

// Eligible reports whether the target takes part in scheduling.
func (t Target) Eligible() bool {
	return t.Qty > 0 && t.Frequency > 0
}

// Status counts occurrences strictly inside the window ending at now.
func (t Target) Status(now time.Time, past []time.Time) Status {
	windowStart := now.Add(-t.Frequency)

	count := 0
	for _, o := range past {
		if o.After(windowStart) {
			count++
		}
	}

	switch {
	case count < t.Qty:
		return StatusOk
	case count == t.Qty:
		return StatusAtLimit
	default:
		return StatusOverLimit
	}
}

// EarliestOccurrence returns the first instant at or after now at which
// another occurrence fits the target, packing occurrences as early in the
// window as allowed.
func (t Target) EarliestOccurrence(now time.Time, past []time.Time) time.Time {
	relevant := t.relevant(now, past)
	if len(relevant) < t.Qty {
		return now
	}
	return t.nextFree(relevant)
}

// SpacedOccurrence returns the next instant at or after now when
// occurrences are spread evenly across the window instead of clustered.
func (t Target) SpacedOccurrence(now time.Time, past []time.Time) time.Time {
	relevant := t.relevant(now, past)
	if len(relevant) == 0 {
		return now
	}
	if len(relevant) >= t.Qty {
		return t.nextFree(relevant)
	}

	// relevant is sorted, so the first entry at or before now is the
	// earliest one. If every entry is in the future, anchor on the first.
	anchor := relevant[0]

	next := anchor.Add(proRata(t.Frequency, len(relevant), t.Qty))
	if next.Before(now) {
		return now
	}
	return next
}

// relevant returns the sorted occurrences at or after now-Frequency.
// The lower bound is inclusive, unlike Status.
func (t Target) relevant(now time.Time, past []time.Time) []time.Time {
	windowStart := now.Add(-t.Frequency)

	relevant := make([]time.Time, 0, len(past))
	for _, o := range past {
		if !o.Before(windowStart) {
			relevant = append(relevant, o)
		}
	}
	slices.SortFunc(relevant, func(a, b time.Time) int { return a.Compare(b) })
	return relevant
}

// nextFree handles a full or over-full window: the Qty-th occurrence from
// the end has to age out before another one fits. For an exactly full
// window that is the oldest one.
func (t Target) nextFree(relevant []time.Time) time.Time {
	return relevant[len(relevant)-t.Qty].Add(t.Frequency)
}

// proRata is floor(freq*used/qty) without overflowing on long windows.
func proRata(freq time.Duration, used, qty int) time.Duration {
	q, r := freq/time.Duration(qty), freq%time.Duration(qty)
	return q*time.Duration(used) + r*time.Duration(used)/time.Duration(qty)
}
