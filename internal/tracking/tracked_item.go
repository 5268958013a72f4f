package tracking

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TrackedItem is a recurring action with its rate constraints and the
// history of recorded occurrences.
//
// A TrackedItem is not safe for concurrent mutation. Read-only calls
// (Status, projections) may run concurrently against a stable value.
type TrackedItem struct {
	ID                uuid.UUID           `json:"Id"`
	Name              string              `json:"Name"`
	Category          string              `json:"Category"`
	Favourite         bool                `json:"Favourite"`
	PastOccurrences   []Occurrence        `json:"PastOccurrences"`
	Targets           []Target            `json:"Targets"`
	DefaultStockUsage decimal.NullDecimal `json:"DefaultStockUsage"`
	StockAcquisitions []StockAcquisition  `json:"StockAcquisitions"`
}

// NewTrackedItem creates a new item with a random id
func NewTrackedItem(name string, targets ...Target) *TrackedItem {
	return &TrackedItem{
		ID:                uuid.New(),
		Name:              name,
		Targets:           targets,
		PastOccurrences:   []Occurrence{},
		StockAcquisitions: []StockAcquisition{},
	}
}

// Validate checks an item received from outside the process.
func (ti *TrackedItem) Validate() error {
	if ti.ID == uuid.Nil {
		return ErrMissingID
	}
	for _, t := range ti.Targets {
		if t.Qty < 0 {
			return ErrNegativeQty
		}
		if t.Frequency < 0 {
			return ErrNegativeFrequency
		}
	}
	return nil
}

// Clone returns a deep copy of the item.
func (ti *TrackedItem) Clone() *TrackedItem {
	c := *ti
	c.Targets = slices.Clone(ti.Targets)
	c.PastOccurrences = slices.Clone(ti.PastOccurrences)
	c.StockAcquisitions = slices.Clone(ti.StockAcquisitions)
	return &c
}

// EligibleTargets returns the targets that take part in scheduling.
func (ti *TrackedItem) EligibleTargets() []Target {
	var eligible []Target
	for _, t := range ti.Targets {
		if t.Eligible() {
			eligible = append(eligible, t)
		}
	}
	return eligible
}

// Status returns the worst status across all eligible targets.
func (ti *TrackedItem) Status(now time.Time) Status {
	past := safetyTimestamps(ti.PastOccurrences)

	status := StatusOk
	for _, t := range ti.EligibleTargets() {
		status = max(status, t.Status(now, past))
	}
	return status
}

// FutureOccurrences projects the next count due times from a fixed now,
// feeding each result back into the simulated history.
//
// Panics if count is negative.
func (ti *TrackedItem) FutureOccurrences(now time.Time, count int) iter.Seq[time.Time] {
	return ti.project(now, count, false)
}

// FutureSpacedOccurrences projects count evenly spaced due times. Each
// result becomes the "now" of the following step.
//
// Panics if count is negative.
func (ti *TrackedItem) FutureSpacedOccurrences(now time.Time, count int) iter.Seq[time.Time] {
	return ti.project(now, count, true)
}

// NextOccurrence is the first value of FutureOccurrences. ok is false when
// the item has no eligible targets.
func (ti *TrackedItem) NextOccurrence(now time.Time) (time.Time, bool) {
	for next := range ti.FutureOccurrences(now, 1) {
		return next, true
	}
	return time.Time{}, false
}

// LastOccurrence returns the most recent actual timestamp.
func (ti *TrackedItem) LastOccurrence() (last time.Time, ok bool) {
	for _, o := range ti.PastOccurrences {
		if !ok || o.ActualTimestamp.After(last) {
			last, ok = o.ActualTimestamp, true
		}
	}
	return last, ok
}

func (ti *TrackedItem) project(now time.Time, count int, chained bool) iter.Seq[time.Time] {
	if count < 0 {
		panic(fmt.Sprintf("tracking: negative projection count %d", count))
	}

	targets := ti.EligibleTargets()
	seed := safetyTimestamps(ti.PastOccurrences)

	return func(yield func(time.Time) bool) {
		if len(targets) == 0 {
			return
		}

		p := newProjection(targets, seed, now, chained)
		for range count {
			if !yield(p.next()) {
				return
			}
		}
	}
}

// projection is the explicit state of one pass over a projected schedule.
type projection struct {
	targets     []Target
	history     []time.Time
	now         time.Time
	chained     bool
	allSpacable bool
}

func newProjection(targets []Target, seed []time.Time, now time.Time, chained bool) *projection {
	allSpacable := true
	for _, t := range targets {
		if t.Qty <= 1 {
			allSpacable = false
			break
		}
	}

	return &projection{
		targets:     targets,
		history:     slices.Clone(seed),
		now:         now,
		chained:     chained,
		allSpacable: allSpacable,
	}
}

func (p *projection) next() time.Time {
	var next time.Time
	if p.chained {
		next = latest(p.targets, p.now, p.history, Target.SpacedOccurrence)
		p.now = next
	} else {
		next = latest(p.targets, p.now, p.history, Target.EarliestOccurrence)
		if next.Equal(p.now) && p.allSpacable {
			next = latest(p.targets, p.now, p.history, Target.SpacedOccurrence)
		}
	}

	p.history = append(p.history, next)
	return next
}

// latest evaluates fn for each target and keeps the latest result: an
// occurrence is due only once every target allows it.
func latest(targets []Target, now time.Time, past []time.Time, fn func(Target, time.Time, []time.Time) time.Time) time.Time {
	var result time.Time
	for i, t := range targets {
		candidate := fn(t, now, past)
		if i == 0 || candidate.After(result) {
			result = candidate
		}
	}
	return result
}

// AddOccurrence records an occurrence using the item's default stock usage.
func (ti *TrackedItem) AddOccurrence(ts time.Time) {
	ti.AddOccurrenceWithStock(ts, ti.DefaultStockUsage)
}

// AddOccurrenceWithStock records an occurrence at ts, which may be earlier
// than occurrences already recorded. Safety timestamps of every occurrence
// that actually happened after ts are recomputed.
func (ti *TrackedItem) AddOccurrenceWithStock(ts time.Time, stockUsed decimal.NullDecimal) {
	targets := ti.EligibleTargets()
	if len(targets) == 0 {
		ti.PastOccurrences = append(ti.PastOccurrences, Occurrence{
			ActualTimestamp: ts,
			SafetyTimestamp: ts,
			StockUsed:       stockUsed,
		})
		return
	}

	var future []int
	for i, o := range ti.PastOccurrences {
		if o.ActualTimestamp.After(ts) {
			future = append(future, i)
		}
	}

	ti.PastOccurrences = append(ti.PastOccurrences, Occurrence{
		ActualTimestamp: ts,
		SafetyTimestamp: safetyTimestamp(targets, ts, ti.PastOccurrences),
		StockUsed:       stockUsed,
	})

	// Later occurrences are recomputed in real-time order so that each one
	// sees the already corrected safety timestamps of those before it.
	slices.SortStableFunc(future, func(a, b int) int {
		return ti.PastOccurrences[a].ActualTimestamp.Compare(ti.PastOccurrences[b].ActualTimestamp)
	})
	for _, i := range future {
		actual := ti.PastOccurrences[i].ActualTimestamp
		ti.PastOccurrences[i].SafetyTimestamp = safetyTimestamp(targets, actual, ti.PastOccurrences)
	}
}

func safetyTimestamp(targets []Target, actual time.Time, occurrences []Occurrence) time.Time {
	return latest(targets, actual, safetyTimestampsBefore(occurrences, actual), Target.EarliestOccurrence)
}

// CurrentStockLevel is acquired stock minus stock used by occurrences.
func (ti *TrackedItem) CurrentStockLevel() decimal.Decimal {
	level := decimal.Zero
	for _, a := range ti.StockAcquisitions {
		level = level.Add(a.Quantity)
	}
	for _, o := range ti.PastOccurrences {
		if o.StockUsed.Valid {
			level = level.Sub(o.StockUsed.Decimal)
		}
	}
	return level
}

// AddStock records a stock acquisition
func (ti *TrackedItem) AddStock(acquired time.Time, qty decimal.Decimal, note string) {
	ti.StockAcquisitions = append(ti.StockAcquisitions, StockAcquisition{
		DateAcquired: acquired,
		Quantity:     qty,
		Note:         note,
	})
}
