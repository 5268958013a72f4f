package tracking

import (
	"encoding/json"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func tablet() *TrackedItem {
	return NewTrackedItem("Tablet",
		Target{Qty: 4, Frequency: 24 * time.Hour},
		Target{Qty: 1, Frequency: 4 * time.Hour},
	)
}

func march(day, hour int) time.Time {
	return time.Date(2024, time.March, day, hour, 0, 0, 0, time.UTC)
}

func expectTimes(t *testing.T, got, want []time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d timestamps, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestFutureOccurrencesMultipleTargets(t *testing.T) {
	item := tablet()

	got := slices.Collect(item.FutureOccurrences(at(28, 12), 5))
	expectTimes(t, got, []time.Time{at(28, 12), at(28, 16), at(28, 20), at(29, 0), at(29, 12)})
}

func TestFutureSpacedOccurrencesMultipleTargets(t *testing.T) {
	item := tablet()

	got := slices.Collect(item.FutureSpacedOccurrences(at(28, 12), 5))
	expectTimes(t, got, []time.Time{at(28, 12), at(28, 18), at(29, 0), at(29, 6), at(29, 12)})
}

func TestFutureOccurrencesWithHistory(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(28, 4))
	item.AddOccurrence(at(28, 8))

	got := slices.Collect(item.FutureOccurrences(at(28, 12), 5))
	expectTimes(t, got, []time.Time{at(28, 12), at(28, 16), at(29, 4), at(29, 8), at(29, 12)})

	spaced := slices.Collect(item.FutureSpacedOccurrences(at(28, 12), 5))
	expectTimes(t, spaced, []time.Time{at(28, 16), at(28, 22), at(29, 4), at(29, 8), at(29, 16)})
}

func TestFutureSpacedOccurrencesFromPartialWindow(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(27, 18))
	item.AddOccurrence(at(28, 12))

	got := slices.Collect(item.FutureSpacedOccurrences(at(28, 13), 1))
	expectTimes(t, got, []time.Time{at(28, 16)})
}

func TestFutureOccurrencesSingleTargetSpacesOut(t *testing.T) {
	item := NewTrackedItem("Tablet", Target{Qty: 4, Frequency: 24 * time.Hour})

	got := slices.Collect(item.FutureOccurrences(at(28, 12), 5))
	expectTimes(t, got, []time.Time{at(28, 12), at(28, 18), at(29, 0), at(29, 6), at(29, 12)})
}

func TestFutureOccurrencesWithoutEligibleTargets(t *testing.T) {
	item := NewTrackedItem("Water", Target{Qty: 0, Frequency: time.Hour}, Target{Qty: 3, Frequency: 0})

	if got := slices.Collect(item.FutureOccurrences(at(28, 12), 5)); len(got) != 0 {
		t.Fatalf("expected no occurrences, got %v", got)
	}
	if got := slices.Collect(item.FutureSpacedOccurrences(at(28, 12), 5)); len(got) != 0 {
		t.Fatalf("expected no occurrences, got %v", got)
	}
	if _, ok := item.NextOccurrence(at(28, 12)); ok {
		t.Fatal("expected no next occurrence")
	}
}

func TestFutureOccurrencesIsRestartable(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(28, 4))

	seq := item.FutureOccurrences(at(28, 12), 4)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	expectTimes(t, second, first)

	if len(item.PastOccurrences) != 1 {
		t.Fatalf("projection mutated the item: %d occurrences", len(item.PastOccurrences))
	}
}

func TestFutureOccurrencesStopsEarly(t *testing.T) {
	item := tablet()

	var got []time.Time
	for next := range item.FutureOccurrences(at(28, 12), 100) {
		got = append(got, next)
		if len(got) == 2 {
			break
		}
	}
	expectTimes(t, got, []time.Time{at(28, 12), at(28, 16)})
}

func TestFutureOccurrencesZeroCount(t *testing.T) {
	if got := slices.Collect(tablet().FutureOccurrences(at(28, 12), 0)); len(got) != 0 {
		t.Fatalf("expected empty sequence, got %v", got)
	}
}

func TestFutureOccurrencesNegativeCountPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative count")
		}
	}()
	tablet().FutureOccurrences(at(28, 12), -1)
}

func TestStatusSingleTarget(t *testing.T) {
	item := NewTrackedItem("Tablet", Target{Qty: 4, Frequency: 24 * time.Hour})
	now := at(28, 12)

	want := []Status{StatusOk, StatusOk, StatusOk, StatusOk, StatusAtLimit, StatusOverLimit}
	for i, w := range want {
		if i > 0 {
			item.AddOccurrence(now)
		}
		if got := item.Status(now); got != w {
			t.Fatalf("after %d occurrences: expected %v, got %v", i, w, got)
		}
	}
}

func TestStatusWithoutTargets(t *testing.T) {
	item := NewTrackedItem("Water")
	for range 10 {
		item.AddOccurrence(at(28, 12))
	}
	if got := item.Status(at(28, 12)); got != StatusOk {
		t.Fatalf("expected %v, got %v", StatusOk, got)
	}
}

func TestStatusTakesWorstTarget(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(28, 11))

	if got := item.Status(at(28, 12)); got != StatusAtLimit {
		t.Fatalf("expected %v, got %v", StatusAtLimit, got)
	}
}

func TestAddOccurrenceSafetyTimestamps(t *testing.T) {
	item := tablet()

	steps := []struct {
		actual, safety time.Time
	}{
		{at(28, 12), at(28, 12)},
		{at(28, 16), at(28, 16)},
		{at(28, 19), at(28, 20)},
		{at(29, 2), at(29, 2)},
		{at(29, 11), at(29, 12)},
		{at(29, 15), at(29, 16)},
		{at(29, 21), at(29, 21)},
		{march(1, 3), march(1, 3)},
		{march(1, 7), march(1, 12)},
		{march(1, 11), march(1, 16)},
	}

	for i, s := range steps {
		item.AddOccurrence(s.actual)
		o := item.PastOccurrences[i]
		if !o.ActualTimestamp.Equal(s.actual) {
			t.Fatalf("step %d: expected actual %v, got %v", i, s.actual, o.ActualTimestamp)
		}
		if !o.SafetyTimestamp.Equal(s.safety) {
			t.Fatalf("step %d: expected safety %v, got %v", i, s.safety, o.SafetyTimestamp)
		}
	}

	if len(item.PastOccurrences) != len(steps) {
		t.Fatalf("expected %d occurrences, got %d", len(steps), len(item.PastOccurrences))
	}
}

func TestAddOccurrenceOutOfOrder(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(28, 12))
	item.AddOccurrence(at(28, 16))
	item.AddOccurrence(at(29, 2))

	if got := item.PastOccurrences[2].SafetyTimestamp; !got.Equal(at(29, 2)) {
		t.Fatalf("expected %v, got %v", at(29, 2), got)
	}

	item.AddOccurrence(at(28, 23))

	if len(item.PastOccurrences) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(item.PastOccurrences))
	}
	if got := item.PastOccurrences[3]; !got.ActualTimestamp.Equal(at(28, 23)) || !got.SafetyTimestamp.Equal(at(28, 23)) {
		t.Fatalf("unexpected inserted occurrence %+v", got)
	}
	if got := item.PastOccurrences[2]; !got.ActualTimestamp.Equal(at(29, 2)) || !got.SafetyTimestamp.Equal(at(29, 3)) {
		t.Fatalf("expected 02:00 to be pushed to 03:00, got %+v", got)
	}
}

func TestAddOccurrenceOrderIndependent(t *testing.T) {
	base := []time.Time{
		at(28, 12), at(28, 13), at(28, 16), at(28, 19), at(28, 23),
		at(29, 2), at(29, 3), at(29, 11), at(29, 15), at(29, 21),
		march(1, 3), march(1, 7), march(1, 11),
	}

	expected := safetyByActual(t, base)

	rng := rand.New(rand.NewSource(42))
	for round := range 25 {
		shuffled := slices.Clone(base)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := safetyByActual(t, shuffled)
		for actual, safety := range expected {
			if !got[actual].Equal(safety) {
				t.Fatalf("round %d: occurrence at %v: expected safety %v, got %v", round, time.Unix(0, actual).UTC(), safety, got[actual])
			}
		}
	}
}

func safetyByActual(t *testing.T, order []time.Time) map[int64]time.Time {
	t.Helper()
	item := tablet()
	for _, ts := range order {
		item.AddOccurrence(ts)
	}

	out := make(map[int64]time.Time, len(item.PastOccurrences))
	for _, o := range item.PastOccurrences {
		out[o.ActualTimestamp.UnixNano()] = o.SafetyTimestamp
	}
	return out
}

func TestAddOccurrenceWithoutTargets(t *testing.T) {
	item := NewTrackedItem("Water")
	item.AddOccurrence(at(28, 12))
	item.AddOccurrence(at(28, 12))

	for _, o := range item.PastOccurrences {
		if !o.SafetyTimestamp.Equal(o.ActualTimestamp) {
			t.Fatalf("expected safety to equal actual, got %+v", o)
		}
	}
}

func TestAddOccurrenceUsesDefaultStock(t *testing.T) {
	item := tablet()
	item.DefaultStockUsage = decimal.NewNullDecimal(decimal.NewFromInt(2))

	item.AddOccurrence(at(28, 12))
	item.AddOccurrenceWithStock(at(28, 16), decimal.NewNullDecimal(decimal.RequireFromString("0.5")))
	item.AddOccurrenceWithStock(at(28, 20), decimal.NullDecimal{})

	if !item.PastOccurrences[0].StockUsed.Decimal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected default stock usage, got %v", item.PastOccurrences[0].StockUsed)
	}
	if item.PastOccurrences[2].StockUsed.Valid {
		t.Fatalf("expected no stock usage, got %v", item.PastOccurrences[2].StockUsed)
	}
}

func TestCurrentStockLevel(t *testing.T) {
	item := tablet()
	if !item.CurrentStockLevel().IsZero() {
		t.Fatalf("expected zero stock, got %v", item.CurrentStockLevel())
	}

	item.AddStock(at(1, 9), decimal.NewFromInt(28), "first box")
	item.AddStock(at(14, 9), decimal.RequireFromString("14.5"), "")
	item.AddOccurrenceWithStock(at(28, 12), decimal.NewNullDecimal(decimal.NewFromInt(2)))
	item.AddOccurrenceWithStock(at(28, 16), decimal.NewNullDecimal(decimal.RequireFromString("0.5")))
	item.AddOccurrenceWithStock(at(28, 20), decimal.NullDecimal{})

	want := decimal.RequireFromString("40")
	if got := item.CurrentStockLevel(); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestValidate(t *testing.T) {
	item := tablet()
	if err := item.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item.Targets = append(item.Targets, Target{Qty: 0, Frequency: 0})
	if err := item.Validate(); err != nil {
		t.Fatalf("ineligible target should be valid: %v", err)
	}

	bad := item.Clone()
	bad.Targets[0].Qty = -1
	if err := bad.Validate(); err != ErrNegativeQty {
		t.Fatalf("expected ErrNegativeQty, got %v", err)
	}

	bad = item.Clone()
	bad.Targets[1].Frequency = -time.Minute
	if err := bad.Validate(); err != ErrNegativeFrequency {
		t.Fatalf("expected ErrNegativeFrequency, got %v", err)
	}

	bad = item.Clone()
	bad.ID = uuid.Nil
	if err := bad.Validate(); err != ErrMissingID {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	item := tablet()
	item.AddOccurrence(at(28, 12))

	c := item.Clone()
	c.AddOccurrence(at(28, 16))
	c.Targets[0].Qty = 10

	if len(item.PastOccurrences) != 1 || item.Targets[0].Qty != 4 {
		t.Fatalf("clone shares state with original: %+v", item)
	}
}

func TestTrackedItemJSON(t *testing.T) {
	item := tablet()
	item.Category = "Medication"
	item.AddOccurrenceWithStock(at(28, 12), decimal.NewNullDecimal(decimal.NewFromInt(1)))

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal fields: %v", err)
	}
	for _, key := range []string{"Id", "Name", "Category", "Favourite", "PastOccurrences", "Targets", "DefaultStockUsage", "StockAcquisitions"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in %s", key, data)
		}
	}

	var targets []map[string]any
	if err := json.Unmarshal(fields["Targets"], &targets); err != nil {
		t.Fatalf("unmarshal targets: %v", err)
	}
	if targets[0]["Frequency"] != "1.00:00:00" || targets[1]["Frequency"] != "04:00:00" {
		t.Fatalf("unexpected target encoding %v", targets)
	}

	var decoded TrackedItem
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != item.ID || len(decoded.PastOccurrences) != 1 || decoded.Targets[1].Frequency != 4*time.Hour {
		t.Fatalf("decoded item differs: %+v", decoded)
	}
	if !decoded.PastOccurrences[0].StockUsed.Decimal.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected stock used 1, got %v", decoded.PastOccurrences[0].StockUsed)
	}
}
