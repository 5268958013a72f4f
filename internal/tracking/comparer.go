package tracking

import (
	"slices"
	"time"
)

// maxTime stands in for "never due" when an item has no projection.
var maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999999, time.UTC)

const recencyWindow = 24 * time.Hour

// CompareByUrgency orders items so that the more urgent one compares
// greater:
//   - an item without occurrences is less than one with occurrences;
//   - when the last occurrences are more than a day apart, the more recent
//     one is greater;
//   - otherwise the item whose next occurrence is sooner is greater.
//
// Projections are taken from now, so the same now must be used for a
// whole sort.
func CompareByUrgency(now time.Time) func(x, y *TrackedItem) int {
	return func(x, y *TrackedItem) int {
		xLast, xOk := x.LastOccurrence()
		yLast, yOk := y.LastOccurrence()

		switch {
		case !xOk && !yOk:
			return 0
		case !xOk:
			return -1
		case !yOk:
			return 1
		}

		if diff := xLast.Sub(yLast); diff > recencyWindow || diff < -recencyWindow {
			return xLast.Compare(yLast)
		}

		// Reversed on purpose: sooner means greater.
		return nextOrMax(y, now).Compare(nextOrMax(x, now))
	}
}

// CompareByUrgencyDescending is CompareByUrgency with the order flipped,
// for most-urgent-first sorting.
func CompareByUrgencyDescending(now time.Time) func(x, y *TrackedItem) int {
	cmp := CompareByUrgency(now)
	return func(x, y *TrackedItem) int {
		return cmp(y, x)
	}
}

// SortByUrgency sorts items most urgent first. It stable-sorts ascending
// and then reverses, so items that compare equal end up in reverse input
// order.
func SortByUrgency(items []*TrackedItem, now time.Time) {
	slices.SortStableFunc(items, CompareByUrgency(now))
	slices.Reverse(items)
}

func nextOrMax(ti *TrackedItem, now time.Time) time.Time {
	if next, ok := ti.NextOccurrence(now); ok {
		return next
	}
	return maxTime
}
