package tracking

import (
	"slices"
)

// MergeOccurrences returns the union of two occurrence lists, one entry per
// actual timestamp, sorted by actual timestamp. When both lists record the
// same instant the entry from local wins.
func MergeOccurrences(local, remote []Occurrence) []Occurrence {
	seen := make(map[int64]struct{}, len(local)+len(remote))
	merged := make([]Occurrence, 0, len(local)+len(remote))

	for _, list := range [][]Occurrence{local, remote} {
		for _, o := range list {
			key := o.ActualTimestamp.UnixNano()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, o)
		}
	}

	slices.SortStableFunc(merged, func(a, b Occurrence) int {
		return a.ActualTimestamp.Compare(b.ActualTimestamp)
	})
	return merged
}

// Replay returns a copy of item whose occurrences are rebuilt by adding
// each of occurrences in turn. Stored safety timestamps are ignored and
// derived again, so the result does not depend on the order of
// occurrences.
func Replay(item *TrackedItem, occurrences []Occurrence) *TrackedItem {
	out := item.Clone()
	out.PastOccurrences = make([]Occurrence, 0, len(occurrences))
	for _, o := range occurrences {
		out.AddOccurrenceWithStock(o.ActualTimestamp, o.StockUsed)
	}
	return out
}
