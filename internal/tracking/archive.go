package tracking

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// ArchiveThreshold is the live occurrence count above which an item
	// hands off its oldest occurrences.
	ArchiveThreshold = 200
	// ArchiveBatchSize is the number of occurrences moved per archive.
	ArchiveBatchSize = 100
)

// Archive holds a batch of an item's oldest occurrences.
// ArchiveNumber is assigned by whoever persists it.
type Archive struct {
	TrackedItemID       uuid.UUID    `json:"TrackedItemId"`
	ArchiveNumber       int          `json:"ArchiveNumber"`
	ArchivedOccurrences []Occurrence `json:"ArchivedOccurrences"`
	CreatedAt           time.Time    `json:"CreatedAt"`
}

// CheckForArchiving detaches the oldest ArchiveBatchSize occurrences once
// the item holds more than ArchiveThreshold. It returns nil and leaves the
// item untouched otherwise.
func (ti *TrackedItem) CheckForArchiving(now time.Time) *Archive {
	if len(ti.PastOccurrences) <= ArchiveThreshold {
		return nil
	}

	sorted := slices.Clone(ti.PastOccurrences)
	slices.SortStableFunc(sorted, func(a, b Occurrence) int {
		return a.ActualTimestamp.Compare(b.ActualTimestamp)
	})

	ti.PastOccurrences = slices.Clone(sorted[ArchiveBatchSize:])

	return &Archive{
		TrackedItemID:       ti.ID,
		ArchivedOccurrences: slices.Clone(sorted[:ArchiveBatchSize]),
		CreatedAt:           now,
	}
}

// WithoutArchived drops occurrences whose actual timestamp is already held
// by one of archives.
func WithoutArchived(occurrences []Occurrence, archives []*Archive) []Occurrence {
	archived := make(map[int64]struct{})
	for _, a := range archives {
		for _, o := range a.ArchivedOccurrences {
			archived[o.ActualTimestamp.UnixNano()] = struct{}{}
		}
	}

	kept := make([]Occurrence, 0, len(occurrences))
	for _, o := range occurrences {
		if _, ok := archived[o.ActualTimestamp.UnixNano()]; !ok {
			kept = append(kept, o)
		}
	}
	return kept
}
