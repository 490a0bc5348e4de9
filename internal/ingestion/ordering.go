package ingestion

import (
	"errors"
	"fmt"
	"sort"

	"holder-analytics/internal/domain"
)

// ErrInvalidOrdering is returned when events are not in canonical ledger order.
var ErrInvalidOrdering = errors.New("events are not in canonical order")

// SortTransfers orders transfers by (block ASC, tx index ASC, log index ASC).
func SortTransfers(events []*domain.TransferEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Compare(events[j].Position()) < 0
	})
}

// ValidateOrdering checks that positions are strictly increasing. Two events
// at the same position are a duplicate delivery and also rejected.
func ValidateOrdering(events []*domain.TransferEvent) error {
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1].Position(), events[i].Position()
		if prev.Compare(cur) >= 0 {
			return fmt.Errorf("%w: %+v not after %+v", ErrInvalidOrdering, cur, prev)
		}
	}
	return nil
}
