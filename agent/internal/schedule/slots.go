// Package schedule computes free meeting slots from busy-interval data.
package schedule

import (
	"sort"
	"time"

	"github.com/orglink/bridge/pkg/types"
)

// FindFreeSlots returns every gap of at least minDuration inside the
// [windowStart, windowEnd) search window during which none of the supplied
// busy intervals is active.
//
// The busy intervals may belong to any number of attendees and may overlap
// or be adjacent; they are merged implicitly by advancing the cursor to
// max(cursor, busy.End). Ordering among intervals with equal start times is
// therefore irrelevant.
func FindFreeSlots(busy []types.BusyInterval, minDuration time.Duration, windowStart, windowEnd time.Time) []types.FreeSlot {
	if !windowEnd.After(windowStart) || minDuration <= 0 {
		return nil
	}

	sorted := make([]types.BusyInterval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var slots []types.FreeSlot
	current := windowStart

	for _, b := range sorted {
		if !b.End.After(windowStart) || !b.Start.Before(windowEnd) {
			continue
		}
		if gap := b.Start.Sub(current); gap >= minDuration {
			slots = append(slots, types.FreeSlot{Start: current, End: b.Start})
		}
		if b.End.After(current) {
			current = b.End
		}
	}

	if windowEnd.Sub(current) >= minDuration {
		slots = append(slots, types.FreeSlot{Start: current, End: windowEnd})
	}

	return slots
}

// MergeBusy flattens per-mailbox busy maps into one list for FindFreeSlots.
func MergeBusy(byMailbox map[string][]types.BusyInterval) []types.BusyInterval {
	var all []types.BusyInterval
	for _, intervals := range byMailbox {
		all = append(all, intervals...)
	}
	return all
}
