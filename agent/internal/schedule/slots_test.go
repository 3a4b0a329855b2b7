package schedule

import (
	"testing"
	"time"

	"github.com/orglink/bridge/pkg/types"
)

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", "2025-03-10 "+hhmm)
	if err != nil {
		t.Fatalf("bad time %q: %v", hhmm, err)
	}
	return ts
}

func busy(t *testing.T, pairs ...string) []types.BusyInterval {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatal("busy needs start/end pairs")
	}
	var out []types.BusyInterval
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, types.BusyInterval{Start: at(t, pairs[i]), End: at(t, pairs[i+1])})
	}
	return out
}

func TestFindFreeSlots_SingleBusyInterval(t *testing.T) {
	slots := FindFreeSlots(busy(t, "10:00", "10:30"), 60*time.Minute, at(t, "09:00"), at(t, "12:00"))

	want := []types.FreeSlot{
		{Start: at(t, "09:00"), End: at(t, "10:00")},
		{Start: at(t, "10:30"), End: at(t, "12:00")},
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %+v", len(slots), len(want), slots)
	}
	for i, s := range slots {
		if !s.Start.Equal(want[i].Start) || !s.End.Equal(want[i].End) {
			t.Errorf("slot %d = %v-%v, want %v-%v", i, s.Start, s.End, want[i].Start, want[i].End)
		}
	}
}

func TestFindFreeSlots_GapBelowMinimumSuppressed(t *testing.T) {
	slots := FindFreeSlots(busy(t, "09:00", "09:45"), 60*time.Minute, at(t, "09:00"), at(t, "12:00"))

	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1: %+v", len(slots), slots)
	}
	if !slots[0].Start.Equal(at(t, "09:45")) {
		t.Errorf("slot starts %v, want 09:45", slots[0].Start)
	}
	if !slots[0].End.Equal(at(t, "12:00")) {
		t.Errorf("slot ends %v, want 12:00", slots[0].End)
	}
}

func TestFindFreeSlots_OverlappingIntervalsMerged(t *testing.T) {
	// Two attendees with overlapping meetings; the overlap must not
	// produce a phantom gap.
	slots := FindFreeSlots(
		busy(t, "10:00", "11:00", "10:30", "11:30"),
		30*time.Minute, at(t, "09:00"), at(t, "13:00"))

	want := []types.FreeSlot{
		{Start: at(t, "09:00"), End: at(t, "10:00")},
		{Start: at(t, "11:30"), End: at(t, "13:00")},
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %+v", len(slots), len(want), slots)
	}
	for i, s := range slots {
		if !s.Start.Equal(want[i].Start) || !s.End.Equal(want[i].End) {
			t.Errorf("slot %d = %v-%v, want %v-%v", i, s.Start, s.End, want[i].Start, want[i].End)
		}
	}
}

func TestFindFreeSlots_EqualStartTimes(t *testing.T) {
	slots := FindFreeSlots(
		busy(t, "10:00", "10:30", "10:00", "11:00"),
		30*time.Minute, at(t, "09:30"), at(t, "12:00"))

	want := []types.FreeSlot{
		{Start: at(t, "11:00"), End: at(t, "12:00")},
	}
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1: %+v", len(slots), slots)
	}
	if !slots[0].Start.Equal(want[0].Start) || !slots[0].End.Equal(want[0].End) {
		t.Errorf("slot = %v-%v, want %v-%v", slots[0].Start, slots[0].End, want[0].Start, want[0].End)
	}
}

func TestFindFreeSlots_NoBusyReturnsWholeWindow(t *testing.T) {
	slots := FindFreeSlots(nil, time.Hour, at(t, "09:00"), at(t, "12:00"))
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1", len(slots))
	}
	if slots[0].Duration() != 3*time.Hour {
		t.Errorf("slot duration = %v, want 3h", slots[0].Duration())
	}
}

func TestFindFreeSlots_BusyOutsideWindowIgnored(t *testing.T) {
	slots := FindFreeSlots(
		busy(t, "07:00", "08:00", "13:00", "14:00"),
		time.Hour, at(t, "09:00"), at(t, "12:00"))
	if len(slots) != 1 {
		t.Fatalf("got %d slots, want 1: %+v", len(slots), slots)
	}
	if !slots[0].Start.Equal(at(t, "09:00")) || !slots[0].End.Equal(at(t, "12:00")) {
		t.Errorf("slot = %v-%v, want whole window", slots[0].Start, slots[0].End)
	}
}

func TestFindFreeSlots_FullyBooked(t *testing.T) {
	slots := FindFreeSlots(busy(t, "09:00", "12:00"), 15*time.Minute, at(t, "09:00"), at(t, "12:00"))
	if len(slots) != 0 {
		t.Fatalf("got %d slots, want none: %+v", len(slots), slots)
	}
}

func TestFindFreeSlots_InvalidWindow(t *testing.T) {
	if slots := FindFreeSlots(nil, time.Hour, at(t, "12:00"), at(t, "09:00")); slots != nil {
		t.Errorf("inverted window should return nil, got %+v", slots)
	}
	if slots := FindFreeSlots(nil, 0, at(t, "09:00"), at(t, "12:00")); slots != nil {
		t.Errorf("zero duration should return nil, got %+v", slots)
	}
}

func TestMergeBusy(t *testing.T) {
	merged := MergeBusy(map[string][]types.BusyInterval{
		"a@corp.example": busy(t, "09:00", "10:00"),
		"b@corp.example": busy(t, "11:00", "12:00", "13:00", "14:00"),
	})
	if len(merged) != 3 {
		t.Fatalf("got %d intervals, want 3", len(merged))
	}
}
