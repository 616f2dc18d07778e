package slotstore

import (
	"fmt"
	"time"
)

// Boundary is the result of aligning a requested booking start to slot
// granularity (spec.md §4.2).
type Boundary struct {
	AlignedStart    time.Time
	AlignedEnd      time.Time
	RequiredSlots   int
	AdjustmentMade  bool
}

// Align is a pure function: given (requestedStart, durationMin,
// granularityMin), it returns the aligned start/end, the number of
// contiguous slots required, and whether the input needed adjustment.
//
// AlignedStart is the smallest multiple of granularity (measured from the
// Unix epoch, which is itself a multiple of every supported granularity)
// that is >= requestedStart. AlignedEnd is AlignedStart plus
// ceil(durationMin/granularity)*granularity.
func Align(requestedStart time.Time, durationMin, granularityMin int) (Boundary, error) {
	if durationMin <= 0 {
		return Boundary{}, fmt.Errorf("duration_min must be positive, got %d", durationMin)
	}
	if granularityMin != 5 && granularityMin != 15 {
		return Boundary{}, fmt.Errorf("granularity_min must be 5 or 15, got %d", granularityMin)
	}

	granularity := time.Duration(granularityMin) * time.Minute
	epoch := requestedStart.Unix()
	step := int64(granularity / time.Second)

	rem := epoch % step
	var alignedStart time.Time
	adjusted := false
	if rem == 0 && requestedStart.Nanosecond() == 0 {
		alignedStart = requestedStart.Truncate(time.Second)
	} else {
		alignedStart = time.Unix(epoch+(step-rem), 0).In(requestedStart.Location())
		adjusted = true
	}

	requiredSlots := (durationMin + granularityMin - 1) / granularityMin
	alignedEnd := alignedStart.Add(time.Duration(requiredSlots) * granularity)

	return Boundary{
		AlignedStart:   alignedStart,
		AlignedEnd:     alignedEnd,
		RequiredSlots:  requiredSlots,
		AdjustmentMade: adjusted,
	}, nil
}

// SlotStarts enumerates the RequiredSlots start times a Boundary spans, at
// granularityMin spacing, for use as the set of start_at values to lock.
func (b Boundary) SlotStarts(granularityMin int) []time.Time {
	granularity := time.Duration(granularityMin) * time.Minute
	starts := make([]time.Time, b.RequiredSlots)
	for i := 0; i < b.RequiredSlots; i++ {
		starts[i] = b.AlignedStart.Add(time.Duration(i) * granularity)
	}
	return starts
}
