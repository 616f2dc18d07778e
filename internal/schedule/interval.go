package schedule

import "time"

// interval is a half-open [Start, End) time range in UTC.
type interval struct {
	Start time.Time
	End   time.Time
}

func (iv interval) empty() bool {
	return !iv.Start.Before(iv.End)
}

// subtract removes every sub-range in cuts from iv, returning the surviving
// pieces in start-ascending order. cuts need not be sorted or disjoint.
func (iv interval) subtract(cuts []interval) []interval {
	remaining := []interval{iv}
	for _, cut := range cuts {
		var next []interval
		for _, r := range remaining {
			next = append(next, r.subtractOne(cut)...)
		}
		remaining = next
	}
	return remaining
}

func (iv interval) subtractOne(cut interval) []interval {
	if cut.empty() || !cut.Start.Before(iv.End) || !iv.Start.Before(cut.End) {
		return []interval{iv}
	}
	var out []interval
	if cut.Start.After(iv.Start) {
		out = append(out, interval{Start: iv.Start, End: cut.Start})
	}
	if cut.End.Before(iv.End) {
		out = append(out, interval{Start: cut.End, End: iv.End})
	}
	return out
}

// splitIntoSlots walks iv from its start in granularity-sized steps,
// emitting only whole slots that fit entirely within iv.
func splitIntoSlots(iv interval, granularity time.Duration) []time.Time {
	var starts []time.Time
	for t := iv.Start; !t.Add(granularity).After(iv.End); t = t.Add(granularity) {
		starts = append(starts, t)
	}
	return starts
}
