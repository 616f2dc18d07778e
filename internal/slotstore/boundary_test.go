package slotstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wer-inc/reservation-core/internal/slotstore"
)

func TestAlign_RoundTrip(t *testing.T) {
	granularities := []int{5, 15}
	durations := []int{1, 5, 6, 14, 15, 16, 44, 45, 46, 90, 481}

	for _, g := range granularities {
		for _, d := range durations {
			start := time.Date(2025, 3, 1, 9, 7, 0, 0, time.UTC)

			first, err := slotstore.Align(start, d, g)
			assert.NoError(t, err)

			second, err := slotstore.Align(first.AlignedStart, d, g)
			assert.NoError(t, err)

			assert.Equal(t, first.AlignedStart, second.AlignedStart, "align(align(t,g),g) must equal align(t,g)")
			assert.False(t, second.AdjustmentMade, "re-aligning an already-aligned start must not adjust")

			expectedSlots := (d + g - 1) / g
			assert.Equal(t, expectedSlots, first.RequiredSlots)
		}
	}
}

func TestAlign_RejectsInvalidInput(t *testing.T) {
	start := time.Now()

	_, err := slotstore.Align(start, 0, 15)
	assert.Error(t, err)

	_, err = slotstore.Align(start, -5, 15)
	assert.Error(t, err)

	_, err = slotstore.Align(start, 30, 10)
	assert.Error(t, err)
}

func TestAlign_SlotStartsAreContiguous(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := slotstore.Align(start, 45, 15)
	assert.NoError(t, err)
	assert.Equal(t, 3, b.RequiredSlots)

	starts := b.SlotStarts(15)
	assert.Len(t, starts, 3)
	assert.Equal(t, start, starts[0])
	assert.Equal(t, start.Add(15*time.Minute), starts[1])
	assert.Equal(t, start.Add(30*time.Minute), starts[2])
}
