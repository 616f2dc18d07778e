package booking_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/booking"
)

// TestConcurrentBookings_ExactlyOneWinner ports other_examples' room-booking-api
// ConcurrentScenarios.ConcurrentBookings (goroutines racing a FOR UPDATE lock,
// results collected behind a mutex/atomic counter) to drive the full
// Coordinator protocol instead of a bespoke locking query: spec.md §8 requires
// that of N concurrent attempts against one capacity-1 slot, exactly one
// succeeds and the rest observe timeslot_sold_out, never a partial decrement
// or a lost update.
func (s *CoordinatorTestSuite) TestConcurrentBookings_ExactlyOneWinner() {
	start := time.Date(2026, 8, 3, 16, 0, 0, 0, time.UTC)
	_, _, svc := s.seedTenantResourceService(1, 15, start)

	const attempts = 100
	var wg sync.WaitGroup
	var successes int64
	var soldOut int64
	var other int64

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			req := booking.CreateBookingRequest{
				TenantID:       svc.TenantID,
				ServiceID:      svc.ID,
				StartAt:        &start,
				Customer:       booking.CustomerFields{Name: fmt.Sprintf("Concurrent Customer %d", i)},
				IdempotencyKey: fmt.Sprintf("concurrent-key-%s", uuid.New().String()),
				RawBody:        map[string]interface{}{"service_id": svc.ID, "start_at": start.Format(time.RFC3339), "n": i},
			}
			_, _, err := s.Coordinator.CreateBooking(context.Background(), req)
			if err == nil {
				atomic.AddInt64(&successes, 1)
				return
			}
			if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeTimeslotSoldOut {
				atomic.AddInt64(&soldOut, 1)
				return
			}
			atomic.AddInt64(&other, 1)
		}(i)
	}
	wg.Wait()

	s.Equal(int64(0), other, "every losing attempt must fail with timeslot_sold_out, not an unexpected error")
	s.Equal(int64(1), successes)
	s.Equal(int64(attempts-1), soldOut)
}
