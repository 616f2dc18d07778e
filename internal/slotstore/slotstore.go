// Package slotstore is the Slot Store (spec.md §2.1, §3): durable
// per-(tenant,resource,start_at) rows carrying an integer remaining
// capacity, and the row-level-locking primitives the Booking Coordinator
// builds its transaction on.
//
// Grounded on the teacher's internal/repository/booking_repository.go for
// general repository shape (constructor, *gorm.DB field, context.Context
// first arg, fmt.Errorf wrapping), and on other_examples' room-booking-api
// concurrent_scenarios.go for the SELECT ... FOR UPDATE + ordered-lock idiom
// the teacher itself never demonstrates.
package slotstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wer-inc/reservation-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Slot Store repository.
type Store struct {
	db *gorm.DB
}

// New creates a new Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LockForUpdate fetches the slots at the given start times for
// (tenant, resource), row-locked with SELECT ... FOR UPDATE, ordered by
// start_at ascending. Sorting lock acquisitions by start_at across all
// callers is what eliminates the ABBA deadlock between two overlapping
// multi-slot bookings (spec.md §9).
//
// tx must be a transaction (*gorm.DB inside a db.Transaction closure); this
// method never starts one itself, since FOR UPDATE is meaningless outside a
// transaction.
func LockForUpdate(ctx context.Context, tx *gorm.DB, tenantID, resourceID string, starts []time.Time) ([]models.Slot, error) {
	if len(starts) == 0 {
		return nil, nil
	}

	sorted := make([]time.Time, len(starts))
	copy(sorted, starts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var slots []models.Slot
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND resource_id = ? AND start_at IN ?", tenantID, resourceID, sorted).
		Order("start_at ASC").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("error locking slots for resource %s: %w", resourceID, err)
	}
	return slots, nil
}

// LockForUpdateByIDs fetches the slots with the given ids, scoped to
// tenantID, row-locked with SELECT ... FOR UPDATE, ordered by start_at
// ascending. This is the explicit-timeslot counterpart to LockForUpdate: the
// caller names the exact rows instead of a (resource, starts) pair, so the
// resource itself is derived from what comes back rather than supplied.
//
// tx must be a transaction, for the same reason as LockForUpdate.
func LockForUpdateByIDs(ctx context.Context, tx *gorm.DB, tenantID string, ids []string) ([]models.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var slots []models.Slot
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("start_at ASC").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("error locking slots by id: %w", err)
	}
	return slots, nil
}

// Decrement atomically decrements available_capacity by 1 for every slot id
// given, guarded by available_capacity >= 1, and returns the number of rows
// actually updated. Callers must assert rows affected == len(ids); a
// mismatch means at least one slot was sold out between the locked read and
// the update (should not happen under FOR UPDATE, but the single retry in
// spec.md §4.3 step 9 exists for exactly this case).
func (s *Store) Decrement(ctx context.Context, tx *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := tx.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id IN ? AND available_capacity >= 1", ids).
		Update("available_capacity", gorm.Expr("available_capacity - 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("error decrementing slot capacity: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Increment atomically increments available_capacity by 1 for every slot id
// given (booking cancellation), guarded so it never exceeds the owning
// resource's declared capacity.
func (s *Store) Increment(ctx context.Context, tx *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := tx.WithContext(ctx).
		Exec(`UPDATE timeslots SET available_capacity = available_capacity + 1
		      WHERE id IN ? AND available_capacity < (
		          SELECT capacity FROM resources WHERE resources.id = timeslots.resource_id
		      )`, ids)
	if result.Error != nil {
		return 0, fmt.Errorf("error incrementing slot capacity: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CandidateSlots returns, without locking, the slots for a resource in a
// window whose available_capacity is at least 1 — used by the
// non-authoritative Availability Query (the Coordinator's step-3 resource
// selection runs its own count query). Only the Coordinator's locked read
// (LockForUpdate) is authoritative.
func (s *Store) CandidateSlots(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]models.Slot, error) {
	var slots []models.Slot
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND resource_id = ? AND start_at >= ? AND start_at < ? AND available_capacity >= 1", tenantID, resourceID, from, to).
		Order("start_at ASC").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("error scanning candidate slots: %w", err)
	}
	return slots, nil
}
