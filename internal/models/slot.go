package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Slot is a half-open time interval [start_at, end_at) owned by a
// (tenant, resource), carrying an integer remaining capacity. The Schedule
// Compiler is its sole producer/destroyer; the Booking Coordinator is its
// sole mutator of available_capacity.
type Slot struct {
	ID                string    `gorm:"type:uuid;primaryKey"`
	TenantID          string    `gorm:"type:uuid;not null;uniqueIndex:idx_slot_tenant_resource_start"`
	ResourceID        string    `gorm:"type:uuid;not null;uniqueIndex:idx_slot_tenant_resource_start;index:idx_slot_tenant_start_capacity"`
	StartAt           time.Time `gorm:"not null;uniqueIndex:idx_slot_tenant_resource_start;index:idx_slot_tenant_start_capacity"`
	EndAt             time.Time `gorm:"not null"`
	AvailableCapacity int       `gorm:"not null;index:idx_slot_tenant_start_capacity"` // 0 <= x <= resource.capacity

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Slot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

func (Slot) TableName() string { return "timeslots" }
