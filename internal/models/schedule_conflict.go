package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduleConflict is the durable record of a schedule.Compiler Conflict
// (spec.md §4.1): a slot the current rules say should no longer exist, but
// which still carries live bookings, so the compiler left it in place
// instead of silently destroying capacity. Operators resolve these by hand
// via GET /v1/admin/schedule/conflicts.
type ScheduleConflict struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"type:uuid;not null;uniqueIndex:idx_schedule_conflict_slot"`
	ResourceID string    `gorm:"type:uuid;not null;uniqueIndex:idx_schedule_conflict_slot"`
	StartAt    time.Time `gorm:"not null;uniqueIndex:idx_schedule_conflict_slot"`
	Reason     string    `gorm:"not null"`
	DetectedAt time.Time `gorm:"not null"`
	ResolvedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *ScheduleConflict) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (ScheduleConflict) TableName() string { return "schedule_conflicts" }
