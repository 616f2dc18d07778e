package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DayOfWeek mirrors the teacher's AvailabilityRule day constants, widened to
// int (time.Weekday) since BusinessHour now carries effective windows rather
// than being the only rule kind.
type DayOfWeek int

const (
	Sunday DayOfWeek = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// BusinessHour is a weekly-recurring open/close window for a tenant,
// optionally scoped to a single resource, with an effective date window.
type BusinessHour struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"type:uuid;not null;index:idx_business_hour_tenant_day"`
	ResourceID *string   `gorm:"type:uuid"` // nil = applies to all resources
	DayOfWeek  DayOfWeek `gorm:"not null;index:idx_business_hour_tenant_day"`
	OpenTime   string    `gorm:"type:varchar(5);not null"`  // "HH:MM"
	CloseTime  string    `gorm:"type:varchar(5);not null"`  // "HH:MM"
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *BusinessHour) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

func (BusinessHour) TableName() string { return "business_hours" }

// Holiday blocks an entire calendar date for a tenant (or one resource).
type Holiday struct {
	ID         string  `gorm:"type:uuid;primaryKey"`
	TenantID   string  `gorm:"type:uuid;not null;index:idx_holiday_tenant_date"`
	ResourceID *string `gorm:"type:uuid"`
	Date       time.Time `gorm:"type:date;not null;index:idx_holiday_tenant_date"`
	Reason     string

	CreatedAt time.Time
}

func (h *Holiday) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	return nil
}

func (Holiday) TableName() string { return "holidays" }

// ResourceTimeOff blocks a sub-day interval for one resource (e.g. a staff
// member's lunch break or vacation).
type ResourceTimeOff struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"type:uuid;not null;index:idx_time_off_tenant_resource"`
	ResourceID string    `gorm:"type:uuid;not null;index:idx_time_off_tenant_resource"`
	StartAt    time.Time `gorm:"not null"`
	EndAt      time.Time `gorm:"not null"`
	Reason     string

	CreatedAt time.Time
}

func (r *ResourceTimeOff) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (ResourceTimeOff) TableName() string { return "resource_time_offs" }
