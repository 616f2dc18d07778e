package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tenant is the isolation unit: every other row in the system is scoped to
// exactly one tenant.
type Tenant struct {
	ID                    string `gorm:"type:uuid;primaryKey"`
	Name                  string `gorm:"not null"`
	TimeZone              string `gorm:"not null;default:UTC"` // IANA name, e.g. "Asia/Tokyo"
	SlotGranularityMin    int    `gorm:"not null;default:15"`  // 5 or 15
	Currency              string `gorm:"not null;default:JPY"`
	CancellationCutoffMin int    `gorm:"not null;default:60"`
	ReminderOffsetsMin    string `gorm:"type:jsonb;not null;default:'[1440,120]'"` // e.g. [1440,120] = 24h, 2h
	MaxBookingDurationMin int    `gorm:"not null;default:480"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

func (Tenant) TableName() string { return "tenants" }

// ValidGranularity reports whether a slot_granularity_min value is one this
// system supports.
func ValidGranularity(min int) bool {
	return min == 5 || min == 15
}
