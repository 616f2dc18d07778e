package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResourceKind enumerates the kinds of bookable capacity sources.
type ResourceKind string

const (
	ResourceKindStaff ResourceKind = "staff"
	ResourceKindSeat  ResourceKind = "seat"
	ResourceKindRoom  ResourceKind = "room"
	ResourceKindTable ResourceKind = "table"
)

// Resource is a finite-capacity bookable thing: a staff member, a seat, a
// room, a table.
type Resource struct {
	ID         string       `gorm:"type:uuid;primaryKey"`
	TenantID   string       `gorm:"type:uuid;not null;index:idx_resource_tenant"`
	Name       string       `gorm:"not null"`
	Kind       ResourceKind `gorm:"type:varchar(16);not null"`
	Capacity   int          `gorm:"not null;default:1"` // capacity >= 1
	Active     bool         `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (r *Resource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (Resource) TableName() string { return "resources" }
