package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service is a bookable offering: a duration, optional buffers, a price.
// A Service may be performed by any Resource in its ServiceResource set.
type Service struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	TenantID        string `gorm:"type:uuid;not null;index:idx_service_tenant"`
	Name            string `gorm:"not null"`
	Description     string
	DurationMin     int   `gorm:"not null"` // duration_min > 0
	BufferBeforeMin int   `gorm:"not null;default:0"`
	BufferAfterMin  int   `gorm:"not null;default:0"`
	PriceCents      int64 `gorm:"not null;default:0"`
	Currency        string `gorm:"not null;default:JPY"`
	Active          bool   `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (s *Service) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

func (Service) TableName() string { return "services" }

// TotalDurationMin is the duration a booking for this service must span,
// including buffers, before slot-boundary alignment.
func (s Service) TotalDurationMin() int {
	return s.DurationMin + s.BufferBeforeMin + s.BufferAfterMin
}

// ServiceResource is the many-to-many join between Service and Resource: a
// service may be performed by any resource in its allowed set.
type ServiceResource struct {
	ServiceID  string `gorm:"type:uuid;primaryKey"`
	ResourceID string `gorm:"type:uuid;primaryKey"`
	TenantID   string `gorm:"type:uuid;not null;index:idx_service_resource_tenant"`
}

func (ServiceResource) TableName() string { return "service_resources" }
