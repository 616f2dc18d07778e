package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BookingStatus is the lifecycle state of a Booking.
type BookingStatus string

const (
	BookingStatusTentative BookingStatus = "tentative"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusNoShow    BookingStatus = "noshow"
	BookingStatusCompleted BookingStatus = "completed"
)

// Booking is the tenant-scoped reservation aggregate: a customer reserving
// one or more continuous slots against a resource for a service.
type Booking struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	TenantID       string        `gorm:"type:uuid;not null;index:idx_booking_tenant"`
	CustomerID     string        `gorm:"type:uuid;not null;index:idx_booking_customer"`
	ServiceID      string        `gorm:"type:uuid;not null"`
	ResourceID     string        `gorm:"type:uuid;not null;index:idx_booking_resource_start"`
	StartAt        time.Time     `gorm:"not null;index:idx_booking_resource_start"`
	EndAt          time.Time     `gorm:"not null"`
	Status         BookingStatus `gorm:"type:varchar(16);not null;index"`
	TotalPriceCents int64        `gorm:"not null;default:0"`
	Currency       string        `gorm:"not null;default:JPY"`
	ConfirmationCode string      `gorm:"index"`
	// IdempotencyKey is unique per tenant: a client-supplied token that makes
	// the create-booking request safely retryable. Not a GORM composite
	// unique index here because the authoritative uniqueness constraint lives
	// on idempotency_keys; this column is retained for fast lookup/audit.
	IdempotencyKey string `gorm:"index:idx_booking_tenant_idem"`
	Notes          string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

func (Booking) TableName() string { return "bookings" }

// BookingItem links a Booking to one of the slots it occupies. All items of
// a booking share the same resource; their slots form a contiguous sequence
// of exactly ceil(service.duration_min / granularity) entries.
type BookingItem struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	BookingID  string `gorm:"type:uuid;not null;index:idx_booking_item_booking"`
	SlotID     string `gorm:"type:uuid;not null;index:idx_booking_item_slot"`
	ResourceID string `gorm:"type:uuid;not null"`

	CreatedAt time.Time
}

func (i *BookingItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

func (BookingItem) TableName() string { return "booking_items" }

// BookingCancellation records the symmetric cancellation of a Booking.
type BookingCancellation struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	BookingID string    `gorm:"type:uuid;not null;uniqueIndex"`
	Reason    string
	CancelledAt time.Time `gorm:"not null"`
}

func (c *BookingCancellation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (BookingCancellation) TableName() string { return "booking_cancellations" }
