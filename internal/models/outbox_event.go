package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxEventType is the closed set of event-type variants the dispatcher
// knows how to route. An explicit registration table (see internal/outbox)
// maps each of these to a handler; an unrecognized type is never silently
// dropped, it is dead-lettered with NO_HANDLER.
type OutboxEventType string

const (
	EventBookingCreated       OutboxEventType = "BOOKING_CREATED"
	EventBookingConfirmed     OutboxEventType = "BOOKING_CONFIRMED"
	EventBookingCancelled     OutboxEventType = "BOOKING_CANCELLED"
	EventPaymentCompleted     OutboxEventType = "PAYMENT_COMPLETED"
	EventNotificationRequested OutboxEventType = "NOTIFICATION_REQUESTED"
)

// OutboxStatus is the lifecycle state of an OutboxEvent.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusCompleted  OutboxStatus = "completed"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
)

// OutboxEvent is a durable side-effect intent, written atomically with the
// business state change that produced it. Events outlive the producing
// request: they are owned by a Booking via foreign key, not by lifetime.
type OutboxEvent struct {
	ID            string          `gorm:"type:uuid;primaryKey"`
	TenantID      string          `gorm:"type:uuid;not null"`
	AggregateID   string          `gorm:"not null;index:idx_outbox_tenant_aggregate"` // e.g. the booking id
	EventType     OutboxEventType `gorm:"type:varchar(32);not null"`
	Payload       string          `gorm:"type:jsonb;not null"`
	Status        OutboxStatus    `gorm:"type:varchar(16);not null;index:idx_outbox_claim,priority:1"`
	Attempts      int             `gorm:"not null;default:0"`
	NextAttemptAt time.Time       `gorm:"not null;index:idx_outbox_claim,priority:2"`
	ClaimedAt     *time.Time
	ProcessedAt   *time.Time
	LastError     string
	TraceID       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = time.Now()
	}
	if e.Status == "" {
		e.Status = OutboxStatusPending
	}
	return nil
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// TenantID + AggregateID identify the ordering key used to enforce
// per-aggregate in-flight exclusivity in the dispatcher's claim query.
func (e OutboxEvent) OrderingKey() string {
	return e.TenantID + ":" + e.AggregateID
}
