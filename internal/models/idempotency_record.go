package models

import "time"

// IdempotencyStatus is the lifecycle state of an IdempotencyRecord.
type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusSucceeded  IdempotencyStatus = "succeeded"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord maps (tenant, key) to the outcome of the request that
// first used it. The (tenant_id, key) unique constraint is the
// serialization mechanism: the first INSERT wins, every other caller is an
// observer of its outcome.
type IdempotencyRecord struct {
	TenantID       string            `gorm:"type:uuid;primaryKey"`
	Key            string            `gorm:"primaryKey"`
	RequestSHA256  string            `gorm:"type:char(64);not null"`
	Status         IdempotencyStatus `gorm:"type:varchar(16);not null"`
	ResponseJSON   string            `gorm:"type:jsonb"`
	ResponseStatus int               // the HTTP status recorded alongside ResponseJSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }
