package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer is a tenant-scoped contact profile, optionally tied to a
// chat-messenger user id (the source system's LIFF/chat auth is out of
// core scope; we only retain the identifier it hands us).
type Customer struct {
	ID         string  `gorm:"type:uuid;primaryKey"`
	TenantID   string  `gorm:"type:uuid;not null;index:idx_customer_tenant"`
	Name       string  `gorm:"not null"`
	Phone      *string
	Email      *string
	ChatUserID *string `gorm:"index:idx_customer_chat_user"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (Customer) TableName() string { return "customers" }
