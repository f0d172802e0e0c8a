package models

import (
	"time"
)

const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
)

// UsageRecord counts requests and tokens per user per UTC day.
type UsageRecord struct {
	ID           string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_usage_user_date" json:"user_id"`
	Date         time.Time `gorm:"type:date;not null;uniqueIndex:idx_usage_user_date" json:"date"`
	RequestCount int       `gorm:"not null;default:0" json:"request_count"`
	TokensUsed   int       `gorm:"not null;default:0" json:"tokens_used"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PaymentRecord is a token transfer to the platform treasury, keyed by its
// transaction signature.
type PaymentRecord struct {
	ID          string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID      string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount      float64   `gorm:"not null" json:"amount"`
	TxHash      string    `gorm:"uniqueIndex;not null;size:128" json:"tx_hash"`
	Description string    `gorm:"size:200" json:"description"`
	Status      string    `gorm:"not null;default:'pending';check:status IN ('pending', 'completed', 'failed')" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Relationships
	User *User `gorm:"foreignKey:UserID" json:"-"`
}
