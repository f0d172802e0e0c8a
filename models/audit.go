package models

import (
	"time"
)

type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"event_id"`
	Timestamp    time.Time      `gorm:"not null;index" json:"timestamp"`
	EventType    string         `gorm:"size:64;index" json:"event_type"`
	UserID       *string        `gorm:"type:uuid;index" json:"user_id"`
	ResourceType string         `gorm:"size:64;index" json:"resource_type"`
	ResourceID   string         `gorm:"size:128;index" json:"resource_id,omitempty"`
	Action       string         `gorm:"size:64" json:"action"`
	Status       string         `gorm:"size:32" json:"status"`
	Details      map[string]any `gorm:"type:jsonb;serializer:json" json:"details"`
	IPAddress    string         `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent    string         `gorm:"size:255" json:"user_agent,omitempty"`
}
