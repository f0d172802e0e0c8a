package models

import (
	"time"

	"gorm.io/gorm"
)

// Agent is a user-owned assistant bound to a model id. Parameters hold the
// sampling overrides (temperature, top_p, max_tokens, ...) passed to the model.
type Agent struct {
	ID           string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name         string         `gorm:"not null;size:100" json:"name"`
	ModelID      string         `gorm:"not null;size:100;index" json:"model_id"`
	OwnerID      string         `gorm:"type:uuid;not null;index" json:"owner_id"`
	SystemPrompt string         `gorm:"type:text" json:"system_prompt"`
	Parameters   map[string]any `gorm:"type:jsonb;serializer:json" json:"parameters"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastUsed     *time.Time     `json:"last_used"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Owner         *User          `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE" json:"-"`
	Conversations []Conversation `gorm:"foreignKey:AgentID" json:"-"`
}
