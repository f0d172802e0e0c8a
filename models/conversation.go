package models

import (
	"time"
)

// Conversation groups the messages exchanged between one user and one agent.
type Conversation struct {
	ID        string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	AgentID   string    `gorm:"type:uuid;not null;index" json:"agent_id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	Agent    *Agent    `gorm:"foreignKey:AgentID;constraint:OnDelete:CASCADE" json:"-"`
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// Message represents a single turn in a conversation
type Message struct {
	ID             string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ConversationID string    `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(20);not null;check:role IN ('user', 'assistant')" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"not null;index" json:"created_at"`

	// Relationships
	Conversation *Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for the Message model
func (Message) TableName() string {
	return "messages"
}
