package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wayl-ai/wayl/models"
	"gorm.io/gorm"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreateConversation returns the most recent conversation between the
// user and the agent, starting a new one when none exists.
func (r *ConversationRepository) GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND user_id = ?", agentID, userID).
		Order("created_at DESC").
		First(&conversation).Error
	if err == nil {
		return &conversation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("Failed to get conversation", "error", err, "agent_id", agentID)
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conversation = models.Conversation{AgentID: agentID, UserID: userID}
	if err := r.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		slog.Error("Failed to create conversation", "error", err, "agent_id", agentID)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Info("Conversation created", "conversation_id", conversation.ID, "agent_id", agentID)
	return &conversation, nil
}

// GetConversation returns the conversation only if it belongs to userID.
func (r *ConversationRepository) GetConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", conversationID, userID).First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conversation, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, agentID, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND user_id = ?", agentID, userID).
		Order("created_at DESC").
		Find(&conversations).Error
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "agent_id", agentID)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// SaveMessage saves a message to the database using GORM
func (r *ConversationRepository) SaveMessage(ctx context.Context, message *models.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		slog.Error("Failed to save message", "error", err, "conversation_id", message.ConversationID)
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// SaveExchange stores a user message and the assistant reply atomically.
func (r *ConversationRepository) SaveExchange(ctx context.Context, conversationID, prompt, reply string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msgs := []models.Message{
			{ConversationID: conversationID, Role: models.RoleUser, Content: prompt},
			{ConversationID: conversationID, Role: models.RoleAssistant, Content: reply},
		}
		for i := range msgs {
			if err := tx.Create(&msgs[i]).Error; err != nil {
				slog.Error("Failed to save exchange", "error", err, "conversation_id", conversationID)
				return fmt.Errorf("failed to save message: %w", err)
			}
		}
		return nil
	})
}

// GetHistory returns the latest limit messages in chronological order.
func (r *ConversationRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var messages []models.Message

	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit)

	if err := query.Find(&messages).Error; err != nil {
		slog.Error("Failed to get conversation history", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteConversations removes every conversation (and its messages) between
// the user and the agent.
func (r *ConversationRepository) DeleteConversations(ctx context.Context, agentID, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&models.Conversation{}).Select("id").Where("agent_id = ? AND user_id = ?", agentID, userID)
		if err := tx.Where("conversation_id IN (?)", sub).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("agent_id = ? AND user_id = ?", agentID, userID).Delete(&models.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		slog.Info("Conversation history cleared", "agent_id", agentID, "user_id", userID)
		return nil
	})
}
