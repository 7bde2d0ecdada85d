package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"dm-service/internal/models"
	"dm-service/internal/store"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository maintains the per-conversation summary.
type ConversationRepository interface {
	RecordMessage(ctx context.Context, key string, msg models.Message) error
	GetConversation(ctx context.Context, key string) (models.Conversation, error)
}

// ConversationRepo stores summaries under conversations/<key>.
type ConversationRepo struct {
	store store.Store
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(s store.Store) *ConversationRepo {
	return &ConversationRepo{store: s}
}

// RecordMessage overwrites the summary with msg as the last message.
func (r *ConversationRepo) RecordMessage(ctx context.Context, key string, msg models.Message) error {
	participants := []string{msg.SenderID, msg.ReceiverID}
	sort.Strings(participants)

	err := r.store.Merge(ctx, conversationPath(key), map[string]any{
		"conversation_key":  key,
		"last_message_id":   msg.ID,
		"last_message_body": msg.Body,
		"last_message_at":   msg.SentAt,
		"last_sender_id":    msg.SenderID,
		"participants":      participants,
	})
	if err != nil {
		return fmt.Errorf("write conversation metadata: %w", err)
	}
	return nil
}

// GetConversation fetches a summary by key.
func (r *ConversationRepo) GetConversation(ctx context.Context, key string) (models.Conversation, error) {
	raw, err := r.store.Read(ctx, conversationPath(key))
	if errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}
