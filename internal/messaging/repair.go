package messaging

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// Repair rebuilds the conversation summary and both chat-list rows from the message log.
// Unread counters are recomputed from the read flags. It never appends and is safe to repeat.
func (s *Service) Repair(ctx context.Context, key string) (err error) {
	ctx, span := s.tracer.Start(ctx, "messaging.repair", trace.WithAttributes(attribute.String("conversation.key", key)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, repositories.ErrConversationNotFound) {
				result = "empty"
			}
		}
		observability.IncRepair(result)
		endSpan(span, err)
	}()

	a, b, err := conversation.Split(key)
	if err != nil {
		return err
	}
	msgs, err := s.messages.ReadAll(ctx, key)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return repositories.ErrConversationNotFound
	}
	tail := msgs[len(msgs)-1]

	if err := s.conversations.RecordMessage(ctx, key, tail); err != nil {
		return err
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if err := s.repairEntry(ctx, key, pair[0], pair[1], msgs); err != nil {
			return err
		}
	}

	s.logger.Info("conversation repaired", "conversation_key", key, "last_message_id", tail.ID)
	_ = observability.PublishChatEvent(ctx, observability.RouteRepair, "repair", map[string]interface{}{
		"conversation_key": key,
		"last_message_id":  tail.ID,
	})
	return nil
}

func (s *Service) repairEntry(ctx context.Context, key, owner, counterpart string, msgs []models.Message) error {
	entry, _, err := s.chatLists.GetEntry(ctx, owner, key)
	if err != nil {
		return err
	}
	tail := msgs[len(msgs)-1]

	profile := models.Profile{Name: entry.CounterpartName, Email: entry.CounterpartEmail}
	for _, m := range msgs {
		if m.SenderID == counterpart && entry.CounterpartName == "" {
			profile = models.Profile{Name: m.SenderName, Email: m.SenderEmail}
		}
	}
	if counterpart == s.cfg.SupportAlias {
		profile = s.cfg.SupportProfile
	}

	entry.ConversationKey = key
	entry.CounterpartID = counterpart
	entry.CounterpartName = profile.Name
	entry.CounterpartEmail = profile.Email
	entry.LastMessageBody = tail.Body
	entry.LastMessageAt = tail.SentAt
	entry.LastSenderID = tail.SenderID
	entry.UnreadCount = unreadFor(owner, msgs)
	if err := s.chatLists.ReplaceEntry(ctx, owner, entry); err != nil {
		return fmt.Errorf("repair %s entry: %w", owner, err)
	}
	return nil
}

// Stale reports whether the summary or either chat-list row lags the tail of the log, or an
// unread counter disagrees with the read flags.
func (s *Service) Stale(ctx context.Context, key string) (bool, error) {
	a, b, err := conversation.Split(key)
	if err != nil {
		return false, err
	}
	msgs, err := s.messages.ReadAll(ctx, key)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	tail := msgs[len(msgs)-1]

	conv, err := s.conversations.GetConversation(ctx, key)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if conv.LastMessageID != tail.ID {
		return true, nil
	}

	for _, owner := range []string{a, b} {
		entry, ok, err := s.chatLists.GetEntry(ctx, owner, key)
		if err != nil {
			return false, err
		}
		if !ok || entry.LastMessageAt.Before(tail.SentAt) || entry.UnreadCount != unreadFor(owner, msgs) {
			return true, nil
		}
	}
	return false, nil
}

func unreadFor(owner string, msgs []models.Message) int64 {
	var n int64
	for _, m := range msgs {
		if m.ReceiverID == owner && !m.Read {
			n++
		}
	}
	return n
}
