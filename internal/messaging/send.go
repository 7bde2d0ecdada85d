package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// InitiateResult is what an admin needs to render the new conversation immediately.
type InitiateResult struct {
	ConversationKey string               `json:"conversation_key"`
	Message         models.Message       `json:"message"`
	ChatListEntry   models.ChatListEntry `json:"chat_list_entry"`
}

// Send appends body from sender to receiverID and updates the summary and both chat lists.
// Once the append has succeeded any later failure is returned as *PartialSendError.
func (s *Service) Send(ctx context.Context, sender models.Sender, receiverID, body string) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.send")
	msg, err := s.send(ctx, "send", sender, receiverID, body, nil)
	span.SetAttributes(attribute.String("conversation.message_id", msg.ID))
	endSpan(span, err)
	return msg, err
}

// Initiate is Send for an admin opening a conversation. The admin's own row is seeded with
// counterpartMeta so it renders before the counterpart ever replies.
func (s *Service) Initiate(ctx context.Context, admin models.Sender, counterpartID string, counterpartMeta models.Profile, body string) (InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.initiate")
	var err error
	defer func() { endSpan(span, err) }()

	if !models.IsAdminRole(admin.Role) {
		err = ErrForbidden
		return InitiateResult{}, err
	}

	seed := func(ctx context.Context, key string) error {
		return s.chatLists.SetCounterpart(ctx, admin.ID, key, counterpartID, counterpartMeta)
	}
	var msg models.Message
	msg, err = s.send(ctx, "initiate", admin, counterpartID, body, seed)
	var partial *PartialSendError
	if err != nil && !errors.As(err, &partial) {
		return InitiateResult{}, err
	}

	key := ""
	if partial != nil {
		key = partial.ConversationKey
	} else {
		key, _ = s.ConversationKey(admin.ID, counterpartID)
	}
	result := InitiateResult{
		ConversationKey: key,
		Message:         msg,
		ChatListEntry: models.ChatListEntry{
			ConversationKey:  key,
			CounterpartID:    counterpartID,
			CounterpartName:  counterpartMeta.Name,
			CounterpartEmail: counterpartMeta.Email,
			LastMessageBody:  msg.Body,
			LastMessageAt:    msg.SentAt,
			LastSenderID:     msg.SenderID,
		},
	}
	if err == nil {
		if stored, ok, getErr := s.chatLists.GetEntry(ctx, admin.ID, key); getErr == nil && ok {
			result.ChatListEntry = stored
		}
	}
	return result, err
}

func (s *Service) send(ctx context.Context, op string, sender models.Sender, receiverID, body string, seed func(context.Context, string) error) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}
	from, err := s.participant(sender.ID, sender.Role)
	if err != nil {
		return models.Message{}, err
	}
	to, err := s.participant(receiverID, "")
	if err != nil {
		return models.Message{}, err
	}
	key, err := conversation.Key(from, to)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := s.messages.Append(ctx, key, models.Message{
		SenderID:    from.ID,
		ReceiverID:  to.ID,
		SenderName:  sender.Name,
		SenderEmail: sender.Email,
		SenderRole:  sender.Role,
		Body:        body,
		SentAt:      s.now().UTC(),
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	observability.IncMessageSent(op)

	if stage, err := s.project(ctx, key, msg, sender, seed); err != nil {
		observability.IncPartialSend(string(stage))
		s.logger.Error("partial send", "op", op, "conversation_key", key, "message_id", msg.ID, "stage", stage, "error", err)
		_ = observability.PublishChatEvent(ctx, observability.RoutePartialSend, "partial_send", map[string]interface{}{
			"conversation_key": key,
			"message_id":       msg.ID,
			"stage":            string(stage),
		})
		return msg, &PartialSendError{ConversationKey: key, MessageID: msg.ID, Stage: stage, Err: err}
	}

	s.logger.Debug("message sent", "op", op, "conversation_key", key, "message_id", msg.ID)
	if err := observability.PublishChatEvent(ctx, observability.RouteMessageSent, "message_sent", map[string]interface{}{
		"op":               op,
		"conversation_key": key,
		"message_id":       msg.ID,
		"sender_id":        msg.SenderID,
		"receiver_id":      msg.ReceiverID,
	}); err != nil {
		s.logger.Warn("publish message_sent", "error", err)
	}
	return msg, nil
}

// project writes everything derived from msg. It stops at the first failure.
func (s *Service) project(ctx context.Context, key string, msg models.Message, sender models.Sender, seed func(context.Context, string) error) (Stage, error) {
	if err := s.conversations.RecordMessage(ctx, key, msg); err != nil {
		return StageMetadata, err
	}

	err := s.chatLists.RecordSent(ctx, msg.SenderID, repositories.Preview{
		ConversationKey: key,
		CounterpartID:   msg.ReceiverID,
		Counterpart:     s.profileOf(msg.ReceiverID, models.Profile{}),
		Message:         msg,
	})
	if err != nil {
		return StageSenderChatList, err
	}

	if seed != nil {
		if err := seed(ctx, key); err != nil {
			return StageCounterpartSeed, err
		}
	}

	err = s.chatLists.RecordReceived(ctx, msg.ReceiverID, repositories.Preview{
		ConversationKey: key,
		CounterpartID:   msg.SenderID,
		Counterpart:     s.profileOf(msg.SenderID, sender.Profile()),
		Message:         msg,
	})
	if err != nil {
		return StageReceiverChatList, err
	}
	return "", nil
}
