package messaging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"dm-service/internal/conversation"
	"dm-service/internal/observability"
)

// MarkAsRead flips every unread message addressed to ownerID in key and zeroes the owner's
// counter. The counter reset is unconditional, which heals any drift. It returns the number
// of messages flipped.
func (s *Service) MarkAsRead(ctx context.Context, ownerID, key string) (n int, err error) {
	ctx, span := s.tracer.Start(ctx, "messaging.mark_as_read")
	defer func() {
		span.SetAttributes(attribute.Int("messages.flipped", n))
		endSpan(span, err)
	}()

	if _, err = conversation.Counterpart(key, ownerID); err != nil {
		return 0, err
	}

	n, err = s.messages.MarkRead(ctx, key, ownerID)
	if err != nil {
		return n, fmt.Errorf("mark messages read: %w", err)
	}
	if err = s.chatLists.ResetUnread(ctx, ownerID, key); err != nil {
		return n, err
	}

	observability.ObserveRead(n)
	if n > 0 {
		_ = observability.PublishChatEvent(ctx, observability.RouteRead, "read", map[string]interface{}{
			"conversation_key": key,
			"owner_id":         ownerID,
			"flipped":          n,
		})
	}
	return n, nil
}
