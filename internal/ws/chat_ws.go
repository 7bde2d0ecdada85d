package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/store"
)

// MessageFeed is what the conversation socket needs from the messaging service.
type MessageFeed interface {
	SubscribeMessages(ctx context.Context, ownerID, counterpartID string, onChange func([]models.Message)) (store.CancelFunc, error)
	MarkAsRead(ctx context.Context, ownerID, key string) (int, error)
	ConversationKey(a, b string) (string, error)
	SupportAlias() string
}

// ChatWebSocketHandler streams one conversation to a participant.
type ChatWebSocketHandler struct {
	hub    *Hub
	feed   MessageFeed
	logger *slog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, feed MessageFeed, logger *slog.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{hub: hub, feed: feed, logger: logger.With("component", "ws.chat")}
}

// Handle upgrades the connection and pushes the full message list on every change.
// A {"type":"read"} frame marks the conversation read for the caller.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	owner := ident.ParticipantID(h.feed.SupportAlias())
	counterpart := c.Param("counterpart_id")
	key, err := h.feed.ConversationKey(owner, counterpart)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart"})
		return
	}

	info := ConnInfo{Kind: kindChat, Room: chatRoom(key), UserID: ident.UserID, ParticipantID: owner}
	subscribe := func(ctx context.Context, s *session) (store.CancelFunc, error) {
		return h.feed.SubscribeMessages(ctx, owner, counterpart, func(msgs []models.Message) {
			if err := s.write(models.MessagesEvent{Type: "messages", ConversationKey: key, Messages: msgs}); err != nil {
				s.fail(err)
			}
		})
	}
	onFrame := func(ctx context.Context, frame clientFrame) {
		if frame.Type != "read" {
			return
		}
		if _, err := h.feed.MarkAsRead(ctx, owner, key); err != nil {
			h.logger.Warn("mark as read from socket failed", "conversation_key", key, "error", err)
		}
	}
	serve(c, h.hub, h.logger, info, subscribe, onFrame)
}
