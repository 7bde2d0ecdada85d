package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/store"
)

// ChatListFeed is what the inbox socket needs from the messaging service.
type ChatListFeed interface {
	SubscribeChatList(ctx context.Context, ownerID string, onChange func([]models.ChatListEntry)) (store.CancelFunc, error)
	SupportAlias() string
}

// ChatListWebSocketHandler streams a user's inbox and unread badge.
type ChatListWebSocketHandler struct {
	hub    *Hub
	feed   ChatListFeed
	logger *slog.Logger
}

// NewChatListWebSocketHandler constructs a ChatListWebSocketHandler.
func NewChatListWebSocketHandler(hub *Hub, feed ChatListFeed, logger *slog.Logger) *ChatListWebSocketHandler {
	return &ChatListWebSocketHandler{hub: hub, feed: feed, logger: logger.With("component", "ws.chat_list")}
}

// Handle upgrades the connection and pushes the full chat list on every change.
func (h *ChatListWebSocketHandler) Handle(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	owner := ident.ParticipantID(h.feed.SupportAlias())
	info := ConnInfo{Kind: kindChatList, Room: chatListRoom(owner), UserID: ident.UserID, ParticipantID: owner}
	subscribe := func(ctx context.Context, s *session) (store.CancelFunc, error) {
		return h.feed.SubscribeChatList(ctx, owner, func(entries []models.ChatListEntry) {
			event := models.ChatListEvent{Type: "chat_list", Entries: entries, TotalUnread: messaging.TotalUnread(entries)}
			if err := s.write(event); err != nil {
				s.fail(err)
			}
		})
	}
	serve(c, h.hub, h.logger, info, subscribe, nil)
}
