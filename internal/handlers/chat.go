package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dm-service/internal/conversation"
	"dm-service/internal/identity"
	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

// Messenger is the part of the messaging service the HTTP commands use.
type Messenger interface {
	Send(ctx context.Context, sender models.Sender, receiverID, body string) (models.Message, error)
	Initiate(ctx context.Context, admin models.Sender, counterpartID string, meta models.Profile, body string) (messaging.InitiateResult, error)
	MarkAsRead(ctx context.Context, ownerID, key string) (int, error)
	Repair(ctx context.Context, key string) error
	SupportAlias() string
}

// RepairQueue defers repairs to the reconciliation worker.
type RepairQueue interface {
	EnqueueRepair(ctx context.Context, key string) (string, error)
}

// ChatHandler serves the direct-messaging commands. Observation happens over websockets.
type ChatHandler struct {
	messenger Messenger
	repairs   RepairQueue
	audit     *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. repairs may be nil, in which case repairs run inline.
func NewChatHandler(messenger Messenger, repairs RepairQueue, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{messenger: messenger, repairs: repairs, audit: audit}
}

// PostChatMessage sends a message to the counterpart named in the path.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := ident.Sender(h.messenger.SupportAlias())
	msg, err := h.messenger.Send(c.Request.Context(), sender, c.Param("counterpart_id"), req.Body)
	if err != nil {
		h.writeSendError(c, err)
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.LevelInfo, "message sent", requestIDFromContext(c), userIDFromContext(c), telemetry.Subject{MessageID: msg.ID})
	c.JSON(http.StatusCreated, msg)
}

// InitiateChat lets an admin open a conversation with a user who has never written to them.
func (h *ChatHandler) InitiateChat(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	var req struct {
		CounterpartID    string `json:"counterpart_id" binding:"required"`
		CounterpartName  string `json:"counterpart_name"`
		CounterpartEmail string `json:"counterpart_email"`
		Body             string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admin := ident.Sender(h.messenger.SupportAlias())
	meta := models.Profile{Name: req.CounterpartName, Email: req.CounterpartEmail}
	res, err := h.messenger.Initiate(c.Request.Context(), admin, req.CounterpartID, meta, req.Body)
	if err != nil {
		h.writeSendError(c, err)
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.LevelInfo, "conversation initiated", requestIDFromContext(c), userIDFromContext(c), telemetry.Subject{
		ConversationKey: res.ConversationKey,
		MessageID:       res.Message.ID,
	})
	c.JSON(http.StatusCreated, res)
}

// MarkConversationRead marks everything addressed to the caller in a conversation as read.
func (h *ChatHandler) MarkConversationRead(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	key := c.Param("conversation_key")
	owner := ident.ParticipantID(h.messenger.SupportAlias())
	n, err := h.messenger.MarkAsRead(c.Request.Context(), owner, key)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidIdentity) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark conversation read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_key": key, "marked": n})
}

// RepairConversation rebuilds the summary and chat-list rows of a conversation from its log.
func (h *ChatHandler) RepairConversation(c *gin.Context) {
	ident, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	key := c.Param("conversation_key")
	if !h.mayRepair(ident, key) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	if h.repairs != nil {
		taskID, err := h.repairs.EnqueueRepair(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to schedule repair"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"conversation_key": key, "task_id": taskID})
		return
	}

	err := h.messenger.Repair(c.Request.Context(), key)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	case errors.Is(err, conversation.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation key"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "repair failed"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.LevelInfo, "conversation repaired", requestIDFromContext(c), userIDFromContext(c), telemetry.Subject{ConversationKey: key})
	c.JSON(http.StatusOK, gin.H{"conversation_key": key, "status": "repaired"})
}

func (h *ChatHandler) mayRepair(ident identity.Identity, key string) bool {
	if models.IsAdminRole(ident.Role) {
		return true
	}
	_, err := conversation.Counterpart(key, ident.ParticipantID(h.messenger.SupportAlias()))
	return err == nil
}

func (h *ChatHandler) writeSendError(c *gin.Context, err error) {
	var partial *messaging.PartialSendError
	switch {
	case errors.As(err, &partial):
		h.audit.Emit(c.Request.Context(), telemetry.LevelWarn, "message stored, conversation state stale at "+string(partial.Stage), requestIDFromContext(c), userIDFromContext(c), telemetry.Subject{
			ConversationKey: partial.ConversationKey,
			MessageID:       partial.MessageID,
		})
		c.JSON(http.StatusBadGateway, gin.H{
			"error":            "message stored but conversation state is stale; repair instead of resending",
			"partial":          true,
			"conversation_key": partial.ConversationKey,
			"message_id":       partial.MessageID,
			"stage":            partial.Stage,
		})
	case errors.Is(err, conversation.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant"})
	case errors.Is(err, messaging.ErrEmptyBody):
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.ToLower(err.Error())})
	case errors.Is(err, messaging.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "only admins can initiate conversations"})
	default:
		h.audit.Emit(c.Request.Context(), telemetry.LevelError, "message not sent: "+err.Error(), requestIDFromContext(c), userIDFromContext(c), telemetry.Subject{})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message not sent"})
	}
}
