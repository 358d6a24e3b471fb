package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"convochat/internal/models"
	"convochat/internal/service/ai"
	"convochat/internal/service/conversation"
	"convochat/internal/worker"
)

// ConversationService is the part of *conversation.Service the handlers use.
type ConversationService interface {
	CreateConversation(ctx context.Context) (int64, error)
	DeleteConversation(ctx context.Context, id int64) error
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
	SendMessage(ctx context.Context, id int64, msg models.Message) (models.Message, error)
}

// Handler wires HTTP routes to the conversation service.
type Handler struct {
	conversations ConversationService
}

// NewHandler constructs a Handler instance.
func NewHandler(service ConversationService) *Handler {
	return &Handler{conversations: service}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	conv := router.Group("/conversations")
	conv.POST("", h.createConversation)
	conv.GET("", h.listConversations)
	conv.GET("/:id", h.getConversation)
	conv.DELETE("/:id", h.deleteConversation)
	conv.POST("/:id/messages", h.sendMessage)
}

// messageRequest accepts any role string; pointers tell a missing field
// apart from an empty one.
type messageRequest struct {
	Role    *string `json:"role" binding:"required"`
	Content *string `json:"content" binding:"required"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createConversation(c *gin.Context) {
	id, err := h.conversations.CreateConversation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := h.conversations.DeleteConversation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := h.conversations.GetConversation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	list, err := h.conversations.ListConversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = make([]*models.Conversation, 0)
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) sendMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid message body: " + err.Error()})
		return
	}
	reply, err := h.conversations.SendMessage(c.Request.Context(), id, models.Message{
		Role:    models.Role(*req.Role),
		Content: *req.Content,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "conversation id must be an integer"})
		return 0, false
	}
	return id, true
}

// writeError maps service errors to status codes and the {"detail": ...} body.
func writeError(c *gin.Context, err error) {
	var upErr *ai.UpstreamError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "server is busy, please retry"})
	case errors.As(err, &upErr):
		c.JSON(http.StatusInternalServerError, gin.H{"detail": upErr.Detail})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
	}
}
