package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// HistoryHandler serves persisted messages for catch-up on room open.
type HistoryHandler struct {
	messages    repositories.MessageRepository
	users       repositories.UserRepository
	pageSize    int
	maxPageSize int
}

// NewHistoryHandler builds a HistoryHandler. pageSize applies when the
// request carries no limit; limits above maxPageSize are clamped.
func NewHistoryHandler(messages repositories.MessageRepository, users repositories.UserRepository, pageSize, maxPageSize int) *HistoryHandler {
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &HistoryHandler{
		messages:    messages,
		users:       users,
		pageSize:    pageSize,
		maxPageSize: maxPageSize,
	}
}

// GetRoomMessages returns a page of a community room's history.
func (h *HistoryHandler) GetRoomMessages(c *gin.Context) {
	roomID, ok := parseIDParam(c, "room_id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	cursor, limit, ok := h.page(c)
	if !ok {
		return
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), roomID, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	h.respond(c, msgs, limit)
}

// GetDirectMessages returns a page of the conversation between the
// authenticated user and :user_id.
func (h *HistoryHandler) GetDirectMessages(c *gin.Context) {
	me := userIDFromContext(c)
	if me == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	otherID, ok := parseIDParam(c, "user_id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	cursor, limit, ok := h.page(c)
	if !ok {
		return
	}

	msgs, err := h.messages.ListDirectMessages(c.Request.Context(), *me, otherID, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	h.respond(c, msgs, limit)
}

// GetMessage returns one message, e.g. when opening a push notification.
// Direct messages are only visible to their two participants.
func (h *HistoryHandler) GetMessage(c *gin.Context) {
	me := userIDFromContext(c)
	if me == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	messageID, ok := parseIDParam(c, "message_id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	msg, err := h.messages.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "message not found"})
		return
	}
	if msg.Kind == models.KindDirect && msg.SenderID != *me && (msg.ReceiverID == nil || *msg.ReceiverID != *me) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	if u, err := h.users.GetUser(c.Request.Context(), msg.SenderID); err == nil {
		msg = msg.WithSender(u)
	}
	c.JSON(http.StatusOK, msg)
}

// page reads the cursor (position of the last message seen, exclusive) and
// limit.
func (h *HistoryHandler) page(c *gin.Context) (models.HistoryCursor, int, bool) {
	cursor, err := models.ParseHistoryCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return models.HistoryCursor{}, 0, false
	}

	limit := h.pageSize
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return models.HistoryCursor{}, 0, false
		}
		limit = min(parsed, h.maxPageSize)
	}
	return cursor, limit, true
}

func (h *HistoryHandler) respond(c *gin.Context, msgs []models.Message, limit int) {
	page := models.MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextCursor = models.CursorAfter(page.Messages[limit-1]).String()
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}

	senderIDs := make([]int64, 0, len(page.Messages))
	seen := map[int64]struct{}{}
	for _, m := range page.Messages {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}
	if len(senderIDs) > 0 {
		users, err := h.users.BulkUsers(c.Request.Context(), senderIDs)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load senders"})
			return
		}
		byID := make(map[int64]models.User, len(users))
		for _, u := range users {
			byID[u.ID] = u
		}
		for i, m := range page.Messages {
			if u, ok := byID[m.SenderID]; ok {
				page.Messages[i] = m.WithSender(u)
			}
		}
	}

	c.JSON(http.StatusOK, page)
}
