package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/models"
	"chat-core/internal/telemetry"
)

// RoomInspector exposes read-only registry state.
type RoomInspector interface {
	RoomCount() int
	Members(room models.RoomID) []string
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, rooms RoomInspector, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.RoomCount()})
	})

	router.GET("/debug/rooms/:room_id/members", func(c *gin.Context) {
		roomID, ok := parseIDParam(c, "room_id")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": rooms.Members(models.CommunityRoom(roomID))})
	})

	router.GET("/debug/users/:user_id/sessions", func(c *gin.Context) {
		userID, ok := parseIDParam(c, "user_id")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": rooms.Members(models.PersonalRoom(userID))})
	})
}
