package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-chat/realtime/module/chat/presence"
)

// NewRouter wires the gateway's HTTP surface: the websocket endpoint and
// the batch presence query used by list-rendering callers.
func NewRouter(s *Server, tracker *presence.Tracker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/presence/batch", func(c *gin.Context) {
		var req struct {
			UserIDs []int64 `json:"user_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		statuses, err := tracker.BatchIsOnline(c.Request.Context(), req.UserIDs)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"statuses": statuses})
	})

	return r
}
