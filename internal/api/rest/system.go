package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	info := s.device.Info()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"device_state": info.State,
		"timestamp":    time.Now().Unix(),
	})
}

// GET /api/v1/events/stats
func (s *Server) eventStats(c *gin.Context) {
	resp := gin.H{
		"events":            s.events.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
		"websocket_dropped": s.wsHub.Dropped(),
	}
	if s.stream != nil {
		resp["stream_subscribers"] = s.stream.SubscriberCount()
		resp["stream_dropped"] = s.stream.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/system/status
func (s *Server) systemStatus(c *gin.Context) {
	if s.system == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SYSTEM_503", "System status not available", nil))
		return
	}
	c.JSON(http.StatusOK, s.system.Status())
}
