package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenInputExpander/internal/api/websocket"
	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/device
func (s *Server) getDevice(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device":    s.device.Info(),
		"registers": s.device.Snapshot(),
	})
}

// PUT /api/v1/device/visual
func (s *Server) setVisual(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	s.device.SetVisualEnabled(*req.Enabled)
	info := s.device.Info()

	s.logger.Info("Visualization changed",
		zap.Bool("enabled", info.VisualEnabled),
		zap.String("by", auth.Subject(c)))
	s.wsHub.Broadcast(websocket.NewDeviceStateMessage(info.State, info.VisualEnabled))

	c.JSON(http.StatusOK, info)
}

// PUT /api/v1/device/events
func (s *Server) setEvents(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	s.events.SetEnabled(*req.Enabled)

	s.logger.Info("Events toggled",
		zap.Bool("enabled", *req.Enabled),
		zap.String("by", auth.Subject(c)))

	c.JSON(http.StatusOK, s.events.Stats())
}

// POST /api/v1/device/reset
func (s *Server) resetRegisters(c *gin.Context) {
	s.device.ResetRegisters()
	s.device.RegistersReinitialized()

	s.logger.Info("Registers reset", zap.String("by", auth.Subject(c)))

	c.JSON(http.StatusOK, gin.H{
		"message":   "Registers reset to defaults",
		"registers": s.device.Snapshot(),
	})
}
