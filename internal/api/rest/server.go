package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/api/websocket"
	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/storage"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Device is the part of the input expander the REST API drives.
type Device interface {
	Read(address uint8, t types.PayloadType) ([]byte, error)
	Write(address uint8, t types.PayloadType, payload []byte, elements int) error
	Snapshot() registers.Values
	Info() types.DeviceInfo
	SetVisualEnabled(on bool)
	ResetRegisters()
	RegistersReinitialized()
}

// EventControl reports event delivery counters and mutes events that are
// not flagged always-send.
type EventControl interface {
	Stats() events.Stats
	SetEnabled(enabled bool)
}

// StreamStats reports the subscribers of the gRPC and host link event
// stream.
type StreamStats interface {
	SubscriberCount() int
	Dropped() uint64
}

// SystemStatusProvider reports the runtime state of the whole service.
type SystemStatusProvider interface {
	Status() interface{}
}

// History returns journaled events of one register.
type History interface {
	RecentEvents(ctx context.Context, address uint8, limit int) ([]storage.EventRecord, error)
}

type Server struct {
	router      *gin.Engine
	device      Device
	events      EventControl
	stream      StreamStats
	system      SystemStatusProvider
	history     History
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
	validator   *WriteValidator
}

func NewServer(cfg *config.Config, device Device, control EventControl, wsHub *websocket.Hub, authService *auth.Service, logger *zap.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	validator, err := NewWriteValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:      gin.New(),
		device:      device,
		events:      control,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		validator:   validator,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// SetSystem enables GET /api/v1/system/status.
func (s *Server) SetSystem(system SystemStatusProvider) {
	s.system = system
}

// SetStreamStats adds the event stream counters to GET /api/v1/events/stats.
func (s *Server) SetStreamStats(stream StreamStats) {
	s.stream = stream
}

// SetHistory enables GET /api/v1/registers/:address/history.
func (s *Server) SetHistory(history History) {
	s.history = history
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== DEVICE ====================
		v1.GET("/device", s.getDevice)

		device := v1.Group("/device")
		device.Use(s.authService.AuthMiddleware())
		device.Use(auth.RequirePermission(auth.PermAdmin))
		{
			device.PUT("/visual", s.setVisual)
			device.POST("/reset", s.resetRegisters)
			device.PUT("/events", s.setEvents)
		}

		// ==================== REGISTERS ====================
		v1.GET("/registers", s.listRegisters)
		v1.GET("/registers/:address", s.readRegister)
		v1.GET("/registers/:address/history", s.registerHistory)
		v1.POST("/registers/:address",
			s.authService.AuthMiddleware(),
			auth.RequirePermission(auth.PermWrite),
			s.writeRegister)

		// ==================== EVENTS ====================
		v1.GET("/events/stats", s.eventStats)

		// ==================== SYSTEM ====================
		v1.GET("/system/status", s.systemStatus)

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.ClientCount(),
	})
}
