package handlers

import (
	"context"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/service"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the health probe, crossing status and the live status-event stream.
type Handler struct {
	tokens     *service.TokenService
	monitoring *service.MonitoringService
	db         Pinger
	bus        bus.Bus
	log        *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, db Pinger, b bus.Bus, log *logger.Logger) *Handler {
	h := &Handler{db: db, bus: b, log: log}
	if services != nil {
		h.tokens = services.Tokens
		h.monitoring = services.Monitoring
	}
	return h
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.health)

	// Status events, upgraded to a WebSocket on the same port
	router.GET("/ws", h.tokenMiddleware, h.wsConnect)

	api := router.Group("/api/v1", h.tokenMiddleware)
	{
		api.GET("/hri/:id", h.getStatus)
	}

	return router
}
