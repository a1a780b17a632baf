package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/shellhost/internal/metrics"
	"github.com/remote-agent-terminal/shellhost/internal/ws"
)

// EventsHandler serves the websocket event bus.
type EventsHandler struct {
	bus *ws.Bus
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(bus *ws.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// Connect handles GET /api/events - upgrades to the event bus.
func (h *EventsHandler) Connect(c *gin.Context) {
	if err := h.bus.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already replied.
		c.Error(err)
	}
}

// RegisterRoutes registers the event bus route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Connect)
}

// RegisterSystemRoutes registers /health and /metrics on the engine.
func RegisterSystemRoutes(r *gin.Engine, shells ShellService, m *metrics.Metrics) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"shells": len(shells.List()),
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
}
