// Package v1 provides the request/response API for clients without a
// duplex connection.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service      *service.Service
	hub          *hub.Hub
	streamBuffer int
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, h *hub.Hub, streamBuffer int) *Handler {
	return &Handler{
		service:      service,
		hub:          h,
		streamBuffer: streamBuffer,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)
	e.GET("/v1/sessions/:session_id/snapshot", h.GetSnapshot)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.POST("/v1/sessions/:session_id/runs", h.StartRun)
	e.POST("/v1/sessions/:session_id/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/sessions/:session_id/rewind", h.Rewind)
	e.POST("/v1/sessions/:session_id/ack", h.Ack)
	e.POST("/v1/sessions/:session_id/files", h.PushFiles)

	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	connections := 0
	if h.hub != nil {
		connections = h.hub.GetConnectionCount()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"sessions":    h.service.SessionCount(),
		"connections": connections,
	})
}

// fail writes err with the status and code its kind maps to.
func fail(c echo.Context, err error) error {
	return c.JSON(protocol.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"code":  protocol.ErrorCode(err),
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": msg,
		"code":  protocol.ErrorCodeInvalidMessage,
	})
}
