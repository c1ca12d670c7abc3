// Package http builds the echo server exposing the request/response API,
// the duplex WebSocket endpoint, health and metrics.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/metrics"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/service"
	v1 "github.com/kllilizxc/GameMakerAgent-sub000/internal/transport/http/v1"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/ws"
)

// NewServer creates and configures the public HTTP server.
func NewServer(svc *service.Service, h *hub.Hub, wsServer *ws.Server, m *metrics.Metrics, streamBuffer int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1Handler := v1.NewHandler(svc, h, streamBuffer)
	v1Handler.RegisterRoutes(e)

	e.GET("/ws", wsServer.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return e
}
