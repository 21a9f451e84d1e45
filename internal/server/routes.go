package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Client WebSocket endpoint
	s.echo.GET("/ws", s.handleWebSocket)

	// Event ingress for the business layer (trusted network only)
	s.echo.POST("/internal/events", s.handlePublish)
}
