package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Stream endpoints
	s.echo.GET("/v1/stream/ws", s.handleStreamWS)
	s.echo.GET("/v1/stream/sse", s.handleStreamSSE)

	// Producer endpoint: any upstream component can push data points
	s.echo.POST("/v1/stream/publish", s.handlePublish)
}
