package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Rizz-Vii/rankpilot-stream/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	// The dispatcher is the only dependency; a command round trip proves the
	// actor is responsive.
	if s.dispatcher.ClientCount() < 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "dispatcher",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": s.globalLimit.Current(),
		"capacity":    s.globalLimit.Max(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
