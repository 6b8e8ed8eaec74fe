package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Rizz-Vii/rankpilot-stream/internal/config"
	apperrors "github.com/Rizz-Vii/rankpilot-stream/internal/errors"
	"github.com/Rizz-Vii/rankpilot-stream/internal/stream"
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	dispatcher  *stream.Dispatcher
	clock       clockwork.Clock
	globalLimit *GlobalConnectionLimiter
	ipLimit     *IPConnectionLimiter
	rateLimit   *ConnectionRateLimiter
	startTime   time.Time
}

func NewServer(cfg *config.Config, dispatcher *stream.Dispatcher, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:        e,
		config:      cfg,
		dispatcher:  dispatcher,
		clock:       clock,
		globalLimit: NewGlobalConnectionLimiter(cfg.MaxConnections),
		ipLimit:     NewIPConnectionLimiter(cfg.MaxConnectionsIP),
		rateLimit:   NewConnectionRateLimiter(cfg.ConnectionRate, cfg.ConnectionBurst, clock),
		startTime:   clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
