// Package server exposes the HTTP surface: the WebSocket endpoint clients
// connect to, plus health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmdorta1111/AirTable-sub004/internal/config"
	"github.com/dmdorta1111/AirTable-sub004/internal/fanout"
	"github.com/dmdorta1111/AirTable-sub004/internal/registry"
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	registry    *registry.Registry
	publisher   *fanout.Publisher
	redisClient *goredis.Client
}

func NewServer(cfg *config.Config, reg *registry.Registry, publisher *fanout.Publisher, redisClient *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		registry:    reg,
		publisher:   publisher,
		redisClient: redisClient,
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
