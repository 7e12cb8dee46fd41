// Package api exposes the run lifecycle over HTTP: REST endpoints for
// creating and inspecting runs, SSE and WebSocket transports for live
// step streams.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/runloom/runloom/internal/metrics"
	"github.com/runloom/runloom/pkg/engine"
	"github.com/runloom/runloom/pkg/store"
	"github.com/runloom/runloom/pkg/stream"
	"github.com/runloom/runloom/pkg/tool"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Config holds server wiring
type Config struct {
	Addr      string
	Store     store.Store
	Engine    *engine.Engine
	Streamer  *stream.Streamer
	Registry  *tool.Registry
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Heartbeat time.Duration
}

// Server is the HTTP front of the engine
type Server struct {
	echo      *echo.Echo
	addr      string
	store     store.Store
	engine    *engine.Engine
	streamer  *stream.Streamer
	registry  *tool.Registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	heartbeat time.Duration
}

func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	s := &Server{
		echo:      e,
		addr:      cfg.Addr,
		store:     cfg.Store,
		engine:    cfg.Engine,
		streamer:  cfg.Streamer,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "api").Logger(),
		heartbeat: heartbeat,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.POST("/v1/runs", s.createRun)
	s.echo.GET("/v1/runs", s.listRuns)
	s.echo.GET("/v1/runs/:id", s.getRun)
	s.echo.POST("/v1/runs/:id/cancel", s.cancelRun)
	s.echo.GET("/v1/runs/:id/events", s.streamEvents)
	s.echo.GET("/v1/runs/:id/ws", s.streamWebSocket)

	s.echo.GET("/v1/tools", s.listTools)

	s.echo.GET("/healthz", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

// Start blocks serving HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	err := s.echo.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}
