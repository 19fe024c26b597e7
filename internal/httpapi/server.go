// Package httpapi serves the admin and operations HTTP API: direct signal
// submission for collectors that have no broker access, registry lookups,
// dead-letter review and requeue, the operator queue, pipeline stats for
// the watch dashboard, and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// Intake is the pipeline surface the API needs: signal hand-off and the
// live activity counters. *pipeline.Pipeline satisfies it.
type Intake interface {
	Handle(ctx context.Context, msg ingest.Message) error
	Snapshot() pipeline.Snapshot
}

// StatsSource reads the durable rollup counters. *store.Store satisfies it.
type StatsSource interface {
	CollectStats(ctx context.Context) (*store.Stats, error)
}

// Server provides the admin HTTP endpoints.
type Server struct {
	echo        *echo.Echo
	intake      Intake
	registry    registry.Service
	deadletters deadletter.Service
	stats       StatsSource
	logger      *zap.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the admin API server and registers its routes.
func NewServer(intake Intake, reg registry.Service, dlq deadletter.Service, stats StatsSource, logger *zap.Logger, cfg *Config) (*Server, error) {
	if intake == nil {
		return nil, fmt.Errorf("intake pipeline cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if dlq == nil {
		return nil, fmt.Errorf("dead-letter service cannot be nil")
	}
	if stats == nil {
		return nil, fmt.Errorf("stats source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:        e,
		intake:      intake,
		registry:    reg,
		deadletters: dlq,
		stats:       stats,
		logger:      logger,
		config:      cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and Prometheus scrape
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/signals", s.handleSubmitSignal)
	v1.GET("/entities", s.handleSearchEntities)
	v1.GET("/entities/:id", s.handleGetEntity)
	v1.POST("/entities/:id/deactivate", s.handleDeactivateEntity)
	v1.GET("/deadletters", s.handleListDeadLetters)
	v1.POST("/deadletters/:id/requeue", s.handleRequeueDeadLetter)
	v1.GET("/operator/queue", s.handleOperatorQueue)
	v1.POST("/operator/queue/:id/resolve", s.handleResolveOperatorItem)
	v1.GET("/stats", s.handleStats)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
