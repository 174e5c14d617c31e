// Package http provides the pulsed HTTP API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
	"github.com/fyrsmithlabs/pulsed/internal/query"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
)

// Ingestor accepts client writes.
type Ingestor interface {
	StoreEvent(ctx context.Context, req ingest.StoreEventRequest) (*ingest.StoreEventResponse, error)
	SyncSession(ctx context.Context, req ingest.SyncRequest) (*sessions.SyncResult, error)
	LeaveSession(ctx context.Context, sessionID, clientID string) error
}

// Querier answers reads over stored events.
type Querier interface {
	GetWindow(ctx context.Context, sessionID string, windowMinutes int) (*query.Window, error)
	GetFlowState(ctx context.Context, sessionID string) (*query.FlowResult, error)
	GetStuckSignal(ctx context.Context, sessionID string) (*query.StuckResult, error)
	GetEnergy(ctx context.Context, sessionID string) (*query.EnergyResult, error)
	GetBreakSuggestion(ctx context.Context, sessionID string) (*query.BreakResult, error)
	Wipe(ctx context.Context, sessionID string, confirm bool) (int, error)
}

// StatusReader reports which client is active for a session.
type StatusReader interface {
	Status(ctx context.Context, sessionID string) (*sessions.SessionStatus, error)
}

// Server provides HTTP endpoints for pulsed.
type Server struct {
	echo     *echo.Echo
	ingest   Ingestor
	query    Querier
	registry StatusReader
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// BodyLimit caps request bodies, in echo's size notation ("1M").
	BodyLimit string
}

// NewServer creates a new HTTP server.
func NewServer(ing Ingestor, q Querier, registry StatusReader, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ing == nil {
		return nil, fmt.Errorf("ingest gateway cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("query service cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		ingest:   ing,
		query:    q,
		registry: registry,
		logger:   logger,
		config:   cfg,
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.requestLogger())
	e.Use(newRequestMetrics(otel.Meter(httpInstrumentationName), logger).middleware())

	s.registerRoutes()

	return s, nil
}

// requestLogger logs every request and carries its ID into the request
// context for downstream log correlation.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			if requestID != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))
			}

			err := next(c)
			if err != nil {
				// Resolve the status before logging it.
				c.Error(err)
			}

			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleStoreEvent)
	v1.POST("/sessions/sync", s.handleSync)
	v1.DELETE("/sessions/sync", s.handleLeave)

	sess := v1.Group("/sessions/:session_id")
	sess.GET("/status", s.handleStatus)
	sess.GET("/events", s.handleWindow)
	sess.DELETE("/events", s.handleWipe)
	sess.GET("/flow", s.handleFlow)
	sess.GET("/stuck", s.handleStuck)
	sess.GET("/energy", s.handleEnergy)
	sess.GET("/break", s.handleBreak)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
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
