// Package httpapi provides the HTTP API for opspilot: session retrieval
// and sharing, health, and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/tools"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Version is stamped on response metadata.
	Version string

	// VisualizationBase, when set, is prepended to session IDs to form
	// visualizationUrl values.
	VisualizationBase string
}

// Server provides HTTP endpoints for opspilot.
type Server struct {
	echo   *echo.Echo
	store  session.Store
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(store session.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
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

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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
		echo:   e,
		store:  store,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying echo instance for route additions and tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleGetSession serves the shared representation of one session.
func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")

	sess, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, tools.TransportError(
				tools.CodeValidationError,
				fmt.Sprintf("no session exists with id %q", id),
				s.config.Version,
			))
		}
		s.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, tools.TransportError(
			tools.CodeInternalError, "session lookup failed", s.config.Version))
	}

	view := tools.NewSessionView(sess, s.config.VisualizationBase)
	return c.JSON(http.StatusOK, tools.OK(view, s.config.Version))
}

// SessionListResponse is the result payload for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []tools.SessionView `json:"sessions"`
	Count    int                 `json:"count"`
}

// handleListSessions lists sessions, optionally filtered by tool and
// status query parameters.
func (s *Server) handleListSessions(c echo.Context) error {
	filter := session.ListFilter{
		ToolName: c.QueryParam("tool"),
		Status:   session.Status(c.QueryParam("status")),
	}

	sessions, err := s.store.List(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error("session list failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, tools.TransportError(
			tools.CodeInternalError, "session list failed", s.config.Version))
	}

	views := make([]tools.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, tools.NewSessionView(sess, s.config.VisualizationBase))
	}
	return c.JSON(http.StatusOK, tools.OK(SessionListResponse{
		Sessions: views,
		Count:    len(views),
	}, s.config.Version))
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
