// Package http provides the HTTP API for chatd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatd/internal/conversation"
	"github.com/fyrsmithlabs/chatd/internal/store"
)

// welcomeMessage is the canned copy the chat client shows before the
// first exchange.
const welcomeMessage = `👋 **Hi! I'm your AI chat assistant**

**I can help you:**
• Answer all kinds of questions
• Offer suggestions and ideas
• Have a friendly conversation

**Tell me what you need, I'm happy to help!** 😊`

// Server provides HTTP endpoints for chatd.
type Server struct {
	echo    *echo.Echo
	service conversation.Service
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates an HTTP server. registry may be nil, in which
// case /metrics serves an empty page.
func NewServer(svc conversation.Service, registry *prometheus.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("conversation service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 5000,
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
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		service: svc,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes(registry)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/health", s.handleHealth)

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := s.echo.Group("/api")
	api.GET("/welcome", s.handleWelcome)
	api.POST("/chat/stream", s.handleChatStream)
	api.POST("/thread/:thread_id/init", s.handleInitThread)
	api.GET("/thread/:thread_id/messages", s.handleHistory)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleWelcome returns the static welcome copy.
func (s *Server) handleWelcome(c echo.Context) error {
	return c.JSON(http.StatusOK, WelcomeResponse{
		Success: true,
		Message: welcomeMessage,
	})
}

// handleInitThread creates an empty thread checkpoint. Repeated calls
// are acknowledged, not rejected.
func (s *Server) handleInitThread(c echo.Context) error {
	threadID := c.Param("thread_id")

	err := s.service.InitThread(c.Request().Context(), threadID)
	switch {
	case err == nil:
		s.logger.Info("thread initialized", zap.String("thread_id", threadID))
		return c.JSON(http.StatusOK, InitResponse{Success: true, ThreadID: threadID})
	case errors.Is(err, store.ErrThreadExists):
		return c.JSON(http.StatusOK, InitResponse{Success: true, Message: "thread_already_exists"})
	default:
		var vErr *conversation.ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: vErr.Error()})
		}
		s.logger.Error("init thread failed", zap.String("thread_id", threadID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// handleHistory returns the thread's persisted messages.
func (s *Server) handleHistory(c echo.Context) error {
	threadID := c.Param("thread_id")

	messages, err := s.service.History(c.Request().Context(), threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread_not_found"})
		}
		var vErr *conversation.ValidationError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: vErr.Error()})
		}
		s.logger.Error("history lookup failed", zap.String("thread_id", threadID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}

	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, MessageView{Role: string(m.Role), Content: m.Content})
	}
	return c.JSON(http.StatusOK, HistoryResponse{Success: true, Messages: views})
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
