// Package httpapi provides the HTTP API for alignd.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/kernel"
	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/patch"
)

// Server provides HTTP endpoints for alignd.
type Server struct {
	echo   *echo.Echo
	kernel *kernel.Kernel
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(k *kernel.Kernel, logger *zap.Logger, cfg *Config) (*Server, error) {
	if k == nil {
		return nil, fmt.Errorf("kernel cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9470,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
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
		kernel: k,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/evaluate", s.handleEvaluate)
	v1.POST("/nudges/:id/result", s.handleNudgeResult)
	v1.POST("/inject", s.handleInject)
	v1.GET("/stats", s.handleStats)
	v1.GET("/patches", s.handlePatches)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.kernel.Store().Verify(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status: "degraded",
			Error:  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleEvaluate classifies a finished agent turn.
func (s *Server) handleEvaluate(c echo.Context) error {
	var req kernel.EvalRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid evaluate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" || req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and prompt are required")
	}

	result, err := s.kernel.Evaluate(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("evaluation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "evaluation failed")
	}
	return c.JSON(http.StatusOK, result)
}

// NudgeResultRequest is the request body for POST /api/v1/nudges/:id/result.
type NudgeResultRequest struct {
	Response  string                        `json:"response"`
	Telemetry []outcome.ToolExecutionRecord `json:"telemetry,omitempty"`
}

// handleNudgeResult settles a retry nudge.
func (s *Server) handleNudgeResult(c echo.Context) error {
	var req NudgeResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.kernel.NudgeResult(c.Request().Context(), c.Param("id"), req.Response, req.Telemetry)
	if err != nil {
		s.logger.Warn("nudge result rejected",
			zap.String("nudge_id", c.Param("id")),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusNotFound, "unknown or settled nudge")
	}
	return c.JSON(http.StatusOK, result)
}

// InjectRequest is the request body for POST /api/v1/inject.
type InjectRequest struct {
	AgentID string `json:"agent_id"`
	Prompt  string `json:"prompt"`
}

// InjectResponse is the response body for POST /api/v1/inject.
type InjectResponse struct {
	Patches []*patch.Patch `json:"patches"`
}

// handleInject returns the patches to prepend to the next turn.
func (s *Server) handleInject(c echo.Context) error {
	var req InjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	patches, err := s.kernel.Inject(c.Request().Context(), req.AgentID, req.Prompt)
	if err != nil {
		s.logger.Error("injection failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "injection failed")
	}
	return c.JSON(http.StatusOK, InjectResponse{Patches: patches})
}

// handleStats returns the competence summary.
func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.kernel.Stats())
}

// PatchesResponse is the response body for GET /api/v1/patches.
type PatchesResponse struct {
	Tier    string         `json:"tier"`
	Patches []*patch.Patch `json:"patches"`
}

// handlePatches lists patches in one tier. Defaults to the kernel tier.
func (s *Server) handlePatches(c echo.Context) error {
	tier := c.QueryParam("tier")
	if tier == "" {
		tier = string(patch.TierKernel)
	}
	if !patch.ValidTier(tier) {
		return echo.NewHTTPError(http.StatusBadRequest, "tier must be kernel, cache, or archive")
	}

	return c.JSON(http.StatusOK, PatchesResponse{
		Tier:    tier,
		Patches: s.kernel.Patches(patch.Tier(tier)),
	})
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
