// ============================================================================
// HTTP API Server
// ============================================================================
//
// Package: internal/server
// File: http.go
// Purpose: Gateway-facing HTTP surface of the orchestration service.
//
// Endpoints:
//   POST   /trigger-finetune         admit a fine-tune run (admin only)
//   GET    /runs                     list the caller's runs
//   GET    /runs/:run_id             run status and progress
//   GET    /runs/:run_id/artifacts   artifact references
//   DELETE /runs/:run_id             idempotent cancellation
//   GET    /health                   liveness and run statistics
//   GET    /api/dpo/health           gateway-prefixed health alias
//   GET    /debug/runs               all runs (admin, debug builds only)
//
// Every endpoint except health runs behind the HMAC middleware, which
// reads the raw body (bounded by the dataset size limit), verifies
// the gateway signature over it, and stashes the decoded claims in
// the request context before binding happens.
//
// ============================================================================

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/novalto/dpo-orchestrator/internal/auth"
	"github.com/novalto/dpo-orchestrator/internal/config"
	"github.com/novalto/dpo-orchestrator/internal/metrics"
	"github.com/novalto/dpo-orchestrator/internal/orchestrator"
	"github.com/novalto/dpo-orchestrator/pkg/types"
)

const claimsContextKey = "gateway_claims"

// IdempotencyKeyHeader carries the gateway's delivery deduplication
// key. A body-level idempotency_key field is accepted as a fallback.
const IdempotencyKeyHeader = "Idempotency-Key"

// Server hosts the HTTP API.
type Server struct {
	echo      *echo.Echo
	orch      *orchestrator.Orchestrator
	verifier  *auth.Verifier
	collector *metrics.Collector
	cfg       config.Config
	logger    *logrus.Entry
}

// payloadValidator adapts validator/v10 to echo's Validator interface.
type payloadValidator struct {
	validate *validator.Validate
}

func (v *payloadValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %s", types.ErrValidation, err.Error())
	}
	return nil
}

// New builds the server and registers all routes.
func New(cfg config.Config, orch *orchestrator.Orchestrator, verifier *auth.Verifier, collector *metrics.Collector, logger *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &payloadValidator{validate: validator.New()}

	s := &Server{
		echo:      e,
		orch:      orch,
		verifier:  verifier,
		collector: collector,
		cfg:       cfg,
		logger:    logger.WithField("component", "http"),
	}
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/health", s.handleHealth)
	e.GET("/api/dpo/health", s.handleHealth)

	authed := e.Group("", s.gatewayAuth)
	authed.POST("/trigger-finetune", s.handleTrigger)
	authed.GET("/runs", s.handleListRuns)
	authed.GET("/runs/:run_id", s.handleGetRun)
	authed.GET("/runs/:run_id/artifacts", s.handleGetArtifacts)
	authed.DELETE("/runs/:run_id", s.handleCancelRun)

	if cfg.Server.AllowDebug {
		authed.GET("/debug/runs", s.handleDebugRuns)
	}

	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("HTTP server listening")
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ============================================================================
// Middleware
// ============================================================================

// gatewayAuth verifies the gateway HMAC signature over the raw body
// and decodes the caller claims. The body is re-attached afterwards
// so handlers can bind it.
func (s *Server) gatewayAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		maxBytes := int64(s.cfg.Limits.MaxDatasetSizeMB) << 20
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBytes+1))
		if err != nil {
			return fmt.Errorf("%w: reading request body", types.ErrValidation)
		}
		if int64(len(body)) > maxBytes {
			return fmt.Errorf("%w: request body exceeds %d MB", types.ErrPayloadTooLarge, s.cfg.Limits.MaxDatasetSizeMB)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		claims, err := s.verifier.Verify(
			req.Method,
			req.URL.Path,
			body,
			req.Header.Get(auth.ClaimsHeader),
			req.Header.Get(auth.SignatureHeader),
		)
		if err != nil {
			s.collector.RecordAuthFailure()
			return err
		}

		c.Set(claimsContextKey, claims)
		return next(c)
	}
}

func callerClaims(c echo.Context) types.Claims {
	claims, _ := c.Get(claimsContextKey).(types.Claims)
	return claims
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleTrigger(c echo.Context) error {
	claims := callerClaims(c)
	if err := auth.RequireAdmin(claims); err != nil {
		s.collector.RecordAuthFailure()
		return err
	}

	var req orchestrator.TriggerRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %s", types.ErrValidation, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if key := c.Request().Header.Get(IdempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	run, err := s.orch.Submit(claims, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"run_id": run.RunID,
		"status": run.Status,
	})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.orch.Get(callerClaims(c), types.RunID(c.Param("run_id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetArtifacts(c echo.Context) error {
	run, err := s.orch.Get(callerClaims(c), types.RunID(c.Param("run_id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"run_id":    run.RunID,
		"status":    run.Status,
		"artifacts": run.Artifacts,
	})
}

func (s *Server) handleCancelRun(c echo.Context) error {
	run, err := s.orch.Cancel(callerClaims(c), types.RunID(c.Param("run_id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"run_id": run.RunID,
		"status": run.Status,
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs := s.orch.ListForOwner(callerClaims(c), 100)
	return c.JSON(http.StatusOK, echo.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Health())
}

func (s *Server) handleDebugRuns(c echo.Context) error {
	claims := callerClaims(c)
	if err := auth.RequireAdmin(claims); err != nil {
		return err
	}
	runs := s.orch.ListForOwner(claims, 0)
	return c.JSON(http.StatusOK, echo.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

// ============================================================================
// Error Mapping
// ============================================================================

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrRateLimited), errors.Is(err, types.ErrConcurrentJob):
		status = http.StatusTooManyRequests
	default:
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
			"error":  err,
		}).Error("Request failed")
	}

	if jerr := c.JSON(status, echo.Map{"error": err.Error()}); jerr != nil {
		s.logger.WithError(jerr).Error("Writing error response failed")
	}
}
