// Package httpapi serves runs over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
)

// Runner is the orchestrator surface the server drives.
type Runner interface {
	Execute(ctx context.Context, rc run.Context) (*run.Aggregate, error)
	Resume(ctx context.Context, runID string) (*run.Aggregate, error)
	Status(ctx context.Context, runID string) (run.StatusReport, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for npsd.
type Server struct {
	echo   *echo.Echo
	runner Runner
	logger *logging.Logger
	config *Config
	now    func() time.Time

	// runs holds in-flight and finished runs started through this server.
	// Completed runs have no checkpoints left, so this is where their
	// aggregates are served from.
	mu   sync.RWMutex
	runs map[string]*entry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	running   bool
	aggregate *run.Aggregate
	err       string
}

// NewServer creates a new HTTP server.
func NewServer(runner Runner, logger *logging.Logger, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
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
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:    e,
		runner:  runner,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
		runs:    map[string]*entry{},
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/status", s.handleStatus)
	v1.POST("/runs/:id/resume", s.handleResume)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunResponse acknowledges an accepted or still running run.
type RunResponse struct {
	RunID string    `json:"run_id"`
	State run.State `json:"state"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateRun starts a run for the posted dataset and returns at once.
func (s *Server) handleCreateRun(c echo.Context) error {
	var ds survey.Dataset
	if err := c.Bind(&ds); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(ds.Responses) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "responses field is required")
	}

	rc := run.NewContext(ds, s.now())
	s.launch(rc.ID, func(ctx context.Context) (*run.Aggregate, error) {
		return s.runner.Execute(ctx, rc)
	})
	return c.JSON(http.StatusAccepted, RunResponse{RunID: rc.ID, State: run.StateRunning})
}

// handleGetRun returns the final aggregate, or 202 while the run is in flight.
func (s *Server) handleGetRun(c echo.Context) error {
	id := c.Param("id")

	s.mu.RLock()
	e, ok := s.runs[id]
	var snapshot entry
	if ok {
		snapshot = *e
	}
	s.mu.RUnlock()

	if ok {
		if snapshot.running {
			return c.JSON(http.StatusAccepted, RunResponse{RunID: id, State: run.StateRunning})
		}
		return c.JSON(http.StatusOK, snapshot.aggregate)
	}

	report, err := s.runner.Status(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !report.Known {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	// Checkpointed but not finished here: interrupted or running elsewhere.
	return c.JSON(http.StatusAccepted, report)
}

func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	report, err := s.runner.Status(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !report.Known && !s.tracked(id) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, report)
}

// handleResume continues a stored run in the background.
func (s *Server) handleResume(c echo.Context) error {
	id := c.Param("id")

	report, err := s.runner.Status(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !report.Known {
		return echo.NewHTTPError(http.StatusNotFound, "run not found or already completed")
	}

	if !s.launch(id, func(ctx context.Context) (*run.Aggregate, error) {
		return s.runner.Resume(ctx, id)
	}) {
		return echo.NewHTTPError(http.StatusConflict, "run is already in progress")
	}
	return c.JSON(http.StatusAccepted, RunResponse{RunID: id, State: run.StateRunning})
}

func (s *Server) tracked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[id]
	return ok
}

// launch runs fn in the background unless id is already running. It reports
// whether fn was started.
func (s *Server) launch(id string, fn func(context.Context) (*run.Aggregate, error)) bool {
	s.mu.Lock()
	if e, ok := s.runs[id]; ok && e.running {
		s.mu.Unlock()
		return false
	}
	s.runs[id] = &entry{running: true}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx := logging.WithRunID(s.baseCtx, id)

		agg, err := fn(ctx)

		e := &entry{aggregate: agg}
		if err != nil {
			e.err = err.Error()
			s.logger.Error(ctx, "run failed", zap.Error(err))
		}
		if agg == nil {
			e.aggregate = &run.Aggregate{
				Run:      run.Context{ID: id},
				Phases:   []run.PhaseResult{},
				Warnings: []string{},
				Errors:   []string{e.err},
				Status:   run.Status{State: run.StatePartiallyFailed, CompletedPhases: []run.Phase{}},
			}
		}
		s.mu.Lock()
		s.runs[id] = e
		s.mu.Unlock()
	}()
	return true
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels in-flight runs and waits for
// them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	err := s.echo.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}
