// Package api provides the worker's HTTP control surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sebas/dialout/internal/dispatch"
	"github.com/sebas/dialout/internal/job"
)

// Calls is the part of the dispatcher the API drives.
type Calls interface {
	Submit(j *job.CallJob) error
	Active() []dispatch.CallInfo
	Hangup(ctx context.Context, jobID string) error
}

// Dialogs counts answered SIP calls that have not ended yet.
type Dialogs interface {
	ActiveCalls() int
}

// Server serves the control API.
type Server struct {
	echo      *echo.Echo
	calls     Calls
	dialogs   Dialogs
	nodeID    string
	startTime time.Time
	log       *slog.Logger
}

// NewServer creates a Server. metricsHandler may be nil.
func NewServer(calls Calls, metricsHandler http.Handler, nodeID string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
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
			if err != nil {
				c.Error(err)
			}
			log.Debug("[API] Request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		calls:     calls,
		nodeID:    nodeID,
		startTime: time.Now(),
		log:       log,
	}
	s.registerRoutes(metricsHandler)
	return s
}

func (s *Server) registerRoutes(metricsHandler http.Handler) {
	if metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/calls", s.handleListCalls)
	v1.POST("/calls", s.handleSubmitCall)
	v1.DELETE("/calls/:id", s.handleHangup)
}

// SetDialogs adds the SIP dialog count to the health report.
func (s *Server) SetDialogs(d Dialogs) { s.dialogs = d }

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	Uptime      int64  `json:"uptime"`
	ActiveCalls int    `json:"active_calls"`
	SIPDialogs  *int   `json:"sip_dialogs,omitempty"`
}

// SubmitResponse is the body of a successful POST /api/v1/calls. Job is
// the request as it will be dialled, with the number normalized.
type SubmitResponse struct {
	JobID string       `json:"job_id"`
	Job   job.Metadata `json:"job"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:      "ok",
		NodeID:      s.nodeID,
		Uptime:      int64(time.Since(s.startTime).Seconds()),
		ActiveCalls: len(s.calls.Active()),
	}
	if s.dialogs != nil {
		n := s.dialogs.ActiveCalls()
		resp.SIPDialogs = &n
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, s.calls.Active())
}

func (s *Server) handleSubmitCall(c echo.Context) error {
	var md job.Metadata
	if err := c.Bind(&md); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	j, err := job.FromMetadata(md)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.calls.Submit(j); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrAtCapacity):
			return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
		case errors.Is(err, dispatch.ErrDuplicate):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, dispatch.ErrStopped):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			s.log.Error("[API] Submit failed", append(j.LogAttrs(), "error", err)...)
			return echo.NewHTTPError(http.StatusInternalServerError, "submit failed")
		}
	}

	s.log.Info("[API] Job submitted", j.LogAttrs()...)
	return c.JSON(http.StatusAccepted, SubmitResponse{JobID: j.ID(), Job: j.Metadata()})
}

func (s *Server) handleHangup(c echo.Context) error {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.calls.Hangup(ctx, id); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "call not found")
		}
		s.log.Warn("[API] Hangup failed", "job_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("[API] Listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
