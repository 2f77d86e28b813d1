// Package httpapi exposes the controller over HTTP: the operator console
// routes, the HTTP variant of the worker protocol and an SSE event stream.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/coordinator"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/observer"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
)

// Options configures a Server. Controller is required.
type Options struct {
	Controller *controller.Controller
	// Coordinator, when set, serves the websocket worker channel on
	// WebSocketPath and contributes connected workers to /api/status.
	Coordinator   *coordinator.Coordinator
	WebSocketPath string
	Observer      *observer.Observer
	Logger        *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	ctl    *controller.Controller
	coord  *coordinator.Coordinator
	obs    *observer.Observer
	hub    *SSEHub
	echo   *echo.Echo
	logger *slog.Logger
}

// New creates a server and subscribes its event stream to the controller
func New(opts Options) *Server {
	s := &Server{
		ctl:    opts.Controller,
		coord:  opts.Coordinator,
		obs:    opts.Observer,
		hub:    NewSSEHub(),
		echo:   echo.New(),
		logger: logging.OrDefault(opts.Logger),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s.routes(opts.WebSocketPath)
	s.ctl.Subscribe(s.hub.Publish)
	return s
}

func (s *Server) routes(wsPath string) {
	api := s.echo.Group("/api")

	api.POST("/runs", s.SubmitRun)
	api.GET("/runs", s.ListRuns)
	api.GET("/runs/:id", s.GetRun)
	api.POST("/runs/:id/stop", s.StopRun)
	api.POST("/runs/:id/games", s.AdjustGames)
	api.POST("/runs/:id/priority", s.SetPriority)

	api.POST("/request_task", s.RequestTask)
	api.POST("/update_task", s.UpdateTask)
	api.POST("/heartbeat", s.Heartbeat)
	api.POST("/failed_task", s.FailedTask)
	api.POST("/stop_run", s.WorkerStopRun)

	api.GET("/status", s.Status)
	api.GET("/events", s.Events)

	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.coord != nil {
		if wsPath == "" {
			wsPath = "/ws"
		}
		s.echo.GET(wsPath, echo.WrapHandler(http.HandlerFunc(s.coord.HandleWebSocket)))
	}
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Hub returns the SSE hub
func (s *Server) Hub() *SSEHub {
	return s.hub
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully and closes open event streams
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

// errorStatus maps the domain error taxonomy to HTTP status codes
func errorStatus(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsCapacityExceeded(err), errors.Is(err, runstore.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
