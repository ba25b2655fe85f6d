package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/custody/internal/core/domain"
)

// Server provides HTTP endpoints for health monitoring and queue control.
type Server struct {
	monitor *Monitor
	queues  Queues
	addr    string
	app     *echo.Echo
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, queues Queues, host string, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		monitor: monitor,
		queues:  queues,
		addr:    fmt.Sprintf("%s:%d", host, port),
		app:     e,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.app

	e.GET("/health", s.handleHealth)
	e.GET("/health/detailed", s.handleDetailed)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/queues/:network", s.handleQueueStatus)
	e.POST("/queues/:network/pause", s.handlePause)
	e.POST("/queues/:network/resume", s.handleResume)

	e.GET("/users/:user/transactions", s.handleUserTransactions)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	err := s.app.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	report := s.monitor.Check(c.Request().Context())
	code := http.StatusOK
	if report.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{"status": string(report.Status)})
}

func (s *Server) handleDetailed(c echo.Context) error {
	return c.JSON(http.StatusOK, s.monitor.Check(c.Request().Context()))
}

func (s *Server) handleQueueStatus(c echo.Context) error {
	st, err := s.queues.GetQueueStatus(domain.Network(c.Param("network")))
	if err != nil {
		return queueError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handlePause(c echo.Context) error {
	n := domain.Network(c.Param("network"))
	if err := s.queues.PauseNetwork(n); err != nil {
		return queueError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"network": n, "paused": true})
}

func (s *Server) handleResume(c echo.Context) error {
	n := domain.Network(c.Param("network"))
	if err := s.queues.ResumeNetwork(n); err != nil {
		return queueError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"network": n, "paused": false})
}

func (s *Server) handleUserTransactions(c echo.Context) error {
	txs := s.queues.GetPendingTransactions(c.Param("user"))
	if txs == nil {
		txs = []domain.QueuedTransaction{}
	}
	return c.JSON(http.StatusOK, txs)
}

func queueError(err error) error {
	if errors.Is(err, domain.ErrUnsupportedNetwork) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
