// Package status exposes a small optional HTTP endpoint per service with a
// health check and the engine's counters. It is disabled unless the service
// is started with a status address.
package status

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application serving /healthz and /stats.
type Server struct {
	echo    *echo.Echo
	service string
	stats   func() any
}

// New constructs the status app for a named service. stats is called on
// every /stats request and its result rendered as JSON.
func New(service string, stats func() any) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, service: service, stats: stats}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": s.service})
	})
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.stats())
	})

	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run serves on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = s.echo.Shutdown(context.Background())
	}()

	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
