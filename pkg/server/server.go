package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pigo/pkg/catalog"
	"pigo/pkg/failover"
	"pigo/pkg/log"
	"pigo/pkg/platform"
	"pigo/pkg/race"
	"pigo/pkg/scheduler"
	"pigo/pkg/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultResolveTimeout  = 10 * time.Second
	maxResolveTimeout      = time.Minute
)

// Resolver runs ad hoc races for the resolve endpoint.
type Resolver interface {
	Resolve(ctx context.Context, urls []string, timeout time.Duration) race.Outcome
}

// Scheduler exposes the poll loop state.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the components the control API drives.
type Deps struct {
	Store     store.Store
	Scheduler Scheduler
	Signals   *platform.Signals
	Sessions  *failover.Manager
	Resolver  Resolver
	Catalog   *catalog.Catalog

	// ResolveTimeout is used when a resolve request names no timeout.
	ResolveTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server is the local HTTP control API.
type Server struct {
	deps Deps
	echo *echo.Echo
}

func New(deps Deps) *Server {
	if deps.ResolveTimeout <= 0 {
		deps.ResolveTimeout = defaultResolveTimeout
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = defaultShutdownTimeout
	}
	srv := &Server{
		deps: deps,
		echo: echo.New(),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the routed HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.echo
}

// Start serves on addr until SIGINT or SIGTERM, then shuts down gracefully.
func (srv *Server) Start(addr string) error {
	go func() {
		log.Info().Str("addr", addr).Msg("Starting control API")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return srv.Shutdown()
}

func (srv *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), srv.deps.ShutdownTimeout)
	defer cancel()

	if err := srv.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}
	srv.deps.Sessions.CloseAll()

	log.Info().Msg("Server gracefully stopped")
	return nil
}

func (srv *Server) setupRoutes() {
	srv.echo.HideBanner = true
	srv.echo.HidePort = true

	srv.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("Request")
			return nil
		},
	}))
	srv.echo.Use(middleware.Recover())

	srv.echo.GET("/swagger.yml", srv.serveSwaggerSpec)
	srv.echo.GET("/status", srv.getStatus)
	srv.echo.GET("/catalog", srv.getCatalog)
	srv.echo.POST("/resolve", srv.resolve)

	srv.echo.GET("/devices", srv.listDevices)
	srv.echo.PUT("/devices", srv.putDevice)
	srv.echo.POST("/devices/deselect", srv.deselectDevice)
	srv.echo.GET("/devices/:id", srv.getDevice)
	srv.echo.DELETE("/devices/:id", srv.deleteDevice)
	srv.echo.POST("/devices/:id/select", srv.selectDevice)
	srv.echo.POST("/devices/:id/address", srv.switchDeviceAddress)
	srv.echo.POST("/devices/:id/services", srv.addService)
	srv.echo.PUT("/devices/:id/services/:sid", srv.updateService)
	srv.echo.DELETE("/devices/:id/services/:sid", srv.deleteService)

	srv.echo.POST("/platform/foreground", srv.setForeground)
	srv.echo.POST("/platform/focus", srv.setFocus)
	srv.echo.POST("/platform/connectivity", srv.setConnectivity)

	srv.echo.GET("/sessions", srv.listSessions)
	srv.echo.POST("/sessions", srv.openSession)
	srv.echo.GET("/sessions/:id", srv.getSession)
	srv.echo.DELETE("/sessions/:id", srv.closeSession)
	srv.echo.POST("/sessions/:id/error", srv.sessionError)
	srv.echo.POST("/sessions/:id/load", srv.sessionLoad)
	srv.echo.POST("/sessions/:id/retry", srv.sessionRetry)
	srv.echo.POST("/sessions/:id/address", srv.sessionAddress)
	srv.echo.GET("/sessions/:id/events", srv.sessionEvents)
}
