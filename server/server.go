// Package server exposes the orchestrator over HTTP: run submission,
// event streaming over SSE and WebSocket, transcript replay and monitoring.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/NickB03/vana-sub003/authz"
	"github.com/NickB03/vana-sub003/broadcast"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/resilience"
	"github.com/NickB03/vana-sub003/runner"
	"github.com/NickB03/vana-sub003/session"
)

// Options configure a Server.
type Options struct {
	Tokens authz.Tokens
	// Policy decides route access; nil compiles authz.DefaultPolicy.
	Policy *authz.Policy
	// Limiter throttles callers per principal; nil disables rate limiting.
	Limiter *resilience.RateLimiter
	// Breakers is reported by /status.
	Breakers *resilience.BreakerSet
	Logger   logging.Logger
}

// Server is the HTTP surface of the orchestrator.
type Server struct {
	echo   *echo.Echo
	runner *runner.Runner
	store  *session.Store
	events *broadcast.Broadcaster
	opts   Options
}

// New creates a Server and registers its routes.
func New(r *runner.Runner, store *session.Store, events *broadcast.Broadcaster, optFns ...func(o *Options)) (*Server, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Policy == nil {
		p, err := authz.NewPolicy(context.Background(), authz.DefaultPolicy)
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakerSet()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, runner: r, store: store, events: events, opts: opts}
	s.registerRoutes()
	return s, nil
}

// registerRoutes registers routes with the echo server.
func (s *Server) registerRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())

	s.echo.GET("/healthz", s.Health)

	guarded := []echo.MiddlewareFunc{s.rateLimit, s.authenticate}
	s.echo.POST("/run", s.SubmitRun, guarded...)
	s.echo.DELETE("/run/:run_id", s.CancelRun, guarded...)
	s.echo.GET("/run/stream/:run_id", s.StreamRun, guarded...)
	s.echo.GET("/run/ws/:run_id", s.StreamRunWS, guarded...)
	s.echo.GET("/replay/:run_id", s.Replay, guarded...)
	s.echo.DELETE("/session/:session_id", s.DeleteSession, guarded...)
	s.echo.GET("/status", s.Status, guarded...)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("server.start", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Health returns health status.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports breaker states, runs in flight and store sizes.
func (s *Server) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"breakers":    s.opts.Breakers.Snapshot(),
		"active_runs": s.runner.Active(),
		"sessions":    s.store.Len(),
		"streams":     s.events.Len(),
		"time":        time.Now().UTC(),
	})
}
