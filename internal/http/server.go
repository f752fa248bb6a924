// Package http exposes the signal buffer, the suggestion service and the
// feedback log over HTTP, with SSE and WebSocket observer streams.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/logging"
	"github.com/fyrsmithlabs/faultline/internal/relay"
	"github.com/fyrsmithlabs/faultline/internal/signal"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultSyncTimeout = 5 * time.Second
)

// Suggester is the suggestion service as the API uses it.
type Suggester interface {
	Suggest(ctx context.Context, req suggest.Request) (*suggest.Result, error)
	Sources() []suggest.SourceID
}

// Deps are the collaborators behind the routes. All are required.
type Deps struct {
	Publisher relay.Publisher
	Observer  relay.Observer
	Suggester Suggester
	Feedback  *suggest.FeedbackLog
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Metrics records request metrics; nil uses the global meter provider.
	Metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RelayMode is reported by /health.
	RelayMode         string
	Heartbeat         time.Duration
	SyncTimeout       time.Duration
	DefaultMaxResults int
}

// Server provides the faultline HTTP API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics

	// done ends open streams on shutdown; http.Server.Shutdown does not
	// cancel request contexts.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	switch {
	case deps.Publisher == nil:
		return nil, errors.New("publisher cannot be nil")
	case deps.Observer == nil:
		return nil, errors.New("observer cannot be nil")
	case deps.Suggester == nil:
		return nil, errors.New("suggester cannot be nil")
	case deps.Feedback == nil:
		return nil, errors.New("feedback log cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 10
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Metrics == nil {
		deps.Metrics = NewHTTPMetrics(logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(deps.Metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", rid),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: deps.Metrics,
		done:    make(chan struct{}),
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/signals", s.handleIngestSignal)
	v1.GET("/signals", s.handleListSignals)
	v1.GET("/signals/stream", s.handleStream)
	v1.GET("/signals/ws", s.handleWebSocket)
	v1.GET("/signals/:id/query", s.handleSignalQuery)
	v1.POST("/tabs/:tab/navigation", s.handleNavigation)
	v1.POST("/suggestions", s.handleSuggest)
	v1.POST("/feedback", s.handleRecordFeedback)
	v1.GET("/feedback", s.handleListFeedback)
}

// handleHealth reports ok when the aggregator answers a sync.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Relay:   s.config.RelayMode,
		Sources: s.deps.Suggester.Sources(),
	}
	if _, err := s.sync(c.Request().Context()); err != nil {
		s.logger.Warn("health check sync failed", zap.Error(err))
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// sync asks the aggregator for its buffer, bounded by the sync timeout.
func (s *Server) sync(ctx context.Context) ([]signal.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()
	signals, err := s.deps.Observer.Sync(ctx)
	if err != nil {
		return nil, err
	}
	if signals == nil {
		signals = []signal.Signal{}
	}
	return signals, nil
}

func (s *Server) lookup(ctx context.Context, id string) (signal.Signal, error) {
	signals, err := s.sync(ctx)
	if err != nil {
		return signal.Signal{}, syncFailed(err)
	}
	for _, sig := range signals {
		if sig.ID == id {
			return sig, nil
		}
	}
	return signal.Signal{}, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("signal %q not found", id))
}

func syncFailed(err error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusServiceUnavailable, "aggregator unavailable").SetInternal(err)
}

func publishFailed(err error) *echo.HTTPError {
	msg := "relay unavailable"
	if errors.Is(err, relay.ErrInboxFull) {
		msg = "relay inbox full"
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, msg).SetInternal(err)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown closes open streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.doneOnce.Do(func() { close(s.done) })
	return s.echo.Shutdown(ctx)
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.echo }
