// Package diagnostics serves the engine reports, its health and the
// Prometheus metrics over HTTP, and accepts user actions from the client.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devblac/sport-tracker-sub010/engine"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/health"
	"github.com/devblac/sport-tracker-sub010/metric"
)

// Config holds the HTTP listener settings
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default listener settings
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Addr:            ":8089",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: diagnostics addr is required", errors.ErrInvalidConfig),
			"diagnostics", "Validate", "check addr")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: diagnostics timeouts must not be negative", errors.ErrInvalidConfig),
			"diagnostics", "Validate", "check timeouts")
	}
	return nil
}

// Engine is what the server reports on
type Engine interface {
	Snapshot() engine.Snapshot
	Components() []string
	Component(name string) (any, bool)
	Health() health.Status
	RecordAction(ctx context.Context, actionType, target, location string) error
}

var _ Engine = (*engine.Engine)(nil)

// Server is the diagnostics HTTP server
type Server struct {
	config   Config
	engine   Engine
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	router   chi.Router

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewServer builds the router. A nil registry serves an empty /metrics.
func NewServer(config Config, eng Engine, registry *metric.MetricsRegistry, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: engine is required", errors.ErrMissingConfig),
			"diagnostics", "NewServer", "check deps")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   config,
		engine:   eng,
		registry: registry,
		logger:   logger.With("component", "diagnostics"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID, s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/{component}", s.handleComponent)
	r.Post("/activity", s.handleActivity)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Handler returns the router, for embedding or tests
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "diagnostics", "Start", "check state")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.WrapFatal(err, "diagnostics", "Start", "listen on "+s.config.Addr)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.server = srv
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostics server failed", "error", err)
		}
	}()
	s.logger.Info("Diagnostics server started", "addr", s.addr)
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// configured shutdown timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "diagnostics", "Shutdown", "drain connections")
	}
	s.logger.Info("Diagnostics server stopped")
	return nil
}
