// Package server wires the ibmcast daemon together: fabric discovery, the
// directory client, the per-port coordinators and the admin HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ibmcast/internal/api/admin"
	apimiddleware "github.com/piwi3910/ibmcast/internal/api/middleware"
	"github.com/piwi3910/ibmcast/internal/config"
	"github.com/piwi3910/ibmcast/internal/directory"
	"github.com/piwi3910/ibmcast/internal/fabric"
	"github.com/piwi3910/ibmcast/internal/health"
	"github.com/piwi3910/ibmcast/internal/mcast"
	"github.com/piwi3910/ibmcast/internal/metrics"
	"github.com/piwi3910/ibmcast/internal/shutdown"
)

// Version is the current version of ibmcast
const Version = "0.1.0"

// Server is the ibmcast daemon
type Server struct {
	cfg *config.Config

	backend   fabric.Backend
	directory *directory.SimulatedClient
	registry  *mcast.Registry
	watcher   *fabric.Watcher

	healthChecker *health.Checker
	shutdown      *shutdown.Coordinator

	rateLimiter *apimiddleware.RateLimiter
	router      chi.Router
	adminServer *http.Server
}

// New creates a new ibmcast server
func New(cfg *config.Config) (*Server, error) {
	backend, err := fabric.NewBackend(cfg.Fabric.Backend, cfg.Fabric.SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to create fabric backend: %w", err)
	}

	dir, err := directory.NewSimulatedClient(directory.Config{
		JoinLatency:  cfg.Directory.JoinLatency,
		LeaveLatency: cfg.Directory.LeaveLatency,
		MaxGroups:    cfg.Directory.MaxGroups,
		MLIDBase:     uint16(cfg.Directory.MLIDBase), //nolint:gosec // range checked by config validation
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client: %w", err)
	}

	registry := mcast.NewRegistry(dir, mcast.Options{
		MaxGroups:   cfg.Coordinator.MaxGroups,
		MaxRequests: cfg.Coordinator.MaxRequests,
	})

	srv := &Server{
		cfg:       cfg,
		backend:   backend,
		directory: dir,
		registry:  registry,
		watcher: fabric.NewWatcher(backend, registry, fabric.WatcherConfig{
			PollInterval:  cfg.Fabric.PollInterval,
			Devices:       cfg.Fabric.Devices,
			DetachTimeout: cfg.Shutdown.PortsTimeout,
		}),
		healthChecker: health.NewChecker(backend, registry, dir),
	}

	shutdownCfg := shutdown.DefaultConfig()
	shutdownCfg.TotalTimeout = cfg.Shutdown.TotalTimeout
	shutdownCfg.DrainTimeout = cfg.Shutdown.DrainTimeout
	shutdownCfg.PortsTimeout = cfg.Shutdown.PortsTimeout
	srv.shutdown = shutdown.NewCoordinator(shutdownCfg)

	// Fail readiness first so load balancers stop sending joins.
	srv.shutdown.RegisterHook(shutdown.PhaseDraining, func(context.Context) error {
		srv.healthChecker.SetDraining(true)
		return nil
	})

	srv.setupAdminServer()

	log.Info().
		Str("node_name", cfg.NodeName).
		Str("fabric_backend", backend.Name()).
		Msg("Server initialized")

	return srv, nil
}

func (s *Server) setupAdminServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(apimiddleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.RequestLogger)
	r.Use(apimiddleware.MetricsMiddleware)
	r.Use(apimiddleware.SecurityHeaders(apimiddleware.DefaultSecurityHeadersConfig()))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", apimiddleware.RequestIDHeader},
		ExposedHeaders: []string{apimiddleware.RequestIDHeader},
		MaxAge:         300,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/detailed", healthHandler.DetailedHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	adminHandler := admin.NewHandler(s.registry, s.directory)

	rlCfg := apimiddleware.DefaultRateLimitConfig()
	rlCfg.Enabled = s.cfg.RateLimit.Enabled
	if s.cfg.RateLimit.JoinsPerSecond > 0 {
		rlCfg.RequestsPerSecond = s.cfg.RateLimit.JoinsPerSecond
	}

	if s.cfg.RateLimit.Burst > 0 {
		rlCfg.BurstSize = s.cfg.RateLimit.Burst
	}

	s.rateLimiter = apimiddleware.NewRateLimiter(rlCfg)
	adminHandler.LimitJoins(apimiddleware.RateLimit(s.rateLimiter))

	r.Route("/api/v1", func(r chi.Router) {
		adminHandler.RegisterRoutes(r)
	})

	s.router = r
	s.adminServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.AdminPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: admin.DefaultJoinTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Handler returns the admin HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the coordinator registry.
func (s *Server) Registry() *mcast.Registry {
	return s.registry
}

// Start attaches the fabric ports and serves the admin API until ctx is
// cancelled, then runs the graceful shutdown sequence.
func (s *Server) Start(ctx context.Context) error {
	metrics.Version = Version
	metrics.Init(s.cfg.NodeName)

	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fabric watcher: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Start Admin server
	g.Go(func() error {
		log.Info().Int("port", s.cfg.AdminPort).Msg("Starting Admin API server")
		log.Info().Int("port", s.cfg.AdminPort).Msg("Prometheus metrics available at /metrics")

		if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}

		return nil
	})

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		defer s.rateLimiter.Close()

		return s.shutdown.Shutdown(context.Background(), shutdown.ShutdownComponents{
			HTTPServers: []shutdown.HTTPServerShutdown{&namedServer{name: "admin", Server: s.adminServer}},
			Fabric:      s.watcher,
			Ports:       s.registry,
			Directory:   s.directory,
		})
	})

	return g.Wait()
}

// namedServer adapts http.Server to shutdown.HTTPServerShutdown.
type namedServer struct {
	*http.Server

	name string
}

func (n *namedServer) Name() string {
	return n.name
}
