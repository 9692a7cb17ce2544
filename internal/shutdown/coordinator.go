// Package shutdown provides graceful shutdown coordination for the ibmcast daemon.
//
// Shutdown runs in phases:
//
//  1. Draining - stop the admin HTTP server so no new joins arrive
//  2. Fabric - stop watching adapters so no ports are attached or detached
//  3. Ports - close every port coordinator, letting outstanding leaves finish
//  4. Directory - close the directory client once nothing can submit to it
//
// Each phase has its own timeout inside an overall budget, and progress is
// exported as Prometheus gauges.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseFabric         Phase = "fabric"
	PhasePorts          Phase = "ports"
	PhaseDirectory      Phase = "directory"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	TotalTimeout time.Duration

	// DrainTimeout bounds the HTTP server shutdown.
	DrainTimeout time.Duration

	// FabricTimeout bounds stopping the fabric watcher.
	FabricTimeout time.Duration

	// PortsTimeout bounds draining every port coordinator.
	PortsTimeout time.Duration

	// DirectoryTimeout bounds closing the directory client.
	DirectoryTimeout time.Duration

	// ForceTimeout is the grace period after TotalTimeout before shutdown is
	// reported as forced.
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     10 * time.Second,
		FabricTimeout:    5 * time.Second,
		PortsTimeout:     15 * time.Second,
		DirectoryTimeout: 5 * time.Second,
		ForceTimeout:     5 * time.Second,
	}
}

// Stopper is a component with a context-aware Stop method.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Closer is a component with a context-aware Close method.
type Closer interface {
	Close(ctx context.Context) error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// Fabric is the adapter watcher
	Fabric Stopper

	// Ports is the coordinator registry
	Ports Closer

	// Directory is the directory service client
	Directory Closer
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown runs the shutdown sequence once. Later calls return immediately.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeFabricPhase(shutdownCtx, components)
	c.executePortsPhase(shutdownCtx, components)
	c.executeDirectoryPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) executeFabricPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseFabric)
	c.runHooks(ctx, PhaseFabric)

	if components.Fabric == nil {
		return
	}

	fabricCtx, cancel := context.WithTimeout(ctx, c.config.FabricTimeout)
	defer cancel()

	c.runComponent(fabricCtx, "fabric_watcher", components.Fabric.Stop)
	IncrementComponentsStopped()
}

func (c *Coordinator) executePortsPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhasePorts)
	c.runHooks(ctx, PhasePorts)

	if components.Ports == nil {
		return
	}

	portsCtx, cancel := context.WithTimeout(ctx, c.config.PortsTimeout)
	defer cancel()

	c.runComponent(portsCtx, "port_coordinators", components.Ports.Close)
	IncrementComponentsStopped()
}

func (c *Coordinator) executeDirectoryPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDirectory)
	c.runHooks(ctx, PhaseDirectory)

	if components.Directory == nil {
		return
	}

	dirCtx, cancel := context.WithTimeout(ctx, c.config.DirectoryTimeout)
	defer cancel()

	c.runComponent(dirCtx, "directory_client", components.Directory.Close)
	IncrementComponentsStopped()
}

// runComponent calls fn and gives up when ctx expires, even if fn ignores ctx.
func (c *Coordinator) runComponent(ctx context.Context, name string, fn func(context.Context) error) {
	done := make(chan error, 1)

	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error stopping component")
			c.addError(err)
		} else {
			log.Info().Str("component", name).Msg("Component stopped")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component")
		c.addError(ctx.Err())
	}
}
