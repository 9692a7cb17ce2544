// Package health provides health check endpoints for ibmcast.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (can the daemon accept joins?)
//   - /health/detailed: Per-component status
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "fabric": {"status": "healthy"},
//	    "coordinators": {"status": "healthy"},
//	    "directory": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/ibmcast/internal/fabric"
	"github.com/piwi3910/ibmcast/internal/mcast"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but joins can still be served.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the daemon.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// PortSource lists the coordinators currently serving ports.
type PortSource interface {
	Snapshot() []mcast.PortSnapshot
}

// DirectoryProbe reports whether the directory service is reachable.
type DirectoryProbe interface {
	Ping(ctx context.Context) error
}

// Checker performs health checks on the daemon.
type Checker struct {
	cacheExpiry  time.Time
	fabric       fabric.Backend
	ports        PortSource
	directory    DirectoryProbe
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
	draining     atomic.Bool
}

// NewChecker creates a new health checker.
func NewChecker(backend fabric.Backend, ports PortSource, directory DirectoryProbe) *Checker {
	return &Checker{
		fabric:    backend,
		ports:     ports,
		directory: directory,
		cacheTTL:  2 * time.Second,
	}
}

// SetDraining marks the daemon as shutting down so readiness fails.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	run := func(name string, fn func(context.Context) Check) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := fn(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()
		}()
	}

	run("fabric", c.CheckFabric)
	run("coordinators", c.CheckCoordinators)
	run("directory", c.CheckDirectory)

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckFabric checks that the adapters can be enumerated and have an active port.
func (c *Checker) CheckFabric(ctx context.Context) Check {
	if c.fabric == nil {
		return Check{Status: StatusUnhealthy, Message: "fabric backend not initialized"}
	}

	devices, err := c.fabric.Devices(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: "fabric scan failed: " + err.Error()}
	}

	active := 0

	for _, d := range devices {
		for _, p := range d.Ports {
			if p.State == fabric.PortActive {
				active++
			}
		}
	}

	if active == 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no active ports on %d devices", len(devices)),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active ports on %d devices", active, len(devices)),
	}
}

// CheckCoordinators checks that ports are registered and none is stuck closing.
func (c *Checker) CheckCoordinators(_ context.Context) Check {
	if c.ports == nil {
		return Check{Status: StatusUnhealthy, Message: "coordinator registry not initialized"}
	}

	snaps := c.ports.Snapshot()
	if len(snaps) == 0 {
		return Check{Status: StatusDegraded, Message: "no ports registered"}
	}

	joins, closing := 0, 0

	for _, s := range snaps {
		joins += s.Joins
		if s.Closing {
			closing++
		}
	}

	if closing > 0 {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d ports closing", closing, len(snaps)),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d ports, %d joins", len(snaps), joins),
	}
}

// CheckDirectory checks the directory service client.
func (c *Checker) CheckDirectory(ctx context.Context) Check {
	if c.directory == nil {
		return Check{Status: StatusUnhealthy, Message: "directory client not initialized"}
	}

	if err := c.directory.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: "directory unavailable: " + err.Error()}
	}

	return Check{Status: StatusHealthy, Message: "directory is operational"}
}

// IsReady reports whether the daemon can accept joins.
func (c *Checker) IsReady(ctx context.Context) bool {
	if c.draining.Load() || c.ports == nil || c.directory == nil {
		return false
	}

	if len(c.ports.Snapshot()) == 0 {
		return false
	}

	return c.directory.Ping(ctx) == nil
}

// IsLive checks if the daemon is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// DetailedHandler handles detailed health check requests. Degraded still
// returns 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
