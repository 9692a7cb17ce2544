package mcast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ibmcast/internal/metrics"
)

// Registry maps ports to their coordinators. Coordinators are created when a
// port appears on the fabric and closed when it goes away.
type Registry struct {
	dir  DirectoryClient
	opts Options

	mu    sync.RWMutex
	ports map[PortID]*Coordinator
}

// NewRegistry creates an empty registry. Every coordinator it creates submits
// to dir and is bounded by opts.
func NewRegistry(dir DirectoryClient, opts Options) *Registry {
	return &Registry{
		dir:   dir,
		opts:  opts,
		ports: make(map[PortID]*Coordinator),
	}
}

// RegisterPort creates a coordinator for port.
func (r *Registry) RegisterPort(port PortID) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ports[port]; ok {
		return nil, fmt.Errorf("register %s: %w", port, ErrPortExists)
	}

	c := NewCoordinator(port, r.dir, r.opts)
	r.ports[port] = c
	metrics.SetPortsRegistered(len(r.ports))

	log.Info().Str("port", port.String()).Msg("Registered multicast port")

	return c, nil
}

// UnregisterPort removes port and closes its coordinator. The port stops
// accepting joins immediately; Close waits for outstanding work.
func (r *Registry) UnregisterPort(ctx context.Context, port PortID) error {
	r.mu.Lock()

	c, ok := r.ports[port]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister %s: %w", port, ErrPortNotFound)
	}

	delete(r.ports, port)
	metrics.SetPortsRegistered(len(r.ports))
	r.mu.Unlock()

	log.Info().Str("port", port.String()).Msg("Unregistering multicast port")

	return c.Close(ctx)
}

// Coordinator returns the coordinator for port.
func (r *Registry) Coordinator(port PortID) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.ports[port]
	if !ok {
		return nil, fmt.Errorf("%s: %w", port, ErrPortNotFound)
	}

	return c, nil
}

// Join issues a join on port.
func (r *Registry) Join(port PortID, group GID, cb JoinCallback) (*Request, error) {
	c, err := r.Coordinator(port)
	if err != nil {
		return nil, err
	}

	return c.Join(group, cb)
}

// Leave issues the leave paired with join on the port that owns it.
func (r *Registry) Leave(join *Request, cb LeaveCallback) error {
	if join == nil || join.kind != KindJoin {
		return ErrNotJoin
	}

	return join.coord.Leave(join, cb)
}

// CancelJoin cancels join on the port that owns it.
func (r *Registry) CancelJoin(ctx context.Context, join *Request) (bool, error) {
	if join == nil || join.kind != KindJoin {
		return false, ErrNotJoin
	}

	return join.coord.CancelJoin(ctx, join)
}

// Ports returns the registered ports in a stable order.
func (r *Registry) Ports() []PortID {
	r.mu.RLock()
	ports := make([]PortID, 0, len(r.ports))

	for p := range r.ports {
		ports = append(ports, p)
	}
	r.mu.RUnlock()

	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Device != ports[j].Device {
			return ports[i].Device < ports[j].Device
		}

		return ports[i].Num < ports[j].Num
	})

	return ports
}

// Snapshot returns the state of every registered port.
func (r *Registry) Snapshot() []PortSnapshot {
	ports := r.Ports()
	snaps := make([]PortSnapshot, 0, len(ports))

	for _, p := range ports {
		c, err := r.Coordinator(p)
		if err != nil {
			continue
		}

		snaps = append(snaps, c.Snapshot())
	}

	return snaps
}

// Close unregisters and closes every port concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.ports))

	for _, c := range r.ports {
		coords = append(coords, c)
	}

	r.ports = make(map[PortID]*Coordinator)
	metrics.SetPortsRegistered(0)
	r.mu.Unlock()

	// One port timing out must not cut the others short.
	var g errgroup.Group

	for _, c := range coords {
		c := c
		g.Go(func() error {
			return c.Close(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("close ports: %w", err)
	}

	log.Info().Int("ports", len(coords)).Msg("All multicast ports closed")

	return nil
}
