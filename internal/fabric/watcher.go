package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// PortRegistry is the part of the coordinator registry the watcher drives.
type PortRegistry interface {
	RegisterPort(port mcast.PortID) (*mcast.Coordinator, error)
	UnregisterPort(ctx context.Context, port mcast.PortID) error
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// PollInterval is how often the backend is re-read.
	PollInterval time.Duration

	// Devices restricts attachment to the named adapters. Empty means all.
	Devices []string

	// DetachTimeout bounds how long a disappearing port may take to drain.
	DetachTimeout time.Duration
}

// Watcher attaches a coordinator to every ACTIVE port and detaches it when the
// port goes down or its adapter disappears.
type Watcher struct {
	backend  Backend
	registry PortRegistry
	cfg      WatcherConfig
	allowed  map[string]bool

	mu       sync.Mutex
	attached map[mcast.PortID]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher. Call Start to begin polling.
func NewWatcher(backend Backend, registry PortRegistry, cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	if cfg.DetachTimeout <= 0 {
		cfg.DetachTimeout = 30 * time.Second
	}

	allowed := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		allowed[d] = true
	}

	return &Watcher{
		backend:  backend,
		registry: registry,
		cfg:      cfg,
		allowed:  allowed,
		attached: make(map[mcast.PortID]bool),
	}
}

// Start performs an initial sync and then polls in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Sync(ctx); err != nil {
		return fmt.Errorf("initial fabric sync: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(loopCtx)

	log.Info().
		Str("backend", w.backend.Name()).
		Dur("poll_interval", w.cfg.PollInterval).
		Int("ports", len(w.ActivePorts())).
		Msg("Fabric watcher started")

	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Fabric sync failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends background polling. Attached ports stay registered.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()

	select {
	case <-w.done:
		log.Info().Msg("Fabric watcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop fabric watcher: %w", ctx.Err())
	}
}

// Sync reads the backend once and attaches or detaches ports to match.
func (w *Watcher) Sync(ctx context.Context) error {
	devices, err := w.backend.Devices(ctx)
	if err != nil {
		return err
	}

	active := make(map[mcast.PortID]bool)

	for _, d := range devices {
		if len(w.allowed) > 0 && !w.allowed[d.Name] {
			continue
		}

		for _, p := range d.Ports {
			if p.State == PortActive {
				active[d.PortID(p.Num)] = true
			}
		}
	}

	w.mu.Lock()

	var errs []error

	for port := range active {
		if w.attached[port] {
			continue
		}

		if _, err := w.registry.RegisterPort(port); err != nil && !errors.Is(err, mcast.ErrPortExists) {
			errs = append(errs, err)
			continue
		}

		w.attached[port] = true
	}

	var gone []mcast.PortID

	for port := range w.attached {
		if !active[port] {
			gone = append(gone, port)
			delete(w.attached, port)
		}
	}

	w.mu.Unlock()

	if len(gone) > 0 {
		if err := w.detach(ctx, gone); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// detach unregisters ports concurrently. Each port drains independently within
// DetachTimeout.
func (w *Watcher) detach(ctx context.Context, ports []mcast.PortID) error {
	detachCtx, cancel := context.WithTimeout(ctx, w.cfg.DetachTimeout)
	defer cancel()

	var g errgroup.Group

	for _, port := range ports {
		port := port
		log.Info().Str("port", port.String()).Msg("Port no longer active, detaching coordinator")

		g.Go(func() error {
			err := w.registry.UnregisterPort(detachCtx, port)
			if errors.Is(err, mcast.ErrPortNotFound) {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

// ActivePorts returns the ports the watcher has attached, in a stable order.
func (w *Watcher) ActivePorts() []mcast.PortID {
	w.mu.Lock()
	defer w.mu.Unlock()

	ports := make([]mcast.PortID, 0, len(w.attached))
	for p := range w.attached {
		ports = append(ports, p)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].String() < ports[j].String() })

	return ports
}
