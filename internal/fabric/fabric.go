// Package fabric discovers RDMA adapters and their ports and keeps the
// multicast coordinator registry in step with which ports are usable.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// Fabric errors.
var (
	ErrDeviceNotFound = errors.New("RDMA device not found")
	ErrPortNotFound   = errors.New("RDMA port not found")
	ErrUnknownBackend = errors.New("unknown fabric backend")
	ErrNoDevicesRoot  = errors.New("sysfs infiniband class not present")
)

// PortState is the logical state of an adapter port.
type PortState string

const (
	PortDown   PortState = "DOWN"
	PortInit   PortState = "INIT"
	PortArmed  PortState = "ARMED"
	PortActive PortState = "ACTIVE"
)

// Port describes one physical port of an adapter.
type Port struct {
	Num       int       `json:"num" yaml:"num"`
	State     PortState `json:"state" yaml:"state"`
	LinkLayer string    `json:"link_layer" yaml:"link_layer"`
	Rate      string    `json:"rate,omitempty" yaml:"rate,omitempty"`
	LID       uint16    `json:"lid" yaml:"lid"`
}

// Device describes an RDMA adapter.
type Device struct {
	Name        string `json:"name" yaml:"name"`
	NodeGUID    string `json:"node_guid,omitempty" yaml:"node_guid,omitempty"`
	NodeType    string `json:"node_type" yaml:"node_type"`
	FirmwareVer string `json:"firmware_version,omitempty" yaml:"firmware_version,omitempty"`
	Ports       []Port `json:"ports" yaml:"ports"`
}

// PortID returns the coordinator key for port num of the device.
func (d Device) PortID(num int) mcast.PortID {
	return mcast.PortID{Device: d.Name, Num: num}
}

// Backend enumerates adapters.
type Backend interface {
	Name() string
	Devices(ctx context.Context) ([]Device, error)
}

// NewBackend returns the backend selected by name.
func NewBackend(name, sysfsRoot string) (Backend, error) {
	switch name {
	case "simulated", "":
		return NewSimulatedBackend(), nil
	case "sysfs":
		return NewSysfsBackend(sysfsRoot), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// SimulatedBackend provides two dual-port ConnectX adapters whose port
// states can be changed at runtime.
type SimulatedBackend struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewSimulatedBackend creates a simulated backend with every port ACTIVE.
func NewSimulatedBackend() *SimulatedBackend {
	b := &SimulatedBackend{devices: make(map[string]*Device)}

	for i, guid := range []string{"0002:c903:00de:adbe", "0002:c903:00de:adbf"} {
		name := fmt.Sprintf("mlx5_%d", i)
		b.devices[name] = &Device{
			Name:        name,
			NodeGUID:    guid,
			NodeType:    "CA",
			FirmwareVer: "20.35.1012",
			Ports: []Port{
				{Num: 1, State: PortActive, LinkLayer: "InfiniBand", Rate: "100 Gb/sec (4X EDR)", LID: uint16(2*i + 1)},
				{Num: 2, State: PortActive, LinkLayer: "InfiniBand", Rate: "100 Gb/sec (4X EDR)", LID: uint16(2*i + 2)},
			},
		}
	}

	return b
}

// Name implements Backend.
func (b *SimulatedBackend) Name() string {
	return "simulated"
}

// Devices implements Backend.
func (b *SimulatedBackend) Devices(_ context.Context) ([]Device, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Device, 0, len(b.devices))

	for _, d := range b.devices {
		cp := *d
		cp.Ports = append([]Port(nil), d.Ports...)
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// SetPortState changes the state of a simulated port.
func (b *SimulatedBackend) SetPortState(device string, num int, state PortState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[device]
	if !ok {
		return fmt.Errorf("%s: %w", device, ErrDeviceNotFound)
	}

	for i := range d.Ports {
		if d.Ports[i].Num == num {
			d.Ports[i].State = state
			return nil
		}
	}

	return fmt.Errorf("%s/%d: %w", device, num, ErrPortNotFound)
}

// AddDevice adds or replaces a simulated adapter.
func (b *SimulatedBackend) AddDevice(d Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := d
	cp.Ports = append([]Port(nil), d.Ports...)
	b.devices[d.Name] = &cp
}

// RemoveDevice simulates hot-unplug of an adapter.
func (b *SimulatedBackend) RemoveDevice(device string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.devices[device]; !ok {
		return fmt.Errorf("%s: %w", device, ErrDeviceNotFound)
	}

	delete(b.devices, device)

	return nil
}
