package fabric

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel exposes RDMA adapters.
const DefaultSysfsRoot = "/sys/class/infiniband"

// SysfsBackend reads adapters from the kernel's infiniband class directory.
type SysfsBackend struct {
	root string
}

// NewSysfsBackend creates a backend rooted at root, or DefaultSysfsRoot if empty.
func NewSysfsBackend(root string) *SysfsBackend {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &SysfsBackend{root: root}
}

// Name implements Backend.
func (b *SysfsBackend) Name() string {
	return "sysfs"
}

// Devices implements Backend.
func (b *SysfsBackend) Devices(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", b.root, ErrNoDevicesRoot)
		}

		return nil, fmt.Errorf("read %s: %w", b.root, err)
	}

	devices := make([]Device, 0, len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		devicePath := filepath.Join(b.root, entry.Name())
		device := Device{
			Name:        entry.Name(),
			NodeGUID:    readSysfsFile(filepath.Join(devicePath, "node_guid")),
			NodeType:    parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
			FirmwareVer: readSysfsFile(filepath.Join(devicePath, "fw_ver")),
		}

		portEntries, err := os.ReadDir(filepath.Join(devicePath, "ports"))
		if err != nil {
			log.Debug().Err(err).Str("device", device.Name).Msg("Adapter has no ports directory")
		}

		for _, pe := range portEntries {
			num, err := strconv.Atoi(pe.Name())
			if err != nil {
				continue
			}

			portPath := filepath.Join(devicePath, "ports", pe.Name())
			device.Ports = append(device.Ports, Port{
				Num:       num,
				State:     parsePortState(readSysfsFile(filepath.Join(portPath, "state"))),
				LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
				Rate:      readSysfsFile(filepath.Join(portPath, "rate")),
				LID:       parseLID(readSysfsFile(filepath.Join(portPath, "lid"))),
			})
		}

		sort.Slice(device.Ports, func(i, j int) bool { return device.Ports[i].Num < device.Ports[j].Num })
		devices = append(devices, device)
	}

	return devices, nil
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts the node_type attribute ("1: CA") to its name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parsePortState converts the state attribute ("4: ACTIVE") to a PortState.
func parsePortState(state string) PortState {
	num, name, found := strings.Cut(state, ":")
	if found {
		return PortState(strings.TrimSpace(name))
	}

	switch strings.TrimSpace(num) {
	case "1":
		return PortDown
	case "2":
		return PortInit
	case "3":
		return PortArmed
	case "4":
		return PortActive
	default:
		return PortState(strings.ToUpper(strings.TrimSpace(state)))
	}
}

// parseLID parses the hexadecimal lid attribute ("0x1a").
func parseLID(lid string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(lid, "0x"), 16, 16)
	if err != nil {
		return 0
	}

	return uint16(v)
}
