package hardware

import (
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemory returns the host memory available for staging a dataset.
// When the virtual memory statistics cannot be read it falls back to the
// physical total.
func HostMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err == nil {
		return vm.Available, nil
	}
	if total := memory.TotalMemory(); total > 0 {
		return total, nil
	}
	return 0, fmt.Errorf("failed to read host memory: %w", err)
}

// PCIDevice describes a graphics card found on the PCI bus.
type PCIDevice struct {
	Address string
	Vendor  string
	Product string
}

// BusLocation returns the domain:bus:device part of the address.
func (d PCIDevice) BusLocation() string {
	if i := strings.LastIndexByte(d.Address, '.'); i >= 0 {
		return d.Address[:i]
	}
	return d.Address
}

// ScanGPUs lists the graphics cards visible on the PCI bus.
func ScanGPUs() ([]PCIDevice, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("failed to get GPU info: %w", err)
	}

	devices := make([]PCIDevice, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		d := PCIDevice{Address: card.Address}
		if card.DeviceInfo != nil {
			if card.DeviceInfo.Vendor != nil {
				d.Vendor = card.DeviceInfo.Vendor.Name
			}
			if card.DeviceInfo.Product != nil {
				d.Product = card.DeviceInfo.Product.Name
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// LookupPCI finds the card at a domain:bus:device location.
func LookupPCI(devices []PCIDevice, busLocation string) (PCIDevice, bool) {
	for _, d := range devices {
		if strings.EqualFold(d.BusLocation(), busLocation) {
			return d, true
		}
	}
	return PCIDevice{}, false
}
