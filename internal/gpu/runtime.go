// Package gpu abstracts the accelerator runtime used by the miners: device
// enumeration, device memory, streams and the two ethash kernels.
package gpu

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ScheduleFlag selects how the host thread waits on device work.
type ScheduleFlag int

const (
	ScheduleAuto ScheduleFlag = iota
	ScheduleSpin
	ScheduleYield
	ScheduleBlockingSync
)

var scheduleNames = map[ScheduleFlag]string{
	ScheduleAuto:         "auto",
	ScheduleSpin:         "spin",
	ScheduleYield:        "yield",
	ScheduleBlockingSync: "sync",
}

func (f ScheduleFlag) String() string {
	if s, ok := scheduleNames[f]; ok {
		return s
	}
	return fmt.Sprintf("schedule(%d)", int(f))
}

// ParseScheduleFlag parses auto, spin, yield or sync.
func ParseScheduleFlag(s string) (ScheduleFlag, error) {
	for f, name := range scheduleNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return ScheduleAuto, fmt.Errorf("unknown schedule policy %q", s)
}

// Props are the static properties of a device.
type Props struct {
	Ordinal      int
	Name         string
	TotalMemory  uint64
	ComputeMajor int
	ComputeMinor int
	PCIDomain    int
	PCIBus       int
	PCIDevice    int
}

// BusLocation formats the PCI location as domain:bus:device.
func (p Props) BusLocation() string {
	return fmt.Sprintf("%04x:%02x:%02x", p.PCIDomain, p.PCIBus, p.PCIDevice)
}

// Compute returns the compute capability as major.minor.
func (p Props) Compute() string {
	return fmt.Sprintf("%d.%d", p.ComputeMajor, p.ComputeMinor)
}

// Buffer is a device memory allocation.
type Buffer struct {
	Ptr  uintptr
	Size uint64
}

// IsZero reports whether the buffer is unallocated.
func (b Buffer) IsZero() bool {
	return b.Ptr == 0
}

// Stream is an opaque handle of an asynchronous execution queue.
type Stream uintptr

// MaxSearchResults is the capacity of a result buffer.
const MaxSearchResults = 4

// SearchResult is one candidate written by the search kernel.
type SearchResult struct {
	Gid uint32
	Mix [8]uint32
}

// SearchResults is the pinned host buffer a search kernel writes into. Its
// layout matches the device side structure.
type SearchResults struct {
	Count   uint32
	Results [MaxSearchResults]SearchResult
}

// MixHash returns the mix digest of a result as a hash.
func (r SearchResult) MixHash() common.Hash {
	var h common.Hash
	for i, w := range r.Mix {
		h[i*4] = byte(w)
		h[i*4+1] = byte(w >> 8)
		h[i*4+2] = byte(w >> 16)
		h[i*4+3] = byte(w >> 24)
	}
	return h
}

// Runtime enumerates and opens devices.
type Runtime interface {
	Name() string
	DeviceCount() (int, error)
	Properties(ordinal int) (Props, error)
	Open(ordinal int) (Device, error)
}

// Device is an opened device context. A Device must only be used from the
// OS thread that opened it.
type Device interface {
	Ordinal() int
	// Reset frees every allocation, stream and result buffer of the device
	// and applies the schedule policy.
	Reset(flags ScheduleFlag) error
	Alloc(size uint64) (Buffer, error)
	CopyToDevice(dst Buffer, src []byte) error
	CopyToHost(dst []byte, src Buffer) error
	CreateStream() (Stream, error)
	DestroyStream(s Stream) error
	AllocResults() (*SearchResults, error)
	FreeResults(r *SearchResults) error
	// SetConstants binds the light cache and full dataset used by the
	// kernels.
	SetConstants(light, dataset Buffer) error
	// GenerateDataset computes the full dataset from the light cache and
	// waits for completion.
	GenerateDataset(grid, block uint32) error
	SetHeader(header common.Hash, target uint64) error
	// Search enqueues one batch of grid*block nonces starting at
	// startNonce. It returns before the batch completes.
	Search(s Stream, results *SearchResults, startNonce uint64, grid, block, parallelHash uint32) error
	// Synchronize blocks until all work queued on s completed.
	Synchronize(s Stream) error
	Close() error
}

// Factory builds a runtime.
type Factory func(logger *zap.Logger) (Runtime, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a runtime available by name.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Runtimes lists the registered runtime names.
func Runtimes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenRuntime instantiates a registered runtime.
func OpenRuntime(name string, logger *zap.Logger) (Runtime, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime %q not available (have %s)", name, strings.Join(Runtimes(), ", "))
	}
	return f(logger)
}
