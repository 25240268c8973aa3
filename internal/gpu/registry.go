package gpu

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Descriptor is a device chosen for mining. Index is the logical index used
// for nonce partitioning and dataset coordination.
type Descriptor struct {
	Index int
	Props
}

// Registry enumerates the devices of a runtime and decides which of them
// take part in mining.
type Registry struct {
	logger *zap.Logger
	rt     Runtime
}

// NewRegistry creates a registry over rt.
func NewRegistry(logger *zap.Logger, rt Runtime) *Registry {
	return &Registry{
		logger: logger,
		rt:     rt,
	}
}

// List returns the properties of every device of the runtime.
func (r *Registry) List() ([]Props, error) {
	count, err := r.rt.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	props := make([]Props, 0, count)
	for i := 0; i < count; i++ {
		p, err := r.rt.Properties(i)
		if err != nil {
			return nil, fmt.Errorf("failed to query device %d: %w", i, err)
		}
		props = append(props, p)
	}
	return props, nil
}

// ValidateCapacity reports whether the device can hold required bytes of
// dataset.
func (r *Registry) ValidateCapacity(ordinal int, required uint64) (bool, error) {
	p, err := r.rt.Properties(ordinal)
	if err != nil {
		return false, err
	}
	return p.TotalMemory >= required, nil
}

// Assign maps the configured ordinals to logical indices. An empty selection
// takes every device. Ordinals past the last device are clamped to it and
// duplicates are dropped.
func (r *Registry) Assign(selected []int, maxDevices int) ([]Descriptor, error) {
	props, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, ErrDeviceNotFound
	}

	ordinals := selected
	if len(ordinals) == 0 {
		ordinals = make([]int, len(props))
		for i := range ordinals {
			ordinals[i] = i
		}
	}

	seen := make(map[int]bool, len(ordinals))
	var out []Descriptor
	for _, ordinal := range ordinals {
		if ordinal < 0 {
			return nil, fmt.Errorf("invalid device ordinal %d", ordinal)
		}
		if ordinal >= len(props) {
			r.logger.Warn("Device ordinal out of range, clamping",
				zap.Int("ordinal", ordinal),
				zap.Int("devices", len(props)),
			)
			ordinal = len(props) - 1
		}
		if seen[ordinal] {
			r.logger.Warn("Device selected twice, ignoring duplicate", zap.Int("ordinal", ordinal))
			continue
		}
		seen[ordinal] = true
		if maxDevices > 0 && len(out) == maxDevices {
			r.logger.Warn("Too many devices selected", zap.Int("max", maxDevices))
			break
		}
		out = append(out, Descriptor{Index: len(out), Props: props[ordinal]})
	}
	return out, nil
}

// Select assigns devices and drops those that cannot hold required bytes of
// dataset. Logical indices of the usable devices are dense. Every excluded
// device yields a capacity DeviceError.
func (r *Registry) Select(selected []int, maxDevices int, required uint64) ([]Descriptor, []error, error) {
	assigned, err := r.Assign(selected, maxDevices)
	if err != nil {
		return nil, nil, err
	}

	var (
		usable   []Descriptor
		excluded []error
	)
	for _, d := range assigned {
		fits, err := r.ValidateCapacity(d.Ordinal, required)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to validate device %d: %w", d.Ordinal, err)
		}
		if !fits {
			err := &DeviceError{
				Device: d.Ordinal,
				Kind:   KindCapacity,
				Op:     "validate",
				Err: fmt.Errorf("%s of memory, dataset needs %s: %w",
					humanize.IBytes(d.TotalMemory), humanize.IBytes(required), ErrOutOfMemory),
			}
			r.logger.Warn("Excluding device with insufficient memory",
				zap.Int("ordinal", d.Ordinal),
				zap.String("name", d.Name),
				zap.String("memory", humanize.IBytes(d.TotalMemory)),
				zap.String("required", humanize.IBytes(required)),
			)
			excluded = append(excluded, err)
			continue
		}
		d.Index = len(usable)
		usable = append(usable, d)
	}
	if len(usable) == 0 {
		return nil, excluded, errors.Join(append([]error{errors.New("no usable device")}, excluded...)...)
	}
	return usable, excluded, nil
}
