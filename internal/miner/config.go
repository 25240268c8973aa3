package miner

import (
	"fmt"
	"time"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/gpu"
)

// FleetConfig holds the tunables shared read only by every device worker.
type FleetConfig struct {
	// Devices lists the device ordinals to mine on. Empty means all.
	Devices      []int
	GridSize     uint32
	BlockSize    uint32
	Streams      int
	ParallelHash uint32
	Schedule     gpu.ScheduleFlag
	LoadMode     dataset.Mode
	// DatasetCreator is the device ordinal generating the shared dataset
	// in single load mode.
	DatasetCreator int
	// Eval re-hashes every device result on the host before submitting.
	Eval bool
	// CurrentBlock sizes the startup memory check.
	CurrentBlock uint64
	PollInterval time.Duration
	IdleInterval time.Duration
}

// DefaultFleetConfig returns the defaults used when nothing is configured.
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		GridSize:     8192,
		BlockSize:    128,
		Streams:      2,
		ParallelHash: 4,
		Schedule:     gpu.ScheduleBlockingSync,
		LoadMode:     dataset.ModeParallel,
		PollInterval: 100 * time.Millisecond,
		IdleInterval: 3 * time.Second,
	}
}

// Normalize fills zero values with defaults and rounds the block size up to
// a multiple of 8.
func (c *FleetConfig) Normalize() error {
	def := DefaultFleetConfig()
	if c.GridSize == 0 {
		c.GridSize = def.GridSize
	}
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	c.BlockSize = (c.BlockSize + 7) / 8 * 8
	if c.Streams <= 0 {
		c.Streams = def.Streams
	}
	if c.ParallelHash == 0 {
		c.ParallelHash = def.ParallelHash
	}
	switch c.ParallelHash {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("parallel hash must be 1, 2, 4 or 8, got %d", c.ParallelHash)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if len(c.Devices) > MaxMiners {
		return fmt.Errorf("at most %d devices, got %d", MaxMiners, len(c.Devices))
	}
	return nil
}

// BatchSize is the number of nonces of one kernel launch.
func (c FleetConfig) BatchSize() uint64 {
	return uint64(c.GridSize) * uint64(c.BlockSize)
}
