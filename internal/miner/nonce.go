package miner

import (
	"errors"
	"fmt"

	"github.com/shizukutanaka/dagminer/internal/mining"
)

const (
	// Log2MaxMiners is the number of nonce bits taken by the device index
	// when the pool reserves an extranonce.
	Log2MaxMiners = 5
	MaxMiners     = 1 << Log2MaxMiners

	// freeRunShift spaces the start of free running devices.
	freeRunShift = 40
)

// ErrExtraNonceTooWide is returned when the extranonce leaves no room for
// the device index.
var ErrExtraNonceTooWide = errors.New("extranonce too wide for device partitioning")

// PartitionShift returns the bit position of the device index within the
// nonce for an extranonce of exSizeBits bits.
func PartitionShift(exSizeBits int) (uint, error) {
	if exSizeBits < 0 || exSizeBits > 64-Log2MaxMiners {
		return 0, fmt.Errorf("%w: %d bits", ErrExtraNonceTooWide, exSizeBits)
	}
	return uint(64 - Log2MaxMiners - exSizeBits), nil
}

// PartitionStart returns the first nonce of device index for work that
// reserves an extranonce.
func PartitionStart(w mining.WorkPackage, index int) (uint64, error) {
	if index < 0 || index >= MaxMiners {
		return 0, fmt.Errorf("device index %d out of range", index)
	}
	shift, err := PartitionShift(w.ExSizeBits)
	if err != nil {
		return 0, err
	}
	return w.StartNonce | uint64(index)<<shift, nil
}

// FreeRunStart returns the first nonce of device index when the nonce space
// is not partitioned.
func FreeRunStart(scrambler uint64, index int) uint64 {
	return scrambler + uint64(index)<<freeRunShift
}
