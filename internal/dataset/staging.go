package dataset

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// HostBuffer is the host copy of a dataset shared between devices. The
// memory is locked in RAM when the platform and limits allow it.
type HostBuffer struct {
	logger *zap.Logger
	data   []byte
	pinned bool
	freed  atomic.Bool
}

// NewHostBuffer allocates size bytes of staging memory.
func NewHostBuffer(logger *zap.Logger, size uint64) *HostBuffer {
	b := &HostBuffer{
		logger: logger,
		data:   make([]byte, size),
	}
	if err := pin(b.data); err != nil {
		logger.Debug("Staging buffer not pinned", zap.Uint64("bytes", size), zap.Error(err))
	} else {
		b.pinned = true
	}
	return b
}

// Bytes returns the staged dataset.
func (b *HostBuffer) Bytes() []byte {
	return b.data
}

// Pinned reports whether the buffer is locked in RAM.
func (b *HostBuffer) Pinned() bool {
	return b.pinned
}

// Freed reports whether Free was called.
func (b *HostBuffer) Freed() bool {
	return b.freed.Load()
}

// Free unlocks the buffer. Only the first call has an effect; the memory is
// reclaimed once no device copy references it.
func (b *HostBuffer) Free() {
	if b.freed.Swap(true) {
		return
	}
	if b.pinned {
		if err := unpin(b.data); err != nil {
			b.logger.Debug("Failed to unpin staging buffer", zap.Error(err))
		}
	}
}
