// Package dataset loads the per epoch ethash dataset onto devices and
// coordinates loading between the devices of one process.
package dataset

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// MaxDevices is the number of devices a coordinator can track.
const MaxDevices = 32

// Mode selects how devices obtain the full dataset.
type Mode int

const (
	// ModeParallel lets every device generate its own dataset at once.
	ModeParallel Mode = iota
	// ModeSequential generates on every device, one device at a time in
	// index order.
	ModeSequential
	// ModeSingle generates once on the creator device and copies the result
	// to the others through host memory.
	ModeSingle
)

func (m Mode) String() string {
	switch m {
	case ModeParallel:
		return "parallel"
	case ModeSequential:
		return "sequential"
	case ModeSingle:
		return "single"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses parallel, sequential or single.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "parallel", "":
		return ModeParallel, nil
	case "sequential":
		return ModeSequential, nil
	case "single":
		return ModeSingle, nil
	default:
		return ModeParallel, fmt.Errorf("unknown dataset load mode %q", s)
	}
}

// EventKind identifies a coordination event.
type EventKind int

const (
	EventTurn EventKind = iota
	EventGenerate
	EventLoaded
	EventPublished
	EventCopyFromHost
	EventFallback
	EventFreed
)

// Event is emitted to the observer as coordination progresses.
type Event struct {
	Kind    EventKind
	Epoch   uint64
	Device  int
	Counter int32
}

// Config configures a Coordinator.
type Config struct {
	Mode    Mode
	Devices int
	// Creator is the logical index of the device generating the shared
	// dataset in ModeSingle.
	Creator      int
	PollInterval time.Duration
	// HostMemory reports the available host memory. Nil skips the check.
	HostMemory func() (uint64, error)
	// Observer receives every coordination event. It must not block.
	Observer func(Event)
}

// Coordinator holds the process wide loading state. All fields touched by
// more than one device are atomics.
type Coordinator struct {
	logger *zap.Logger
	cfg    Config

	current atomic.Pointer[Round]
	gone    atomic.Uint32
}

// NewCoordinator creates a coordinator for cfg.Devices devices.
func NewCoordinator(logger *zap.Logger, cfg Config) (*Coordinator, error) {
	if cfg.Devices <= 0 || cfg.Devices > MaxDevices {
		return nil, fmt.Errorf("device count %d out of range 1..%d", cfg.Devices, MaxDevices)
	}
	if cfg.Creator < 0 || cfg.Creator >= cfg.Devices {
		logger.Warn("Dataset creator is not a mining device, using device 0",
			zap.Int("creator", cfg.Creator),
			zap.Int("devices", cfg.Devices),
		)
		cfg.Creator = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Coordinator{
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Mode returns the load mode.
func (c *Coordinator) Mode() Mode {
	return c.cfg.Mode
}

// Withdraw removes a device from every future round and releases anything
// the current round is waiting on from it.
func (c *Coordinator) Withdraw(index int) {
	c.gone.Or(1 << uint(index))
	if r := c.current.Load(); r != nil {
		r.Fail(index)
	}
}

// Begin returns the round of epoch. A newer epoch replaces the current
// round. An older epoch gets a detached round in which every device
// generates on its own, so a late device never tears down the round its
// peers are sharing.
func (c *Coordinator) Begin(epoch uint64) *Round {
	for {
		cur := c.current.Load()
		if cur != nil && cur.epoch == epoch {
			return cur
		}
		if cur != nil && epoch < cur.epoch {
			c.logger.Debug("Dataset requested for an older epoch, loading it uncoordinated",
				zap.Uint64("epoch", epoch),
				zap.Uint64("current", cur.epoch),
			)
			r := c.newRound(epoch)
			r.superseded.Store(true)
			r.released.Store(true)
			return r
		}
		next := c.newRound(epoch)
		if c.current.CompareAndSwap(cur, next) {
			if cur != nil {
				cur.supersede()
			}
			return next
		}
	}
}

func (c *Coordinator) newRound(epoch uint64) *Round {
	gone := c.gone.Load()
	all := uint32(1)<<uint(c.cfg.Devices) - 1
	if c.cfg.Devices == MaxDevices {
		all = ^uint32(0)
	}
	creator := c.cfg.Creator
	if gone&(1<<uint(creator)) != 0 {
		if live := all &^ gone; live != 0 {
			creator = bits.TrailingZeros32(live)
		}
	}
	return &Round{
		c:       c,
		epoch:   epoch,
		gone:    gone,
		creator: creator,
		needed:  int32(bits.OnesCount32(all &^ gone)),
	}
}

func (c *Coordinator) emit(e Event) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(e)
	}
}

// Plan is the way a device obtains the full dataset in a round.
type Plan int

const (
	PlanGenerate Plan = iota
	PlanWaitForPeer
	PlanCopyFromHost
)

func (p Plan) String() string {
	switch p {
	case PlanGenerate:
		return "generate"
	case PlanWaitForPeer:
		return "wait_for_peer"
	case PlanCopyFromHost:
		return "copy_from_host"
	default:
		return "unknown"
	}
}

// Round is the coordination state of one epoch.
type Round struct {
	c       *Coordinator
	epoch   uint64
	gone    uint32
	creator int
	needed  int32

	loaded     atomic.Int32
	loadedMask atomic.Uint32
	failedMask atomic.Uint32

	consumed     atomic.Int32
	consumedMask atomic.Uint32
	staging      atomic.Pointer[HostBuffer]
	noSharing    atomic.Bool
	superseded   atomic.Bool
	// released is set once the staging slot is closed for the round.
	released atomic.Bool
}

// Epoch returns the epoch of the round.
func (r *Round) Epoch() uint64 {
	return r.epoch
}

// Creator returns the logical index generating the shared dataset.
func (r *Round) Creator() int {
	return r.creator
}

// Loaded returns the sequential datasets loaded counter.
func (r *Round) Loaded() int32 {
	return r.loaded.Load()
}

// turn counts devices that left the round below index as loaded. Only lower
// indices are counted, so a higher device dropping out never lets a lower
// one start early.
func (r *Round) turn(index int) bool {
	below := uint32(1)<<uint(index) - 1
	out := (r.gone | r.failedMask.Load()) &^ r.loadedMask.Load()
	return int(r.loaded.Load())+bits.OnesCount32(out&below) >= index
}

func (r *Round) wait(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	ticker := time.NewTicker(r.c.cfg.PollInterval)
	defer ticker.Stop()
	for !ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// WaitTurn blocks until every lower index device finished loading in this
// round. A superseded round stops ordering.
func (r *Round) WaitTurn(ctx context.Context, index int) error {
	err := r.wait(ctx, func() bool {
		return r.turn(index) || r.superseded.Load()
	})
	if err != nil {
		return err
	}
	r.c.emit(Event{Kind: EventTurn, Epoch: r.epoch, Device: index, Counter: r.loaded.Load()})
	return nil
}

// MarkLoaded increments the datasets loaded counter once per device.
func (r *Round) MarkLoaded(index int) {
	if markOnce(&r.loadedMask, index) {
		n := r.loaded.Add(1)
		r.c.emit(Event{Kind: EventLoaded, Epoch: r.epoch, Device: index, Counter: n})
	}
}

// Plan decides how device index obtains the dataset in ModeSingle.
func (r *Round) Plan(index int) Plan {
	if r.c.cfg.Mode != ModeSingle || r.needed <= 1 || r.noSharing.Load() {
		return PlanGenerate
	}
	if index == r.creator || r.released.Load() || r.consumedMask.Load()&(1<<uint(index)) != 0 {
		return PlanGenerate
	}
	if r.staging.Load() != nil {
		return PlanCopyFromHost
	}
	return PlanWaitForPeer
}

// Shares reports whether the creator should stage its dataset for peers.
func (r *Round) Shares(index int) bool {
	return r.c.cfg.Mode == ModeSingle && index == r.creator && r.needed > 1 && !r.noSharing.Load()
}

// StageCapacity checks host memory for a staging buffer of size bytes and
// cancels sharing when it does not fit.
func (r *Round) StageCapacity(size uint64) bool {
	if r.c.cfg.HostMemory == nil {
		return true
	}
	avail, err := r.c.cfg.HostMemory()
	if err != nil {
		r.c.logger.Debug("Host memory unknown, staging anyway", zap.Error(err))
		return true
	}
	if avail >= size {
		return true
	}
	r.c.logger.Warn("Not enough host memory to stage the dataset, devices generate their own",
		zap.String("available", humanize.IBytes(avail)),
		zap.String("required", humanize.IBytes(size)),
	)
	r.CancelSharing()
	return false
}

// Publish makes the staged dataset visible to the waiting devices.
func (r *Round) Publish(buf *HostBuffer) {
	if r.released.Load() {
		buf.Free()
		return
	}
	r.staging.Store(buf)
	r.c.emit(Event{Kind: EventPublished, Epoch: r.epoch, Device: r.creator})
	// The slot may have closed between the check and the store.
	if r.released.Load() {
		r.release()
	}
}

// Staged returns the published host dataset, or nil.
func (r *Round) Staged() *HostBuffer {
	return r.staging.Load()
}

// WaitForPeer blocks until the creator published the dataset. It returns
// nil when the device must generate the dataset itself instead.
func (r *Round) WaitForPeer(ctx context.Context) (*HostBuffer, error) {
	var buf *HostBuffer
	err := r.wait(ctx, func() bool {
		buf = r.staging.Load()
		return buf != nil || r.noSharing.Load() || r.superseded.Load() || r.released.Load()
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// MarkConsumed records that device index holds the dataset. The staging
// buffer is freed when the last device consumed it.
func (r *Round) MarkConsumed(index int) {
	if !markOnce(&r.consumedMask, index) {
		return
	}
	if r.consumed.Add(1) >= r.needed {
		r.release()
	}
}

// CancelSharing makes every waiting device generate its own dataset.
func (r *Round) CancelSharing() {
	if !r.noSharing.Swap(true) {
		r.c.emit(Event{Kind: EventFallback, Epoch: r.epoch, Device: r.creator})
	}
}

// Fail releases whatever the round expects from device index. The device
// stops blocking higher indices without counting as loaded.
func (r *Round) Fail(index int) {
	if index == r.creator && r.staging.Load() == nil {
		r.CancelSharing()
	}
	r.failedMask.Or(1 << uint(index))
	r.MarkConsumed(index)
}

func (r *Round) supersede() {
	r.superseded.Store(true)
	r.release()
}

func (r *Round) release() {
	r.released.Store(true)
	if buf := r.staging.Swap(nil); buf != nil {
		buf.Free()
		r.c.emit(Event{Kind: EventFreed, Epoch: r.epoch, Device: r.creator})
	}
}

func markOnce(mask *atomic.Uint32, index int) bool {
	bit := uint32(1) << uint(index)
	return mask.Or(bit)&bit == 0
}
