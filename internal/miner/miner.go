// Package miner runs the ethash search on accelerator devices: one worker
// loop per device, fed by a farm.
package miner

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// State is the state of a device worker.
type State int32

const (
	StateWaitForWork State = iota
	StateInitializing
	StateSearching
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateWaitForWork:
		return "waiting"
	case StateInitializing:
		return "initializing"
	case StateSearching:
		return "searching"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LightSource provides the light cache of an epoch.
type LightSource interface {
	Light(seed common.Hash) (*ethash.Light, error)
	DatasetSize(epoch uint64) uint64
}

// LoadObserver is notified after every dataset load.
type LoadObserver func(device int, res dataset.Result)

// Miner is the worker of one device.
type Miner struct {
	logger *zap.Logger
	cfg    *FleetConfig
	desc   gpu.Descriptor
	rt     gpu.Runtime
	farm   mining.Farm
	lights LightSource
	coord  *dataset.Coordinator
	onLoad LoadObserver
	name   string

	newWork atomic.Bool
	token   atomic.Pointer[mining.Token]
	hashes  atomic.Uint64
	state   atomic.Int32

	// Owned by the worker goroutine.
	dev       gpu.Device
	loader    *dataset.Loader
	pipe      *Pipeline
	submitter *Submitter
	light     *ethash.Light
	nonce     uint64
}

// NewMiner creates the worker of device desc.
func NewMiner(logger *zap.Logger, cfg *FleetConfig, desc gpu.Descriptor, rt gpu.Runtime, farm mining.Farm,
	lights LightSource, coord *dataset.Coordinator, onLoad LoadObserver) *Miner {
	name := fmt.Sprintf("%s%d", rt.Name(), desc.Index)
	return &Miner{
		logger: logger.With(zap.String("worker", name), zap.Int("device", desc.Index)),
		cfg:    cfg,
		desc:   desc,
		rt:     rt,
		farm:   farm,
		lights: lights,
		coord:  coord,
		onLoad: onLoad,
		name:   name,
	}
}

// Name returns the worker name.
func (m *Miner) Name() string { return m.name }

// Index returns the logical device index.
func (m *Miner) Index() int { return m.desc.Index }

// Descriptor returns the device descriptor.
func (m *Miner) Descriptor() gpu.Descriptor { return m.desc }

// HashCount returns the number of nonces searched so far.
func (m *Miner) HashCount() uint64 { return m.hashes.Load() }

// State returns the current worker state.
func (m *Miner) State() State { return State(m.state.Load()) }

func (m *Miner) setState(s State) { m.state.Store(int32(s)) }

// Kick tells the worker that new work is available. The running search
// stops after its in flight batches and the solutions of those batches are
// flagged stale.
func (m *Miner) Kick() {
	if t := m.token.Load(); t != nil {
		t.Cancel()
	}
	m.newWork.Store(true)
}

// Run is the worker loop. It returns nil when ctx is done and an error when
// the device can no longer mine.
func (m *Miner) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer m.setState(StateTerminated)

	dev, err := m.rt.Open(m.desc.Ordinal)
	if err != nil {
		return gpu.Fault(m.desc.Ordinal, "open", err)
	}
	m.dev = dev
	m.loader = dataset.NewLoader(m.logger, dev, m.desc, m.coord, dataset.LoaderConfig{
		Schedule:  m.cfg.Schedule,
		GridSize:  m.cfg.GridSize,
		BlockSize: m.cfg.BlockSize,
	})
	m.submitter = NewSubmitter(m.logger, m.farm, m.name, m.desc.Index, m.cfg.Eval)
	m.nonce = FreeRunStart(m.farm.NonceScrambler(), m.desc.Index)
	defer m.shutdown()

	var (
		current mining.WorkPackage
		next    uint64
	)
	for ctx.Err() == nil {
		w, token := m.snapshot()

		if !w.Valid() {
			m.setState(StateWaitForWork)
			m.logger.Info("No work. Pause", zap.Duration("for", m.cfg.IdleInterval))
			m.idle(ctx)
			continue
		}

		if m.light == nil || w.Seed != m.light.Seed {
			m.setState(StateInitializing)
			if err := m.init(ctx, w.Seed); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if gpu.IsKind(err, gpu.KindNoWork) {
					m.logger.Warn("Unusable work", zap.Error(err))
					m.idle(ctx)
					continue
				}
				m.logger.Error("Device initialization failed", zap.Error(err))
				return err
			}
		}

		var start uint64
		switch {
		case w.ExSizeBits < 0:
			start = m.nonce
		case w.SameJob(current):
			start = next
		default:
			start, err = PartitionStart(w, m.desc.Index)
			if err != nil {
				m.logger.Warn("Unusable work", zap.Error(err))
				m.idle(ctx)
				continue
			}
		}

		if !w.SameJob(current) {
			m.logger.Debug("New work",
				zap.String("job", w.JobID),
				zap.Stringer("header", w.Header),
				zap.Uint64("start_nonce", start),
			)
		}
		current = w
		m.setState(StateSearching)

		light := m.light
		next, err = m.pipe.Search(ctx, w, start, &m.newWork,
			func(f Found) { m.submitter.Submit(light, w, token, f) },
			func(size uint64) { m.hashes.Add(size) },
		)
		if err != nil {
			m.logger.Error("Search failed", zap.Error(err))
			return gpu.Fault(m.desc.Ordinal, "search", err)
		}
		if w.ExSizeBits < 0 {
			m.nonce = next
		}
	}
	return nil
}

// snapshot reads the current work together with the token its solutions
// carry. The token is live when the read completes: a kick that lands
// during the read may announce the very work just read, so the read is
// repeated under a fresh token.
func (m *Miner) snapshot() (mining.WorkPackage, *mining.Token) {
	for {
		m.newWork.Store(false)
		token := mining.NewToken()
		m.token.Store(token)
		w := m.farm.CurrentWork()
		if !token.Cancelled() {
			return w, token
		}
	}
}

// init loads the dataset of the epoch identified by seed and rebuilds the
// search pipeline when the device was reset.
func (m *Miner) init(ctx context.Context, seed common.Hash) error {
	light, err := m.lights.Light(seed)
	if err != nil {
		return &gpu.DeviceError{Device: m.desc.Ordinal, Kind: gpu.KindNoWork, Op: "light cache", Err: err}
	}

	res, err := m.loader.Load(ctx, light)
	if err != nil {
		return err
	}
	if res.Reset || m.pipe == nil {
		// A reset already released the old streams.
		m.pipe, err = NewPipeline(m.dev, m.cfg.Streams, m.cfg.GridSize, m.cfg.BlockSize, m.cfg.ParallelHash)
		if err != nil {
			return gpu.Fault(m.desc.Ordinal, "create pipeline", err)
		}
	}
	m.light = light
	if m.onLoad != nil {
		m.onLoad(m.desc.Index, res)
	}
	return nil
}

// idle waits for the idle interval, returning early on shutdown or when the
// farm signals new work.
func (m *Miner) idle(ctx context.Context) {
	deadline := time.NewTimer(m.cfg.IdleInterval)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if m.newWork.CompareAndSwap(true, false) {
				return
			}
		}
	}
}

func (m *Miner) shutdown() {
	if m.pipe != nil {
		if err := m.pipe.Close(); err != nil {
			m.logger.Debug("Failed to release pipeline", zap.Error(err))
		}
	}
	if err := m.dev.Close(); err != nil {
		m.logger.Warn("Failed to reset device", zap.Error(err))
	}
}
