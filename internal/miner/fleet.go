package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// FleetOption customizes a Fleet.
type FleetOption func(*Fleet)

// WithLoadObserver reports every dataset load.
func WithLoadObserver(fn LoadObserver) FleetOption {
	return func(f *Fleet) { f.onLoad = fn }
}

// WithHostMemory sets the host memory probe used before staging a shared
// dataset.
func WithHostMemory(fn func() (uint64, error)) FleetOption {
	return func(f *Fleet) { f.hostMemory = fn }
}

// Fleet runs one Miner per usable device and supervises them. A failing
// device stops only its own worker.
type Fleet struct {
	logger     *zap.Logger
	cfg        FleetConfig
	rt         gpu.Runtime
	farm       mining.Farm
	lights     LightSource
	registry   *gpu.Registry
	onLoad     LoadObserver
	hostMemory func() (uint64, error)

	coord    *dataset.Coordinator
	miners   []*Miner
	excluded []error
	failures chan error

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFleet creates a fleet. Devices are selected on Start.
func NewFleet(logger *zap.Logger, cfg FleetConfig, rt gpu.Runtime, farm mining.Farm, lights LightSource, opts ...FleetOption) (*Fleet, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid fleet config: %w", err)
	}
	f := &Fleet{
		logger:   logger,
		cfg:      cfg,
		rt:       rt,
		farm:     farm,
		lights:   lights,
		registry: gpu.NewRegistry(logger.Named("registry"), rt),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start selects the devices able to hold the dataset of the configured block
// and starts their workers.
func (f *Fleet) Start(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return errors.New("fleet already running")
	}

	required := f.lights.DatasetSize(ethash.EpochOf(f.cfg.CurrentBlock))
	usable, excluded, err := f.registry.Select(f.cfg.Devices, MaxMiners, required)
	f.excluded = excluded
	if err != nil {
		f.running.Store(false)
		return err
	}

	creator := 0
	found := f.cfg.LoadMode != dataset.ModeSingle
	for _, d := range usable {
		if d.Ordinal == f.cfg.DatasetCreator {
			creator = d.Index
			found = true
		}
	}
	if !found {
		f.logger.Warn("Dataset creator device is not mining, using the first device",
			zap.Int("creator", f.cfg.DatasetCreator),
			zap.Int("ordinal", usable[0].Ordinal),
		)
	}

	f.coord, err = dataset.NewCoordinator(f.logger.Named("dataset"), dataset.Config{
		Mode:         f.cfg.LoadMode,
		Devices:      len(usable),
		Creator:      creator,
		PollInterval: f.cfg.PollInterval,
		HostMemory:   f.hostMemory,
	})
	if err != nil {
		f.running.Store(false)
		return err
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.failures = make(chan error, len(usable))
	for _, d := range usable {
		f.logger.Info("Using device",
			zap.Int("index", d.Index),
			zap.Int("ordinal", d.Ordinal),
			zap.String("name", d.Name),
			zap.String("bus", d.BusLocation()),
			zap.String("memory", humanize.IBytes(d.TotalMemory)),
			zap.String("compute", d.Compute()),
		)
		m := NewMiner(f.logger.Named("miner"), &f.cfg, d, f.rt, f.farm, f.lights, f.coord, f.onLoad)
		f.miners = append(f.miners, m)
	}
	for _, m := range f.miners {
		f.wg.Add(1)
		go f.run(m)
	}

	f.logger.Info("Fleet started",
		zap.Int("devices", len(f.miners)),
		zap.Int("excluded", len(excluded)),
		zap.Stringer("load_mode", f.cfg.LoadMode),
		zap.Uint64("batch", f.cfg.BatchSize()),
		zap.Int("streams", f.cfg.Streams),
	)
	return nil
}

func (f *Fleet) run(m *Miner) {
	defer f.wg.Done()
	err := m.Run(f.ctx)
	if err == nil {
		return
	}
	f.coord.Withdraw(m.Index())
	f.logger.Error("Device worker stopped", zap.String("worker", m.Name()), zap.Error(err))
	f.failures <- err
}

// Kick signals new work to every worker.
func (f *Fleet) Kick() {
	for _, m := range f.miners {
		m.Kick()
	}
}

// Miners returns the workers started by Start.
func (f *Fleet) Miners() []*Miner {
	return f.miners
}

// Excluded returns the capacity errors of devices left out at Start.
func (f *Fleet) Excluded() []error {
	return f.excluded
}

// Failures delivers the error of every worker that stopped on its own.
func (f *Fleet) Failures() <-chan error {
	return f.failures
}

// Stop cancels every worker and waits for them to exit.
func (f *Fleet) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	f.cancel()
	f.wg.Wait()
	f.logger.Info("Fleet stopped")
}

// Wait blocks until every worker exited.
func (f *Fleet) Wait() {
	f.wg.Wait()
}
