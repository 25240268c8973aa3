package commands

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/api"
	"github.com/shizukutanaka/dagminer/internal/config"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/farm"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/hardware"
	"github.com/shizukutanaka/dagminer/internal/logging"
	"github.com/shizukutanaka/dagminer/internal/miner"
	"github.com/shizukutanaka/dagminer/internal/monitoring"
)

// miningApp wires the farm, the device fleet and the outer surfaces.
type miningApp struct {
	logger *zap.Logger
	cfg    *config.Config

	runtime gpu.Runtime
	lights  *ethash.CacheStore
	farm    *farm.Farm
	fleet   *miner.Fleet
	metrics *monitoring.MetricsExporter
	api     *api.Server
}

// newMiningApp builds the application. A nil sink logs every solution.
func newMiningApp(factory *logging.LoggerFactory, cfg *config.Config, sink farm.SolutionSink) (*miningApp, error) {
	a := &miningApp{
		logger: factory.Logger(),
		cfg:    cfg,
	}

	fleetCfg, err := cfg.FleetConfig()
	if err != nil {
		return nil, err
	}

	a.runtime, err = openRuntime(cfg, factory.GetLogger("gpu"))
	if err != nil {
		return nil, err
	}

	a.lights, err = ethash.NewCacheStore(factory.GetLogger("ethash"), cfg.StoreConfig())
	if err != nil {
		return nil, err
	}

	a.farm, err = farm.New(factory.GetLogger("farm"), cfg.FarmConfig(), sink)
	if err != nil {
		return nil, err
	}
	if cfg.HwMon.Enabled {
		nvml := hardware.NewNvidiaMonitor(factory.GetLogger("hwmon"))
		if nvml.Available() {
			a.farm.SetMonitor(nvml)
		} else {
			a.logger.Info("Device telemetry unavailable")
		}
	}

	a.metrics = monitoring.NewMetricsExporter(factory.GetLogger("metrics"), cfg.Metrics, a.farm)

	opts := []miner.FleetOption{miner.WithHostMemory(hardware.HostMemory)}
	if cfg.Metrics.Enabled {
		opts = append(opts, miner.WithLoadObserver(a.metrics.RecordDatasetLoad))
	}
	a.fleet, err = miner.NewFleet(factory.GetLogger("fleet"), fleetCfg, a.runtime, a.farm, a.lights, opts...)
	if err != nil {
		return nil, err
	}
	a.farm.OnNewWork(a.fleet.Kick)

	if cfg.API.Enabled {
		deps := api.Deps{
			Observer: a.farm,
			Work:     a.farm,
			Health:   a.health,
			Version:  Version,
		}
		// The API serves metrics unless the exporter has its own listener.
		if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
			deps.Metrics = a.metrics.Handler()
		}
		a.api, err = api.NewServer(cfg.API, factory.GetLogger("api"), deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	return a, nil
}

// Start brings up the farm, the fleet and the outer surfaces in that order.
func (a *miningApp) Start(ctx context.Context) error {
	if err := a.farm.Start(ctx); err != nil {
		return err
	}
	if err := a.fleet.Start(ctx); err != nil {
		a.farm.Stop()
		return fmt.Errorf("failed to start devices: %w", err)
	}
	for _, err := range a.fleet.Excluded() {
		a.logger.Warn("Device excluded", zap.Error(err))
	}
	for _, m := range a.fleet.Miners() {
		a.farm.Attach(m)
	}

	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}
	return nil
}

// health fails once no device worker is left.
func (a *miningApp) health() error {
	miners := a.fleet.Miners()
	for _, m := range miners {
		if m.State() != miner.StateTerminated {
			return nil
		}
	}
	if len(miners) == 0 {
		return errors.New("no device started")
	}
	return errors.New("all device workers stopped")
}

// Shutdown stops everything in reverse start order.
func (a *miningApp) Shutdown(ctx context.Context) error {
	var errs []error
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.metrics.Stop(); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		a.fleet.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("device workers did not stop: %w", ctx.Err()))
	}

	a.farm.Stop()
	if err := a.lights.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
