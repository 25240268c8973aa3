// Package farm hands work to the device workers and collects what they
// find. It is the single point the pool side talks to.
package farm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/hardware"
	"github.com/shizukutanaka/dagminer/internal/miner"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// Device is the view of a worker the farm needs for progress reports.
type Device interface {
	Name() string
	Index() int
	Descriptor() gpu.Descriptor
	HashCount() uint64
	State() miner.State
}

// SolutionSink receives every solution the farm forwards.
type SolutionSink func(sol mining.Solution)

// Config holds farm settings.
type Config struct {
	// SampleInterval is the period of the hash rate sampler.
	SampleInterval time.Duration
	// Window is the number of samples averaged into a device hash rate.
	Window int
	// ReportInterval is the period of the statistics log line. Zero
	// disables it.
	ReportInterval time.Duration
	// SubmitStale forwards solutions whose work was superseded while
	// they were in flight. They are counted as stale either way.
	SubmitStale bool
	// NonceScrambler fixes the scrambler. Zero picks a random one.
	NonceScrambler uint64
}

// DefaultConfig returns the default farm settings.
func DefaultConfig() Config {
	return Config{
		SampleInterval: time.Second,
		Window:         10,
		ReportInterval: 30 * time.Second,
		SubmitStale:    true,
	}
}

// Farm is the reference work distribution facade. It implements both
// mining.Farm and mining.Observer.
type Farm struct {
	logger *zap.Logger
	config Config
	sink   SolutionSink

	work      atomic.Pointer[mining.WorkPackage]
	scrambler uint64

	subsMu sync.RWMutex
	subs   []func()

	devicesMu sync.RWMutex
	devices   []Device
	monitor   hardware.Monitor

	sampler *sampler

	accepted atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
	stale    atomic.Uint64

	startTime time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var (
	_ mining.Farm     = (*Farm)(nil)
	_ mining.Observer = (*Farm)(nil)
)

// New creates a farm. A nil sink only logs solutions.
func New(logger *zap.Logger, config Config, sink SolutionSink) (*Farm, error) {
	if config.SampleInterval <= 0 {
		config.SampleInterval = time.Second
	}
	if config.Window <= 0 {
		config.Window = 1
	}

	scrambler := config.NonceScrambler
	if scrambler == 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to seed nonce scrambler: %w", err)
		}
		scrambler = binary.LittleEndian.Uint64(b[:])
	}

	f := &Farm{
		logger:    logger,
		config:    config,
		sink:      sink,
		scrambler: scrambler,
		sampler:   newSampler(config.Window),
		startTime: time.Now(),
	}
	if f.sink == nil {
		f.sink = f.logSolution
	}
	return f, nil
}

// Attach registers the devices reported by MiningProgress.
func (f *Farm) Attach(devices ...Device) {
	f.devicesMu.Lock()
	defer f.devicesMu.Unlock()
	f.devices = append(f.devices, devices...)
}

// SetMonitor sets the telemetry source sampled alongside hash rates.
func (f *Farm) SetMonitor(m hardware.Monitor) {
	f.devicesMu.Lock()
	defer f.devicesMu.Unlock()
	f.monitor = m
}

// OnNewWork registers a callback run after every SetWork. The fleet
// subscribes its Kick here.
func (f *Farm) OnNewWork(fn func()) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.subs = append(f.subs, fn)
}

// SetWork publishes a new work package and notifies subscribers. Passing
// a package without a header pauses the workers.
func (f *Farm) SetWork(w mining.WorkPackage) {
	if w.Valid() && w.JobID == "" {
		w.JobID = uuid.NewString()
	}
	prev := f.work.Swap(&w)

	if w.Valid() {
		fields := []zap.Field{
			zap.String("job_id", w.JobID),
			zap.String("header", w.Header.TerminalString()),
			zap.Uint64("block", w.Block),
		}
		if prev == nil || prev.Seed != w.Seed {
			fields = append(fields, zap.String("seed", w.Seed.TerminalString()))
		}
		f.logger.Info("New work", fields...)
	} else {
		f.logger.Info("Work cleared, workers pausing")
	}

	f.subsMu.RLock()
	subs := f.subs
	f.subsMu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// CurrentWork returns the work package last set.
func (f *Farm) CurrentWork() mining.WorkPackage {
	if w := f.work.Load(); w != nil {
		return *w
	}
	return mining.WorkPackage{}
}

// NonceScrambler returns the farm wide random nonce base.
func (f *Farm) NonceScrambler() uint64 {
	return f.scrambler
}

// SubmitProof forwards a solution to the sink.
func (f *Farm) SubmitProof(sol mining.Solution) {
	if sol.Stale() {
		f.stale.Add(1)
		if !f.config.SubmitStale {
			f.logger.Info("Stale solution dropped",
				zap.String("worker", sol.Worker),
				zap.String("job_id", sol.Work.JobID),
				zap.Uint64("nonce", sol.Nonce),
			)
			return
		}
	}
	f.sink(sol)
}

// ReportFailedSolution counts a result that failed host verification.
func (f *Farm) ReportFailedSolution(worker string) {
	f.failed.Add(1)
	f.logger.Warn("Device produced an invalid solution", zap.String("worker", worker))
}

// AcceptedSolution records a pool acceptance.
func (f *Farm) AcceptedSolution(stale bool) {
	f.accepted.Add(1)
	if stale {
		f.logger.Debug("Stale solution accepted")
	}
}

// RejectedSolution records a pool rejection.
func (f *Farm) RejectedSolution(stale bool) {
	f.rejected.Add(1)
	if stale {
		f.logger.Debug("Stale solution rejected")
	}
}

// SolutionStats returns the solution counters.
func (f *Farm) SolutionStats() mining.SolutionStats {
	return mining.SolutionStats{
		Accepted: f.accepted.Load(),
		Rejected: f.rejected.Load(),
		Failed:   f.failed.Load(),
		Stale:    f.stale.Load(),
	}
}

// MiningProgress returns the per-device and aggregate progress.
func (f *Farm) MiningProgress() mining.WorkingProgress {
	f.devicesMu.RLock()
	devices := f.devices
	f.devicesMu.RUnlock()

	progress := mining.WorkingProgress{
		Uptime:  time.Since(f.startTime),
		Devices: make([]mining.DeviceProgress, 0, len(devices)),
	}
	for _, d := range devices {
		desc := d.Descriptor()
		rate, hw := f.sampler.device(d.Index())
		progress.Devices = append(progress.Devices, mining.DeviceProgress{
			Index:       d.Index(),
			Name:        desc.Props.Name,
			BusLocation: desc.Props.BusLocation(),
			State:       d.State().String(),
			HashRate:    rate,
			HashCount:   d.HashCount(),
			Hw:          hw,
		})
		progress.HashRate += rate
	}
	return progress
}

// Start launches the sampler and the statistics reporter.
func (f *Farm) Start(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return errors.New("farm already running")
	}

	ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.sampleLoop(ctx)

	if f.config.ReportInterval > 0 {
		f.wg.Add(1)
		go f.statsReporter(ctx)
	}
	return nil
}

// Stop stops the background goroutines.
func (f *Farm) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	f.cancel()
	f.wg.Wait()
}

func (f *Farm) sampleLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.sample(ctx, now)
		}
	}
}

// sample takes one hash rate reading per device and refreshes telemetry.
func (f *Farm) sample(ctx context.Context, now time.Time) {
	f.devicesMu.RLock()
	devices := f.devices
	monitor := f.monitor
	f.devicesMu.RUnlock()

	for _, d := range devices {
		f.sampler.record(d.Index(), d.HashCount(), now)

		if monitor == nil {
			continue
		}
		hw, err := monitor.Sample(ctx, d.Descriptor().Props.BusLocation())
		if err != nil {
			f.logger.Debug("Failed to get device telemetry",
				zap.String("device", d.Name()),
				zap.Error(err),
			)
			continue
		}
		f.sampler.setHw(d.Index(), hw)
	}
}

func (f *Farm) statsReporter(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reportStats()
		}
	}
}

func (f *Farm) reportStats() {
	progress := f.MiningProgress()
	stats := f.SolutionStats()

	f.logger.Info("Mining statistics",
		zap.String("hashrate", formatRate(progress.HashRate)),
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("rejected", stats.Rejected),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("stale", stats.Stale),
		zap.Duration("uptime", progress.Uptime.Truncate(time.Second)),
	)

	for _, d := range progress.Devices {
		fields := []zap.Field{
			zap.String("device", d.Name),
			zap.String("bus", d.BusLocation),
			zap.String("state", d.State),
			zap.String("hashrate", formatRate(d.HashRate)),
		}
		if d.Hw != nil {
			fields = append(fields,
				zap.Uint32("temp_c", d.Hw.TempC),
				zap.Uint32("fan_percent", d.Hw.FanP),
				zap.Float64("power_w", d.Hw.PowerW),
			)
		}
		f.logger.Debug("Device statistics", fields...)
	}
}

func (f *Farm) logSolution(sol mining.Solution) {
	f.logger.Info("Solution found",
		zap.String("worker", sol.Worker),
		zap.String("job_id", sol.Work.JobID),
		zap.Uint64("nonce", sol.Nonce),
		zap.String("mix", sol.MixHash.Hex()),
		zap.Bool("stale", sol.Stale()),
	)
}
