package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
)

// LoaderConfig configures the dataset loader of one device.
type LoaderConfig struct {
	Schedule gpu.ScheduleFlag
	// GridSize and BlockSize are the launch dimensions of the dataset
	// generation kernel.
	GridSize  uint32
	BlockSize uint32
}

// Result describes one completed load.
type Result struct {
	Epoch uint64
	// Reset is set when the device was reset, which invalidates every
	// stream and result buffer created before the load.
	Reset    bool
	Plan     Plan
	Duration time.Duration
}

// Loader keeps one device's light cache and full dataset in sync with the
// current epoch. It is owned by the device's worker.
type Loader struct {
	logger *zap.Logger
	dev    gpu.Device
	desc   gpu.Descriptor
	coord  *Coordinator
	cfg    LoaderConfig

	light       gpu.Buffer
	dataset     gpu.Buffer
	datasetSize uint64
	epoch       uint64
	loaded      bool
}

// NewLoader creates the loader of a device.
func NewLoader(logger *zap.Logger, dev gpu.Device, desc gpu.Descriptor, coord *Coordinator, cfg LoaderConfig) *Loader {
	return &Loader{
		logger: logger.With(zap.Int("device", desc.Index)),
		dev:    dev,
		desc:   desc,
		coord:  coord,
		cfg:    cfg,
	}
}

// Epoch returns the epoch of the resident dataset.
func (l *Loader) Epoch() (uint64, bool) {
	return l.epoch, l.loaded
}

// Load makes light's epoch the resident dataset of the device.
func (l *Loader) Load(ctx context.Context, light *ethash.Light) (res Result, err error) {
	start := time.Now()
	index := l.desc.Index
	required := light.DatasetSize
	res.Epoch = light.Epoch

	if l.desc.TotalMemory < required {
		l.coord.Begin(light.Epoch).Fail(index)
		return res, &gpu.DeviceError{
			Device: l.desc.Ordinal,
			Kind:   gpu.KindCapacity,
			Op:     "load",
			Err: fmt.Errorf("dataset of %s does not fit in %s: %w",
				humanize.IBytes(required), humanize.IBytes(l.desc.TotalMemory), gpu.ErrOutOfMemory),
		}
	}

	round := l.coord.Begin(light.Epoch)
	defer func() {
		if err != nil {
			round.Fail(index)
		}
	}()

	if l.coord.Mode() == ModeSequential {
		if err := round.WaitTurn(ctx, index); err != nil {
			return res, err
		}
	}

	l.loaded = false
	if l.dataset.IsZero() || l.datasetSize != required || l.light.Size != uint64(len(light.Cache)) {
		l.logger.Info("Resetting device",
			zap.String("name", l.desc.Name),
			zap.String("dataset", humanize.IBytes(required)),
		)
		if err := l.dev.Reset(l.cfg.Schedule); err != nil {
			return res, gpu.Fault(l.desc.Ordinal, "reset", err)
		}
		l.light = gpu.Buffer{}
		l.dataset = gpu.Buffer{}
		res.Reset = true
	}

	if l.light.IsZero() {
		if l.light, err = l.alloc(uint64(len(light.Cache))); err != nil {
			return res, err
		}
	}
	if err := l.dev.CopyToDevice(l.light, light.Cache); err != nil {
		return res, gpu.Fault(l.desc.Ordinal, "copy light cache", err)
	}
	if l.dataset.IsZero() {
		if l.dataset, err = l.alloc(required); err != nil {
			return res, err
		}
	}
	if err := l.dev.SetConstants(l.light, l.dataset); err != nil {
		return res, gpu.Fault(l.desc.Ordinal, "set constants", err)
	}

	res.Plan = round.Plan(index)
	switch res.Plan {
	case PlanGenerate:
		if err := l.generate(round, required); err != nil {
			return res, err
		}
	case PlanWaitForPeer:
		l.logger.Info("Waiting for shared dataset", zap.Int("creator", round.Creator()))
		buf, err := round.WaitForPeer(ctx)
		if err != nil {
			return res, err
		}
		if err := l.copyOrGenerate(round, buf, required); err != nil {
			return res, err
		}
	case PlanCopyFromHost:
		if err := l.copyOrGenerate(round, round.Staged(), required); err != nil {
			return res, err
		}
	}

	if l.coord.Mode() == ModeSequential {
		round.MarkLoaded(index)
	}
	round.MarkConsumed(index)

	l.datasetSize = required
	l.epoch = light.Epoch
	l.loaded = true
	res.Duration = time.Since(start)
	l.logger.Info("Dataset loaded",
		zap.Uint64("epoch", light.Epoch),
		zap.Stringer("plan", res.Plan),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (l *Loader) alloc(size uint64) (gpu.Buffer, error) {
	buf, err := l.dev.Alloc(size)
	if err != nil {
		return gpu.Buffer{}, &gpu.DeviceError{Device: l.desc.Ordinal, Kind: gpu.KindCapacity, Op: "alloc", Err: err}
	}
	return buf, nil
}

func (l *Loader) generate(round *Round, size uint64) error {
	l.logger.Info("Generating dataset", zap.String("size", humanize.IBytes(size)))
	l.coord.emit(Event{Kind: EventGenerate, Epoch: round.Epoch(), Device: l.desc.Index})
	if err := l.dev.GenerateDataset(l.cfg.GridSize, l.cfg.BlockSize); err != nil {
		return gpu.Fault(l.desc.Ordinal, "generate dataset", err)
	}
	if !round.Shares(l.desc.Index) || !round.StageCapacity(size) {
		return nil
	}

	buf := NewHostBuffer(l.logger, size)
	if err := l.dev.CopyToHost(buf.Bytes(), l.dataset); err != nil {
		buf.Free()
		return gpu.Fault(l.desc.Ordinal, "copy dataset to host", err)
	}
	round.Publish(buf)
	l.logger.Info("Shared dataset staged in host memory",
		zap.String("size", humanize.IBytes(size)),
		zap.Bool("pinned", buf.Pinned()),
	)
	return nil
}

func (l *Loader) copyOrGenerate(round *Round, buf *HostBuffer, size uint64) error {
	if buf == nil {
		return l.generate(round, size)
	}
	l.coord.emit(Event{Kind: EventCopyFromHost, Epoch: round.Epoch(), Device: l.desc.Index})
	if err := l.dev.CopyToDevice(l.dataset, buf.Bytes()); err != nil {
		return gpu.Fault(l.desc.Ordinal, "copy dataset from host", err)
	}
	return nil
}
