package gpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/ethash"
)

// SimRuntimeName is the registered name of the host emulated runtime.
const SimRuntimeName = "sim"

func init() {
	Register(SimRuntimeName, func(logger *zap.Logger) (Runtime, error) {
		return NewSimRuntime(logger, DefaultSimConfig()), nil
	})
}

// KernelFunc is the search primitive of a simulated device. dataset is nil
// when the dataset buffer is too large to be materialized; digest then
// identifies its content.
type KernelFunc func(header common.Hash, dataset []byte, digest common.Hash, nonce uint64) (value uint64, mix common.Hash)

// SimDevice describes one emulated device.
type SimDevice struct {
	Name         string
	Memory       uint64
	FailGenerate bool
	FailSearch   bool
}

// SimConfig configures the emulated runtime.
type SimConfig struct {
	Devices []SimDevice
	// MaterializeLimit is the largest buffer backed by host memory. Larger
	// buffers only track a content digest.
	MaterializeLimit uint64
	// BatchDelay is added to every search batch.
	BatchDelay time.Duration
	Kernel     KernelFunc
}

// DefaultSimConfig returns two 8 GiB devices.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Devices: []SimDevice{
			{Name: "Simulated Device", Memory: 8 << 30},
			{Name: "Simulated Device", Memory: 8 << 30},
		},
		MaterializeLimit: 64 << 20,
	}
}

// DefaultKernel runs the real ethash mix over materialized datasets and a
// keccak stand in otherwise.
func DefaultKernel(header common.Hash, dataset []byte, digest common.Hash, nonce uint64) (uint64, common.Hash) {
	if dataset != nil {
		mix, result := ethash.HashimotoFull(dataset, header, nonce)
		return binary.BigEndian.Uint64(result[:8]), mix
	}
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	result := crypto.Keccak256Hash(header[:], digest[:], n[:])
	return binary.BigEndian.Uint64(result[:8]), crypto.Keccak256Hash(result[:])
}

// SimStats counts operations performed on an emulated device.
type SimStats struct {
	Resets         uint64
	Generations    uint64
	CopiesToDevice uint64
	CopiesToHost   uint64
	Launches       uint64
	LiveBuffers    int
	UsedMemory     uint64
}

// SimRuntime emulates accelerator devices in process.
type SimRuntime struct {
	logger  *zap.Logger
	cfg     SimConfig
	devices []*simDevice
}

// NewSimRuntime creates an emulated runtime.
func NewSimRuntime(logger *zap.Logger, cfg SimConfig) *SimRuntime {
	if cfg.Kernel == nil {
		cfg.Kernel = DefaultKernel
	}
	if cfg.MaterializeLimit == 0 {
		cfg.MaterializeLimit = 64 << 20
	}
	r := &SimRuntime{logger: logger, cfg: cfg}
	for i, spec := range cfg.Devices {
		r.devices = append(r.devices, &simDevice{
			rt:      r,
			ordinal: i,
			spec:    spec,
			buffers: make(map[uintptr]*simBuffer),
			streams: make(map[Stream]*simStream),
			results: make(map[*SearchResults]struct{}),
		})
	}
	return r
}

func (r *SimRuntime) Name() string { return SimRuntimeName }

func (r *SimRuntime) DeviceCount() (int, error) {
	return len(r.devices), nil
}

func (r *SimRuntime) Properties(ordinal int) (Props, error) {
	if ordinal < 0 || ordinal >= len(r.devices) {
		return Props{}, fmt.Errorf("ordinal %d: %w", ordinal, ErrDeviceNotFound)
	}
	spec := r.devices[ordinal].spec
	return Props{
		Ordinal:      ordinal,
		Name:         spec.Name,
		TotalMemory:  spec.Memory,
		ComputeMajor: 8,
		ComputeMinor: 6,
		PCIBus:       ordinal + 1,
	}, nil
}

func (r *SimRuntime) Open(ordinal int) (Device, error) {
	if ordinal < 0 || ordinal >= len(r.devices) {
		return nil, fmt.Errorf("ordinal %d: %w", ordinal, ErrDeviceNotFound)
	}
	return r.devices[ordinal], nil
}

// Stats returns the operation counters of a device.
func (r *SimRuntime) Stats(ordinal int) SimStats {
	d := r.devices[ordinal]
	d.mu.Lock()
	defer d.mu.Unlock()
	return SimStats{
		Resets:         d.resets.Load(),
		Generations:    d.generations.Load(),
		CopiesToDevice: d.copiesToDevice.Load(),
		CopiesToHost:   d.copiesToHost.Load(),
		Launches:       d.launches.Load(),
		LiveBuffers:    len(d.buffers),
		UsedMemory:     d.used,
	}
}

// DatasetDigest returns the content digest of the dataset bound on a device.
func (r *SimRuntime) DatasetDigest(ordinal int) common.Hash {
	d := r.devices[ordinal]
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[d.dataset.Ptr]; ok {
		return b.digestLocked()
	}
	return common.Hash{}
}

type simBuffer struct {
	size   uint64
	data   []byte
	digest common.Hash
}

func (b *simBuffer) digestLocked() common.Hash {
	if b.data != nil {
		return crypto.Keccak256Hash(b.data)
	}
	return b.digest
}

type simStream struct {
	last chan struct{}
}

type simDevice struct {
	rt      *SimRuntime
	ordinal int
	spec    SimDevice

	mu       sync.Mutex
	used     uint64
	next     uintptr
	buffers  map[uintptr]*simBuffer
	streams  map[Stream]*simStream
	results  map[*SearchResults]struct{}
	light    Buffer
	dataset  Buffer
	header   common.Hash
	target   uint64
	schedule ScheduleFlag

	resets         atomic.Uint64
	generations    atomic.Uint64
	copiesToDevice atomic.Uint64
	copiesToHost   atomic.Uint64
	launches       atomic.Uint64
}

func (d *simDevice) Ordinal() int { return d.ordinal }

func (d *simDevice) Reset(flags ScheduleFlag) error {
	d.drain()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = make(map[uintptr]*simBuffer)
	d.streams = make(map[Stream]*simStream)
	d.results = make(map[*SearchResults]struct{})
	d.used = 0
	d.light = Buffer{}
	d.dataset = Buffer{}
	d.schedule = flags
	d.resets.Add(1)
	return nil
}

// drain waits for every queued batch.
func (d *simDevice) drain() {
	d.mu.Lock()
	var pending []chan struct{}
	for _, s := range d.streams {
		if s.last != nil {
			pending = append(pending, s.last)
		}
	}
	d.mu.Unlock()
	for _, ch := range pending {
		<-ch
	}
}

func (d *simDevice) Alloc(size uint64) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+size > d.spec.Memory {
		return Buffer{}, fmt.Errorf("alloc %d bytes: %w", size, ErrOutOfMemory)
	}
	d.next += 0x1000
	b := &simBuffer{size: size}
	if size <= d.rt.cfg.MaterializeLimit {
		b.data = make([]byte, size)
	}
	d.buffers[d.next] = b
	d.used += size
	return Buffer{Ptr: d.next, Size: size}, nil
}

func (d *simDevice) buffer(buf Buffer) (*simBuffer, error) {
	b, ok := d.buffers[buf.Ptr]
	if !ok {
		return nil, fmt.Errorf("buffer %#x: %w", buf.Ptr, ErrInvalidHandle)
	}
	return b, nil
}

func (d *simDevice) CopyToDevice(dst Buffer, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.buffer(dst)
	if err != nil {
		return err
	}
	if uint64(len(src)) > b.size {
		return fmt.Errorf("copy of %d bytes into %d byte buffer", len(src), b.size)
	}
	if b.data != nil {
		copy(b.data, src)
	} else if len(src) >= common.HashLength {
		copy(b.digest[:], src[:common.HashLength])
	}
	d.copiesToDevice.Add(1)
	return nil
}

func (d *simDevice) CopyToHost(dst []byte, src Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.buffer(src)
	if err != nil {
		return err
	}
	if b.data != nil {
		copy(dst, b.data)
	} else {
		copy(dst, b.digest[:])
	}
	d.copiesToHost.Add(1)
	return nil
}

func (d *simDevice) CreateStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next += 0x10
	s := Stream(d.next)
	d.streams[s] = &simStream{}
	return s, nil
}

func (d *simDevice) DestroyStream(s Stream) error {
	if err := d.Synchronize(s); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, s)
	return nil
}

func (d *simDevice) AllocResults() (*SearchResults, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &SearchResults{}
	d.results[r] = struct{}{}
	return r, nil
}

func (d *simDevice) FreeResults(r *SearchResults) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.results[r]; !ok {
		return fmt.Errorf("result buffer: %w", ErrInvalidHandle)
	}
	delete(d.results, r)
	return nil
}

func (d *simDevice) SetConstants(light, dataset Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.buffer(light); err != nil {
		return err
	}
	if _, err := d.buffer(dataset); err != nil {
		return err
	}
	d.light = light
	d.dataset = dataset
	return nil
}

func (d *simDevice) GenerateDataset(grid, block uint32) error {
	if d.spec.FailGenerate {
		return fmt.Errorf("dataset generation: launch failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	light, err := d.buffer(d.light)
	if err != nil {
		return err
	}
	dataset, err := d.buffer(d.dataset)
	if err != nil {
		return err
	}
	if dataset.data != nil && light.data != nil {
		ethash.GenerateDataset(dataset.data, light.data)
	} else {
		lightDigest := light.digestLocked()
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], dataset.size)
		dataset.digest = crypto.Keccak256Hash(lightDigest[:], size[:])
	}
	d.generations.Add(1)
	return nil
}

func (d *simDevice) SetHeader(header common.Hash, target uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.header = header
	d.target = target
	return nil
}

func (d *simDevice) Search(s Stream, results *SearchResults, startNonce uint64, grid, block, parallelHash uint32) error {
	if d.spec.FailSearch {
		return fmt.Errorf("search: launch failure")
	}
	d.mu.Lock()
	st, ok := d.streams[s]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("stream %#x: %w", uintptr(s), ErrInvalidHandle)
	}
	dataset, err := d.buffer(d.dataset)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var (
		header = d.header
		target = d.target
		data   = dataset.data
		digest = dataset.digestLocked()
		prev   = st.last
		done   = make(chan struct{})
		kernel = d.rt.cfg.Kernel
		delay  = d.rt.cfg.BatchDelay
	)
	st.last = done
	d.mu.Unlock()
	d.launches.Add(1)

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		batch := uint64(grid) * uint64(block)
		for gid := uint64(0); gid < batch; gid++ {
			value, mix := kernel(header, data, digest, startNonce+gid)
			if value > target {
				continue
			}
			if idx := results.Count; idx < MaxSearchResults {
				results.Results[idx].Gid = uint32(gid)
				for i := range results.Results[idx].Mix {
					results.Results[idx].Mix[i] = binary.LittleEndian.Uint32(mix[i*4:])
				}
			}
			results.Count++
		}
	}()
	return nil
}

func (d *simDevice) Synchronize(s Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("stream %#x: %w", uintptr(s), ErrInvalidHandle)
	}
	last := st.last
	d.mu.Unlock()
	if last != nil {
		<-last
	}
	return nil
}

func (d *simDevice) Close() error {
	return d.Reset(d.schedule)
}
