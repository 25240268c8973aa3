package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

func startFleet(t *testing.T, cfg FleetConfig, sim gpu.SimConfig, farm *testFarm, opts ...FleetOption) (*gpu.SimRuntime, *Fleet) {
	t.Helper()
	if sim.BatchDelay == 0 {
		sim.BatchDelay = 200 * time.Microsecond
	}
	logger := zaptest.NewLogger(t)
	rt := gpu.NewSimRuntime(logger, sim)
	fleet, err := NewFleet(logger, cfg, rt, farm, newTestLights(t), opts...)
	require.NoError(t, err)
	require.NoError(t, fleet.Start(context.Background()))
	t.Cleanup(fleet.Stop)
	return rt, fleet
}

func simDevices(n int) []gpu.SimDevice {
	out := make([]gpu.SimDevice, n)
	for i := range out {
		out[i] = gpu.SimDevice{Name: "sim", Memory: 1 << 20}
	}
	return out
}

func TestSingleDeviceSubmitsKnownNonceOnce(t *testing.T) {
	const scrambler = 5000
	farm := &testFarm{scrambler: scrambler}
	farm.setWork(testWork(1, 0))

	_, fleet := startFleet(t, testConfig(), gpu.SimConfig{
		Devices: simDevices(1),
		Kernel:  matchKernel(scrambler + 3),
	}, farm)

	waitFor(t, func() bool { return len(farm.solutions()) > 0 }, "solution never submitted")
	time.Sleep(50 * time.Millisecond)

	sols := farm.solutions()
	require.Len(t, sols, 1)
	assert.Equal(t, uint64(scrambler+3), sols[0].Nonce)
	assert.Equal(t, "sim0", sols[0].Worker)
	assert.Equal(t, common.Hash{1}, sols[0].Work.Header)
	assert.Equal(t, []bool{false}, farm.staleAtSubmit())

	m := fleet.Miners()[0]
	assert.Equal(t, StateSearching, m.State())
	assert.Zero(t, m.HashCount()%8)
}

func TestSeedChangeReloadsDatasetOnce(t *testing.T) {
	farm := &testFarm{}
	farm.setWork(testWork(1, 0))
	rt, fleet := startFleet(t, testConfig(), gpu.SimConfig{
		Devices: simDevices(1),
		Kernel:  matchKernel(),
	}, farm)
	m := fleet.Miners()[0]

	waitFor(t, func() bool { return m.HashCount() > 0 }, "no hashing on first work")
	for header := byte(2); header < 6; header++ {
		farm.setWork(testWork(header, 0))
		fleet.Kick()
		count := m.HashCount()
		waitFor(t, func() bool { return m.HashCount() > count }, "no hashing after new header")
	}
	assert.Equal(t, uint64(1), rt.Stats(0).Generations, "same seed must not regenerate")

	farm.setWork(testWork(9, 1))
	fleet.Kick()
	waitFor(t, func() bool { return rt.Stats(0).Generations == 2 }, "seed change did not regenerate")
	count := m.HashCount()
	waitFor(t, func() bool { return m.HashCount() > count }, "no hashing after seed change")
	assert.Equal(t, uint64(2), rt.Stats(0).Generations)
}

func TestPartitionedDevicesNeverOverlap(t *testing.T) {
	var (
		seen       sync.Map
		duplicates atomic.Int32
		low, high  atomic.Int32
	)
	kernel := func(_ common.Hash, _ []byte, _ common.Hash, nonce uint64) (uint64, common.Hash) {
		if _, loaded := seen.LoadOrStore(nonce, true); loaded {
			duplicates.Add(1)
		}
		if nonce&(1<<58) == 0 {
			low.Add(1)
		} else {
			high.Add(1)
		}
		if nonce%16 == 0 {
			return 0, common.Hash{}
		}
		return ^uint64(0), common.Hash{}
	}

	farm := &testFarm{}
	w := testWork(1, 0)
	w.ExSizeBits = 1
	w.StartNonce = 1 << 63
	farm.setWork(w)

	_, fleet := startFleet(t, testConfig(), gpu.SimConfig{Devices: simDevices(2), Kernel: kernel}, farm)
	require.Len(t, fleet.Miners(), 2)

	waitFor(t, func() bool { return len(farm.solutions()) >= 20 }, "too few solutions")
	fleet.Stop()

	assert.Zero(t, duplicates.Load())
	assert.Positive(t, low.Load())
	assert.Positive(t, high.Load())

	nonces := make(map[uint64]int)
	for _, sol := range farm.solutions() {
		nonces[sol.Nonce]++
		assert.Equal(t, uint64(1<<63), sol.Nonce&(1<<63), "extranonce bit preserved")
		assert.Equal(t, uint64(sol.Device)<<58, sol.Nonce&(1<<58), "nonce outside device partition")
	}
	for nonce, n := range nonces {
		assert.Equal(t, 1, n, "nonce %d reported twice", nonce)
	}
}

func TestSmallDeviceExcluded(t *testing.T) {
	farm := &testFarm{}
	farm.setWork(testWork(1, 0))
	devices := []gpu.SimDevice{{Name: "big", Memory: 1 << 20}, {Name: "small", Memory: 2048}}

	_, fleet := startFleet(t, testConfig(), gpu.SimConfig{Devices: devices, Kernel: matchKernel()}, farm)

	require.Len(t, fleet.Excluded(), 1)
	assert.True(t, gpu.IsKind(fleet.Excluded()[0], gpu.KindCapacity))
	require.Len(t, fleet.Miners(), 1)
	m := fleet.Miners()[0]
	assert.Equal(t, 0, m.Descriptor().Ordinal)
	waitFor(t, func() bool { return m.HashCount() > 0 }, "remaining device is not mining")
}

func TestFaultyDeviceDoesNotStopOthers(t *testing.T) {
	farm := &testFarm{}
	farm.setWork(testWork(1, 0))
	devices := simDevices(2)
	devices[1].FailGenerate = true

	cfg := testConfig()
	cfg.LoadMode = dataset.ModeSequential
	_, fleet := startFleet(t, cfg, gpu.SimConfig{Devices: devices, Kernel: matchKernel()}, farm)

	select {
	case err := <-fleet.Failures():
		assert.True(t, gpu.IsKind(err, gpu.KindFault))
	case <-time.After(5 * time.Second):
		t.Fatal("fault was not reported")
	}
	m := fleet.Miners()[0]
	waitFor(t, func() bool { return m.HashCount() > 0 }, "healthy device is not mining")
	assert.Equal(t, StateTerminated, fleet.Miners()[1].State())
}

func TestSingleLoadModeSharesDataset(t *testing.T) {
	farm := &testFarm{}
	farm.setWork(testWork(1, 0))

	cfg := testConfig()
	cfg.LoadMode = dataset.ModeSingle
	cfg.DatasetCreator = 2
	var loads atomic.Int32
	rt, fleet := startFleet(t, cfg, gpu.SimConfig{Devices: simDevices(3), Kernel: matchKernel()}, farm,
		WithLoadObserver(func(int, dataset.Result) { loads.Add(1) }),
	)

	waitFor(t, func() bool { return loads.Load() == 3 }, "devices did not load")
	for _, m := range fleet.Miners() {
		m := m
		waitFor(t, func() bool { return m.HashCount() > 0 }, "device not mining")
	}
	assert.Equal(t, uint64(0), rt.Stats(0).Generations)
	assert.Equal(t, uint64(0), rt.Stats(1).Generations)
	assert.Equal(t, uint64(1), rt.Stats(2).Generations)
	assert.Equal(t, rt.DatasetDigest(2), rt.DatasetDigest(0))
}

func TestEvalSubmitsOnlyVerifiedSolutions(t *testing.T) {
	farm := &testFarm{}
	w := testWork(7, 0)
	w.Boundary.Rsh(&w.Boundary, 2)
	farm.setWork(w)

	cfg := testConfig()
	cfg.Eval = true
	_, _ = startFleet(t, cfg, gpu.SimConfig{Devices: simDevices(1)}, farm)

	waitFor(t, func() bool { return len(farm.solutions()) >= 3 }, "no verified solutions")
	assert.Zero(t, farm.failures())

	light, err := newTestLights(t).Light(w.Seed)
	require.NoError(t, err)
	for _, sol := range farm.solutions() {
		mix, result := light.Compute(sol.Work.Header, sol.Nonce)
		assert.True(t, ethash.Meets(result, &w.Boundary))
		assert.Equal(t, mix, sol.MixHash)
	}
}

func TestEvalDiscardsIncorrectResults(t *testing.T) {
	farm := &testFarm{}
	w := testWork(7, 0)
	w.Boundary = *uint256.NewInt(1)
	farm.setWork(w)

	lying := func(common.Hash, []byte, common.Hash, uint64) (uint64, common.Hash) {
		return 0, common.Hash{}
	}
	cfg := testConfig()
	cfg.Eval = true
	_, _ = startFleet(t, cfg, gpu.SimConfig{Devices: simDevices(1), Kernel: lying}, farm)

	waitFor(t, func() bool { return farm.failures() >= 5 }, "incorrect results not reported")
	assert.Empty(t, farm.solutions())
}

func TestIdleWorkerWakesOnKick(t *testing.T) {
	farm := &testFarm{}
	cfg := testConfig()
	cfg.IdleInterval = 10 * time.Second
	_, fleet := startFleet(t, cfg, gpu.SimConfig{Devices: simDevices(1), Kernel: matchKernel()}, farm)
	m := fleet.Miners()[0]

	waitFor(t, func() bool { return m.State() == StateWaitForWork }, "worker not idle without work")
	farm.setWork(testWork(1, 0))
	fleet.Kick()
	require.Eventually(t, func() bool { return m.HashCount() > 0 }, 2*time.Second, time.Millisecond)
}

func TestKickMarksInFlightSolutionsStale(t *testing.T) {
	m := &Miner{}
	m.Kick()
	assert.True(t, m.newWork.Load())

	tok := mining.NewToken()
	m.token.Store(tok)
	farm := &testFarm{}
	sub := NewSubmitter(zaptest.NewLogger(t), farm, "sim0", 0, false)

	sub.Submit(nil, testWork(1, 0), tok, Found{Nonce: 3})
	m.Kick()
	sub.Submit(nil, testWork(1, 0), tok, Found{Nonce: 4})

	require.Len(t, farm.solutions(), 2)
	assert.Equal(t, []bool{false, true}, farm.staleAtSubmit())
	assert.Equal(t, uint64(2), sub.Submitted())
}

// kickDuringRead publishes next and kicks the fleet from inside the worker's
// work read, the way a farm update can interleave with it.
type kickDuringRead struct {
	*testFarm
	next  mining.WorkPackage
	kick  func()
	armed atomic.Bool
}

func (f *kickDuringRead) CurrentWork() mining.WorkPackage {
	if f.armed.CompareAndSwap(true, false) {
		f.setWork(f.next)
		f.kick()
	}
	return f.testFarm.CurrentWork()
}

func TestKickDuringWorkReadKeepsSolutionsLive(t *testing.T) {
	first := testWork(1, 0)
	first.ExSizeBits = 0
	first.StartNonce = 1000
	second := testWork(2, 0)
	second.JobID = "job2"
	second.ExSizeBits = 0
	second.StartNonce = 1 << 32

	farm := &kickDuringRead{testFarm: &testFarm{}, next: second}
	farm.setWork(first)

	logger := zaptest.NewLogger(t)
	rt := gpu.NewSimRuntime(logger, gpu.SimConfig{
		Devices:    simDevices(1),
		Kernel:     matchKernel(1003, 1<<32+3),
		BatchDelay: 200 * time.Microsecond,
	})
	fleet, err := NewFleet(logger, testConfig(), rt, farm, newTestLights(t))
	require.NoError(t, err)
	farm.kick = fleet.Kick
	require.NoError(t, fleet.Start(context.Background()))
	t.Cleanup(fleet.Stop)

	waitFor(t, func() bool { return len(farm.solutions()) == 1 }, "first solution never submitted")

	farm.armed.Store(true)
	fleet.Kick()

	waitFor(t, func() bool { return len(farm.solutions()) == 2 }, "solution for the new work never submitted")
	sols := farm.solutions()
	assert.Equal(t, common.Hash{2}, sols[1].Work.Header)
	assert.Equal(t, uint64(1<<32+3), sols[1].Nonce)
	assert.Equal(t, []bool{false, false}, farm.staleAtSubmit())
	assert.False(t, farm.armed.Load())
}
