package miner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

type testFarm struct {
	work      atomic.Pointer[mining.WorkPackage]
	scrambler uint64

	mu     sync.Mutex
	proofs []mining.Solution
	stale  []bool
	failed int
}

func (f *testFarm) CurrentWork() mining.WorkPackage {
	if w := f.work.Load(); w != nil {
		return *w
	}
	return mining.WorkPackage{}
}

func (f *testFarm) SubmitProof(sol mining.Solution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofs = append(f.proofs, sol)
	f.stale = append(f.stale, sol.Stale())
}

func (f *testFarm) ReportFailedSolution(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}

func (f *testFarm) NonceScrambler() uint64 {
	return f.scrambler
}

func (f *testFarm) setWork(w mining.WorkPackage) {
	f.work.Store(&w)
}

func (f *testFarm) solutions() []mining.Solution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mining.Solution(nil), f.proofs...)
}

func (f *testFarm) staleAtSubmit() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.stale...)
}

func (f *testFarm) failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

type testLights struct {
	t    *testing.T
	size uint64

	mu     sync.Mutex
	lights map[common.Hash]*ethash.Light
}

func newTestLights(t *testing.T) *testLights {
	return &testLights{t: t, size: 4096, lights: make(map[common.Hash]*ethash.Light)}
}

func (l *testLights) Light(seed common.Hash) (*ethash.Light, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if light, ok := l.lights[seed]; ok {
		return light, nil
	}
	epoch, err := ethash.EpochFromSeed(seed)
	if err != nil {
		return nil, err
	}
	light, err := ethash.NewLightWithSizes(epoch, 64*16, l.size)
	if err != nil {
		return nil, err
	}
	l.lights[seed] = light
	return light, nil
}

func (l *testLights) DatasetSize(uint64) uint64 {
	return l.size
}

func testConfig() FleetConfig {
	return FleetConfig{
		GridSize:     1,
		BlockSize:    8,
		Streams:      2,
		ParallelHash: 4,
		PollInterval: time.Millisecond,
		IdleInterval: 20 * time.Millisecond,
	}
}

func testWork(header byte, epoch uint64) mining.WorkPackage {
	w := mining.WorkPackage{
		JobID:      "job",
		Header:     common.Hash{header},
		Seed:       ethash.SeedHash(epoch),
		ExSizeBits: -1,
	}
	w.Boundary.SetAllOne()
	return w
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond, msg)
}
