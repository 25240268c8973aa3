package commands

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/dagminer/internal/config"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
)

func TestSyntheticWork(t *testing.T) {
	w, err := syntheticWork(60000, 1<<20)
	require.NoError(t, err)

	assert.True(t, w.Valid())
	assert.Equal(t, ethash.SeedHash(2), w.Seed)
	assert.Equal(t, -1, w.ExSizeBits)

	var max uint256.Int
	max.Not(&max)
	var want uint256.Int
	want.Rsh(&max, 20)
	assert.Equal(t, want, w.Boundary)

	other, err := syntheticWork(60000, 1<<20)
	require.NoError(t, err)
	assert.NotEqual(t, w.Header, other.Header)

	_, err = syntheticWork(0, 0)
	assert.Error(t, err)
}

func TestOpenRuntimeUsesSimDevices(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sim.Devices = []config.SimDeviceConfig{{Name: "tiny", Memory: 1 << 20}}

	rt, err := openRuntime(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, gpu.SimRuntimeName, rt.Name())

	n, err := rt.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := rt.Properties(0)
	require.NoError(t, err)
	assert.Equal(t, "tiny", p.Name)
	assert.Equal(t, uint64(1<<20), p.TotalMemory)

	cfg.Runtime = "opencl"
	_, err = openRuntime(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "bench", "devices", "config", "token"} {
		assert.True(t, names[want], want)
	}
}
