package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/gpu"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dagminer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadConfig tests configuration loading
func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		validate      func(t *testing.T, cfg *Config)
		wantErr       bool
	}{
		{
			name: "valid config",
			configContent: `
runtime: sim
graceful_timeout: 10s
logging:
  level: debug
  encoding: json
miner:
  devices: [0, 1]
  grid_size: 4096
  block_size: 100
  streams: 3
  parallel_hash: 8
  schedule: spin
  load_mode: single
  dataset_creator: 1
  eval: true
  current_block: 90000
  poll_interval: 50ms
sim:
  devices:
    - name: small
      memory: 1073741824
    - name: large
      memory: 8589934592
api:
  enabled: true
  listen_addr: "127.0.0.1:4000"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10*time.Second, cfg.GracefulTimeout)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, []int{0, 1}, cfg.Miner.Devices)
				assert.Equal(t, 50*time.Millisecond, cfg.Miner.PollInterval)
				require.Len(t, cfg.Sim.Devices, 2)
				assert.Equal(t, uint64(1<<30), cfg.Sim.Devices[0].Memory)

				fc, err := cfg.FleetConfig()
				require.NoError(t, err)
				assert.Equal(t, uint32(104), fc.BlockSize)
				assert.Equal(t, 3, fc.Streams)
				assert.Equal(t, gpu.ScheduleSpin, fc.Schedule)
				assert.Equal(t, dataset.ModeSingle, fc.LoadMode)
				assert.Equal(t, 1, fc.DatasetCreator)
				assert.True(t, fc.Eval)
				assert.Equal(t, uint64(90000), fc.CurrentBlock)

				sc := cfg.SimRuntimeConfig()
				require.Len(t, sc.Devices, 2)
				assert.Equal(t, "large", sc.Devices[1].Name)
			},
		},
		{
			name:          "partial config keeps defaults",
			configContent: "miner:\n  streams: 4\n",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Miner.Streams)
				assert.Equal(t, uint32(8192), cfg.Miner.GridSize)
				assert.Equal(t, "sync", cfg.Miner.Schedule)
				assert.Equal(t, "parallel", cfg.Miner.LoadMode)
			},
		},
		{
			name:          "unknown schedule",
			configContent: "miner:\n  schedule: sometimes\n",
			wantErr:       true,
		},
		{
			name:          "unknown load mode",
			configContent: "miner:\n  load_mode: lazy\n",
			wantErr:       true,
		},
		{
			name:          "bad parallel hash",
			configContent: "miner:\n  parallel_hash: 3\n",
			wantErr:       true,
		},
		{
			name:          "unknown runtime",
			configContent: "runtime: opencl\n",
			wantErr:       true,
		},
		{
			name:          "bad log level",
			configContent: "logging:\n  level: loud\n",
			wantErr:       true,
		},
		{
			name:          "shards not power of two",
			configContent: "ethash:\n  cache_shards: 3\n",
			wantErr:       true,
		},
		{
			name:          "sim device without memory",
			configContent: "sim:\n  devices:\n    - name: empty\n",
			wantErr:       true,
		},
		{
			name:          "bad api address",
			configContent: "api:\n  enabled: true\n  listen_addr: nowhere\n",
			wantErr:       true,
		},
		{
			name:          "malformed yaml",
			configContent: "miner: [",
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.configContent)
			m, err := NewManager(zaptest.NewLogger(t), path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, m.Get())
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	m, err := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, gpu.SimRuntimeName, cfg.Runtime)
	assert.Equal(t, 30*time.Second, cfg.GracefulTimeout)
	assert.Len(t, cfg.Sim.Devices, 2)

	fc, err := cfg.FleetConfig()
	require.NoError(t, err)
	assert.Equal(t, gpu.ScheduleBlockingSync, fc.Schedule)
	assert.Equal(t, dataset.ModeParallel, fc.LoadMode)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DAGMINER_MINER_GRID_SIZE", "1024")
	t.Setenv("DAGMINER_MINER_DEVICES", "2, 3")
	t.Setenv("DAGMINER_MINER_EVAL", "true")
	t.Setenv("DAGMINER_MINER_IDLE_INTERVAL", "5s")
	t.Setenv("DAGMINER_LOGGING_LEVEL", "warn")
	t.Setenv("DAGMINER_API_ALLOW_ORIGINS", "http://a,http://b")
	t.Setenv("DAGMINER_API_AUTH_SECRET", "s3cret")

	m, err := NewManager(zaptest.NewLogger(t), writeConfig(t, "miner:\n  grid_size: 2048\n"))
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, uint32(1024), cfg.Miner.GridSize)
	assert.Equal(t, []int{2, 3}, cfg.Miner.Devices)
	assert.True(t, cfg.Miner.Eval)
	assert.Equal(t, 5*time.Second, cfg.Miner.IdleInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.API.AllowOrigins)
	assert.Equal(t, "s3cret", cfg.API.AuthSecret)
}

func TestEnvLoaderErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"TEST_MINER_STREAMS": "many"}},
		{"bad uint", map[string]string{"TEST_MINER_GRID_SIZE": "-1"}},
		{"uint overflow", map[string]string{"TEST_MINER_GRID_SIZE": "0x1ffffffff"}},
		{"bad duration", map[string]string{"TEST_MINER_POLL_INTERVAL": "soon"}},
		{"bad bool", map[string]string{"TEST_MINER_EVAL": "maybe"}},
		{"bad slice", map[string]string{"TEST_MINER_DEVICES": "0,x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := NewEnvLoader("TEST")
			el.lookup = func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			assert.Error(t, el.Load(DefaultConfig()))
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, err := NewManager(zaptest.NewLogger(t), writeConfig(t, "miner:\n  devices: [0]\n"))
	require.NoError(t, err)

	cfg := m.Get()
	cfg.Miner.Devices[0] = 7
	cfg.Miner.Streams = 9
	assert.Equal(t, []int{0}, m.Get().Miner.Devices)
	assert.NotEqual(t, 9, m.Get().Miner.Streams)
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dagminer.yaml")
	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, m.Save())

	again, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	assert.Equal(t, m.Get(), again.Get())

	none, err := NewManager(zaptest.NewLogger(t), "")
	require.NoError(t, err)
	assert.Error(t, none.Save())
}

func TestConfigReload(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	var level atomic.Value
	m.OnChange(func(cfg *Config) { level.Store(cfg.Logging.Level) })

	require.NoError(t, m.StartWatcher())
	defer m.StopWatcher()
	m.watcher.SetDebounce(10 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))
	assert.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestConfigReloadKeepsLastGood(t *testing.T) {
	path := writeConfig(t, "miner:\n  streams: 2\n")
	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("miner:\n  schedule: never\n"), 0644))
	assert.Error(t, m.Load())
	assert.Equal(t, 2, m.Get().Miner.Streams)
	assert.Equal(t, "sync", m.Get().Miner.Schedule)
}
