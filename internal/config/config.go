package config

import (
	"fmt"
	"time"

	"github.com/shizukutanaka/dagminer/internal/api"
	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/farm"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/logging"
	"github.com/shizukutanaka/dagminer/internal/miner"
	"github.com/shizukutanaka/dagminer/internal/monitoring"
)

// Config is the complete application configuration.
type Config struct {
	// Runtime names the accelerator runtime, "sim" or "cuda".
	Runtime         string        `yaml:"runtime"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	Logging logging.Config           `yaml:"logging"`
	Miner   MinerConfig              `yaml:"miner"`
	Sim     SimConfig                `yaml:"sim"`
	Farm    FarmConfig               `yaml:"farm"`
	Ethash  EthashConfig             `yaml:"ethash"`
	HwMon   HwMonConfig              `yaml:"hwmon"`
	API     api.Config               `yaml:"api"`
	Metrics monitoring.MetricsConfig `yaml:"metrics"`
}

// MinerConfig holds the device worker settings.
type MinerConfig struct {
	Devices        []int         `yaml:"devices"`
	GridSize       uint32        `yaml:"grid_size"`
	BlockSize      uint32        `yaml:"block_size"`
	Streams        int           `yaml:"streams"`
	ParallelHash   uint32        `yaml:"parallel_hash"`
	Schedule       string        `yaml:"schedule"`
	LoadMode       string        `yaml:"load_mode"`
	DatasetCreator int           `yaml:"dataset_creator"`
	Eval           bool          `yaml:"eval"`
	CurrentBlock   uint64        `yaml:"current_block"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
}

// SimDeviceConfig describes one emulated device.
type SimDeviceConfig struct {
	Name   string `yaml:"name"`
	Memory uint64 `yaml:"memory"`
}

// SimConfig configures the emulated runtime.
type SimConfig struct {
	Devices          []SimDeviceConfig `yaml:"devices"`
	MaterializeLimit uint64            `yaml:"materialize_limit"`
	BatchDelay       time.Duration     `yaml:"batch_delay"`
}

// FarmConfig configures the work facade.
type FarmConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Window         int           `yaml:"window"`
	ReportInterval time.Duration `yaml:"report_interval"`
	SubmitStale    bool          `yaml:"submit_stale"`
}

// EthashConfig sizes the light cache store.
type EthashConfig struct {
	CacheMB     int `yaml:"cache_mb"`
	CacheShards int `yaml:"cache_shards"`
}

// HwMonConfig controls device telemetry.
type HwMonConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	fleet := miner.DefaultFleetConfig()
	fc := farm.DefaultConfig()
	store := ethash.DefaultStoreConfig()
	sim := gpu.DefaultSimConfig()

	simDevices := make([]SimDeviceConfig, 0, len(sim.Devices))
	for _, d := range sim.Devices {
		simDevices = append(simDevices, SimDeviceConfig{Name: d.Name, Memory: d.Memory})
	}

	return &Config{
		Runtime:         gpu.SimRuntimeName,
		GracefulTimeout: 30 * time.Second,
		Logging:         logging.DefaultConfig(),
		Miner: MinerConfig{
			GridSize:     fleet.GridSize,
			BlockSize:    fleet.BlockSize,
			Streams:      fleet.Streams,
			ParallelHash: fleet.ParallelHash,
			Schedule:     fleet.Schedule.String(),
			LoadMode:     fleet.LoadMode.String(),
			PollInterval: fleet.PollInterval,
			IdleInterval: fleet.IdleInterval,
		},
		Sim: SimConfig{
			Devices:          simDevices,
			MaterializeLimit: sim.MaterializeLimit,
		},
		Farm: FarmConfig{
			SampleInterval: fc.SampleInterval,
			Window:         fc.Window,
			ReportInterval: fc.ReportInterval,
			SubmitStale:    fc.SubmitStale,
		},
		Ethash: EthashConfig{
			CacheMB:     store.MaxMB,
			CacheShards: store.Shards,
		},
		HwMon: HwMonConfig{Enabled: true},
		API: api.Config{
			Enabled:    true,
			ListenAddr:     "127.0.0.1:3333",
			RateLimit:      20,
			Compress:       true,
			StreamInterval: 2 * time.Second,
		},
		Metrics: monitoring.MetricsConfig{
			Enabled:        true,
			MetricsPath:    "/metrics",
			UpdateInterval: 10 * time.Second,
			Namespace:      "dagminer",
		},
	}
}

// FleetConfig converts the miner section.
func (c *Config) FleetConfig() (miner.FleetConfig, error) {
	schedule, err := gpu.ParseScheduleFlag(c.Miner.Schedule)
	if err != nil {
		return miner.FleetConfig{}, err
	}
	mode, err := dataset.ParseMode(c.Miner.LoadMode)
	if err != nil {
		return miner.FleetConfig{}, err
	}

	fc := miner.FleetConfig{
		Devices:        append([]int(nil), c.Miner.Devices...),
		GridSize:       c.Miner.GridSize,
		BlockSize:      c.Miner.BlockSize,
		Streams:        c.Miner.Streams,
		ParallelHash:   c.Miner.ParallelHash,
		Schedule:       schedule,
		LoadMode:       mode,
		DatasetCreator: c.Miner.DatasetCreator,
		Eval:           c.Miner.Eval,
		CurrentBlock:   c.Miner.CurrentBlock,
		PollInterval:   c.Miner.PollInterval,
		IdleInterval:   c.Miner.IdleInterval,
	}
	if err := fc.Normalize(); err != nil {
		return miner.FleetConfig{}, fmt.Errorf("miner: %w", err)
	}
	return fc, nil
}

// SimRuntimeConfig converts the sim section.
func (c *Config) SimRuntimeConfig() gpu.SimConfig {
	sc := gpu.DefaultSimConfig()
	if len(c.Sim.Devices) > 0 {
		sc.Devices = make([]gpu.SimDevice, 0, len(c.Sim.Devices))
		for _, d := range c.Sim.Devices {
			sc.Devices = append(sc.Devices, gpu.SimDevice{Name: d.Name, Memory: d.Memory})
		}
	}
	if c.Sim.MaterializeLimit > 0 {
		sc.MaterializeLimit = c.Sim.MaterializeLimit
	}
	sc.BatchDelay = c.Sim.BatchDelay
	return sc
}

// FarmConfig converts the farm section.
func (c *Config) FarmConfig() farm.Config {
	return farm.Config{
		SampleInterval: c.Farm.SampleInterval,
		Window:         c.Farm.Window,
		ReportInterval: c.Farm.ReportInterval,
		SubmitStale:    c.Farm.SubmitStale,
	}
}

// StoreConfig converts the ethash section.
func (c *Config) StoreConfig() ethash.StoreConfig {
	return ethash.StoreConfig{
		MaxMB:  c.Ethash.CacheMB,
		Shards: c.Ethash.CacheShards,
	}
}
