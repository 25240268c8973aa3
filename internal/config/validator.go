package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/dagminer/internal/api"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/logging"
	"github.com/shizukutanaka/dagminer/internal/miner"
	"github.com/shizukutanaka/dagminer/internal/monitoring"
)

// Validator checks a configuration for values the components would reject
// later, so a bad file fails at load time.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Runtime == "" {
		return errors.New("runtime is required")
	}
	if !runtimeKnown(cfg.Runtime) {
		return fmt.Errorf("runtime %q not available in this build, have %v", cfg.Runtime, gpu.Runtimes())
	}
	if cfg.GracefulTimeout <= 0 {
		return errors.New("graceful_timeout must be positive")
	}
	if err := v.validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.validateMiner(cfg); err != nil {
		return fmt.Errorf("miner config: %w", err)
	}
	if err := v.validateSim(&cfg.Sim); err != nil {
		return fmt.Errorf("sim config: %w", err)
	}
	if err := v.validateFarm(&cfg.Farm); err != nil {
		return fmt.Errorf("farm config: %w", err)
	}
	if err := v.validateEthash(&cfg.Ethash); err != nil {
		return fmt.Errorf("ethash config: %w", err)
	}
	if err := v.validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := v.validateMetrics(&cfg.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *logging.Config) error {
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	if cfg.Encoding != "" && !contains([]string{"json", "console"}, cfg.Encoding) {
		return fmt.Errorf("invalid encoding: %s", cfg.Encoding)
	}
	return nil
}

func (v *Validator) validateMiner(cfg *Config) error {
	m := &cfg.Miner
	if len(m.Devices) > miner.MaxMiners {
		return fmt.Errorf("at most %d devices, got %d", miner.MaxMiners, len(m.Devices))
	}
	for _, d := range m.Devices {
		if d < 0 {
			return fmt.Errorf("negative device ordinal %d", d)
		}
	}
	if m.Streams < 0 {
		return errors.New("streams cannot be negative")
	}
	if m.DatasetCreator < 0 {
		return errors.New("dataset_creator cannot be negative")
	}
	if m.PollInterval < 0 || m.IdleInterval < 0 {
		return errors.New("intervals cannot be negative")
	}
	// Parses schedule and load mode and checks the parallel hash factor.
	if _, err := cfg.FleetConfig(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateSim(cfg *SimConfig) error {
	for i, d := range cfg.Devices {
		if d.Memory == 0 {
			return fmt.Errorf("device %d: memory must be positive", i)
		}
	}
	return nil
}

func (v *Validator) validateFarm(cfg *FarmConfig) error {
	if cfg.SampleInterval < 0 || cfg.ReportInterval < 0 {
		return errors.New("intervals cannot be negative")
	}
	if cfg.Window < 0 {
		return errors.New("window cannot be negative")
	}
	return nil
}

func (v *Validator) validateEthash(cfg *EthashConfig) error {
	if cfg.CacheMB < 0 {
		return errors.New("cache_mb cannot be negative")
	}
	if cfg.CacheShards < 0 || cfg.CacheShards&(cfg.CacheShards-1) != 0 {
		return fmt.Errorf("cache_shards must be a power of two, got %d", cfg.CacheShards)
	}
	return nil
}

func (v *Validator) validateAPI(cfg *api.Config) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("api listen_addr: %w", err)
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate_limit cannot be negative")
	}
	if cfg.StreamInterval < 0 {
		return errors.New("stream_interval cannot be negative")
	}
	if cfg.EnableTLS {
		if _, err := os.Stat(cfg.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("cert_file not found: %s", cfg.CertFile)
		}
		if _, err := os.Stat(cfg.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key_file not found: %s", cfg.KeyFile)
		}
	}
	return nil
}

func (v *Validator) validateMetrics(cfg *monitoring.MetricsConfig) error {
	if !cfg.Enabled || cfg.ListenAddr == "" {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("metrics listen_addr: %w", err)
	}
	return nil
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}

// runtimeKnown reports whether the runtime is registered in this build.
func runtimeKnown(name string) bool {
	for _, r := range gpu.Runtimes() {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// contains is a helper function to check for string presence in a slice.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
