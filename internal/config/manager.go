package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAGMINER"

// Manager loads the configuration and coordinates reloads.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex

	validator *Validator
	envLoader *EnvLoader
	watcher   *ConfigWatcher

	onChangeCallbacks []func(*Config)
}

// NewManager creates a manager and performs the initial load. An empty
// path uses defaults and environment overrides only.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		validator:  NewValidator(),
		envLoader:  NewEnvLoader(EnvPrefix),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}

	return m, nil
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the file over the defaults, applies environment overrides,
// validates the result and swaps it in.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if m.configPath != "" {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			m.logger.Debug("Config file not found, using defaults", zap.String("path", m.configPath))
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := m.validator.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	m.configMu.Lock()
	m.config = cfg
	m.configMu.Unlock()

	m.notifyChange(cfg)

	m.logger.Debug("Configuration loaded", zap.String("path", m.configPath))
	return nil
}

// Save writes the current configuration to the file.
func (m *Manager) Save() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	data, err := yaml.Marshal(m.Get())
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a temporary file first so a crash never leaves a torn file.
	tempFile := m.configPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}
	if err := os.Rename(tempFile, m.configPath); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	m.logger.Info("Configuration saved", zap.String("path", m.configPath))
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	cfgCopy := *m.config
	cfgCopy.Miner.Devices = append([]int(nil), m.config.Miner.Devices...)
	cfgCopy.Sim.Devices = append([]SimDeviceConfig(nil), m.config.Sim.Devices...)
	cfgCopy.API.AllowOrigins = append([]string(nil), m.config.API.AllowOrigins...)
	return &cfgCopy
}

// OnChange registers a callback run after every successful load.
func (m *Manager) OnChange(callback func(*Config)) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.onChangeCallbacks = append(m.onChangeCallbacks, callback)
}

func (m *Manager) notifyChange(newConfig *Config) {
	m.configMu.RLock()
	callbacks := m.onChangeCallbacks
	m.configMu.RUnlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}
}

// StartWatcher starts hot-reloading the configuration file.
func (m *Manager) StartWatcher() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path to watch")
	}

	var err error
	m.watcher, err = NewConfigWatcher(m.logger, m.configPath)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	return m.watcher.Start(func() {
		if err := m.Load(); err != nil {
			m.logger.Error("Failed to hot-reload configuration", zap.Error(err))
		}
	})
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}
