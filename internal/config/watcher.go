package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher reports changes to the configuration file. It watches the
// parent directory so that editors replacing the file by rename are seen.
type ConfigWatcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	onChange func()
	running  bool
	done     chan struct{}
	debounce time.Duration
	timer    *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(logger *zap.Logger, configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigWatcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  watcher,
		done:     make(chan struct{}),
		debounce: time.Second,
	}, nil
}

// SetDebounce sets the quiet period before a change is reported.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// Start starts watching. onChange runs once per burst of events.
func (cw *ConfigWatcher) Start(onChange func()) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.onChange = onChange
	cw.running = true
	go cw.handleEvents()

	cw.logger.Info("Configuration watcher started", zap.String("path", cw.path))
	return nil
}

// Stop stops the configuration watcher
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}

	close(cw.done)
	cw.watcher.Close()
	cw.running = false

	if cw.timer != nil {
		cw.timer.Stop()
	}

	cw.logger.Info("Configuration watcher stopped")
}

func (cw *ConfigWatcher) handleEvents() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}

			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				cw.logger.Debug("Config file changed", zap.String("op", event.Op.String()))
				cw.scheduleReload()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				cw.logger.Warn("Config file removed, keeping current configuration",
					zap.String("path", event.Name))
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("File watcher error", zap.Error(err))

		case <-cw.done:
			return
		}
	}
}

// scheduleReload restarts the debounce timer.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}

	onChange := cw.onChange
	cw.timer = time.AfterFunc(cw.debounce, func() {
		cw.logger.Info("Reloading configuration", zap.String("path", cw.path))
		if onChange != nil {
			onChange()
		}
	})
}
