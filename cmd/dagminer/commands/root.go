package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/config"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/logging"
)

// Version is the application version.
const Version = "0.3.0"

var (
	cfgFile     string
	verbose     bool
	runtimeName string
)

var rootCmd = &cobra.Command{
	Use:   "dagminer",
	Short: "Multi-GPU ethash miner",
	Long: `dagminer searches ethash proof of work on every selected accelerator.

It keeps one worker per device, builds the epoch dataset once per device or
once per host, and reports solutions to the work source.`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dagminer.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&runtimeName, "runtime", "", "accelerator runtime, overrides the config file")
}

// configPath returns the config file to use. Without --config the default
// file is used only if it exists.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("dagminer.yaml"); err == nil {
		return "dagminer.yaml"
	}
	return ""
}

// setup loads the configuration and builds the logger factory from it.
func setup() (*config.Manager, *logging.LoggerFactory, error) {
	bootstrap := zap.NewNop()
	if verbose {
		bootstrap, _ = zap.NewDevelopment()
	}

	manager, err := config.NewManager(bootstrap, configPath())
	if err != nil {
		return nil, nil, err
	}

	cfg := manager.Get()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	factory, err := logging.NewLoggerFactory(cfg.Logging, zap.String("version", Version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return manager, factory, nil
}

// effectiveConfig applies command line overrides.
func effectiveConfig(manager *config.Manager) *config.Config {
	cfg := manager.Get()
	if runtimeName != "" {
		cfg.Runtime = runtimeName
	}
	return cfg
}

// openRuntime builds the configured runtime. The sim runtime takes its
// device list from the config.
func openRuntime(cfg *config.Config, logger *zap.Logger) (gpu.Runtime, error) {
	if cfg.Runtime == gpu.SimRuntimeName {
		return gpu.NewSimRuntime(logger, cfg.SimRuntimeConfig()), nil
	}
	return gpu.OpenRuntime(cfg.Runtime, logger)
}
