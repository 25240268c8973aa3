package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/config"
)

var startBlock uint64

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start mining",
	Long: `Start a worker on every selected device and serve the statistics API.

Work is injected through POST /api/v1/work.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Uint64Var(&startBlock, "block", 0, "current block number, sizes the startup memory check")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	manager, factory, err := setup()
	if err != nil {
		return err
	}
	defer factory.Sync()
	logger := factory.Logger()

	cfg := effectiveConfig(manager)
	if startBlock > 0 {
		cfg.Miner.CurrentBlock = startBlock
	}

	if manager.Path() != "" {
		manager.OnChange(func(c *config.Config) {
			if verbose {
				return
			}
			if err := factory.SetLevel(c.Logging.Level); err != nil {
				logger.Warn("Failed to apply log level", zap.Error(err))
			}
		})
		if err := manager.StartWatcher(); err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		}
		defer manager.StopWatcher()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Starting dagminer",
		zap.String("version", Version),
		zap.String("config", manager.Path()),
		zap.String("runtime", cfg.Runtime),
	)

	app, err := newMiningApp(factory, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			break wait
		case <-app.fleet.Failures():
			if err := app.health(); err != nil {
				logger.Error("No device left mining", zap.Error(err))
				runErr = err
				break wait
			}
		}
	}

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}

	logger.Info("dagminer stopped")
	return runErr
}
