package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/miner"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure the hash rate on synthetic work",
	Long: `Search a random header on every selected device and print the hash rate.

Measurement starts once every device finished loading the dataset of the
epoch of --block.`,
	RunE: runBench,
}

var (
	benchDuration   time.Duration
	benchBlock      uint64
	benchDifficulty uint64
	benchWarmup     time.Duration
)

func init() {
	benchCmd.Flags().DurationVar(&benchDuration, "duration", 30*time.Second, "measurement duration")
	benchCmd.Flags().Uint64Var(&benchBlock, "block", 0, "block number selecting the epoch, defaults to miner.current_block")
	benchCmd.Flags().Uint64Var(&benchDifficulty, "difficulty", 1<<40, "difficulty of the synthetic work")
	benchCmd.Flags().DurationVar(&benchWarmup, "warmup", 10*time.Minute, "maximum time to wait for dataset loads")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	manager, factory, err := setup()
	if err != nil {
		return err
	}
	defer factory.Sync()

	cfg := effectiveConfig(manager)
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Farm.ReportInterval = 0
	if benchBlock == 0 {
		benchBlock = cfg.Miner.CurrentBlock
	}
	cfg.Miner.CurrentBlock = benchBlock

	work, err := syntheticWork(benchBlock, benchDifficulty)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var found atomic.Uint64
	app, err := newMiningApp(factory, cfg, func(mining.Solution) { found.Add(1) })
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer shutdownCancel()
		app.Shutdown(shutdownCtx)
	}()

	fmt.Println("Starting dagminer benchmark")
	fmt.Printf("Runtime: %s, Devices: %d, Epoch: %d, Duration: %s\n",
		cfg.Runtime, len(app.fleet.Miners()), ethash.EpochOf(benchBlock), benchDuration)

	app.farm.SetWork(work)

	fmt.Println("Loading dataset...")
	if err := waitSearching(ctx, app.fleet.Miners(), benchWarmup); err != nil {
		return err
	}

	start := time.Now()
	base := make([]uint64, len(app.fleet.Miners()))
	for i, m := range app.fleet.Miners() {
		base[i] = m.HashCount()
	}

	select {
	case <-time.After(benchDuration):
	case <-ctx.Done():
		fmt.Println("Interrupted")
	}
	elapsed := time.Since(start).Seconds()

	fmt.Printf("\n=== Results ===\n")
	var total float64
	for i, m := range app.fleet.Miners() {
		rate := float64(m.HashCount()-base[i]) / elapsed
		total += rate
		fmt.Printf("%-8s %-28s %s  %s\n",
			m.Name(), m.Descriptor().Name, humanize.SIWithDigits(rate, 2, "H/s"), m.State())
	}
	fmt.Printf("Total:   %s over %.1fs, %d solutions\n",
		humanize.SIWithDigits(total, 2, "H/s"), elapsed, found.Load())
	return nil
}

// syntheticWork returns a random header to search on the epoch of block.
func syntheticWork(block, difficulty uint64) (mining.WorkPackage, error) {
	if difficulty == 0 {
		return mining.WorkPackage{}, errors.New("difficulty must be positive")
	}
	var header common.Hash
	if _, err := rand.Read(header[:]); err != nil {
		return mining.WorkPackage{}, err
	}

	w := mining.WorkPackage{
		Header:     header,
		Seed:       ethash.SeedHash(ethash.EpochOf(block)),
		ExSizeBits: -1,
		Block:      block,
	}
	var max uint256.Int
	max.Not(&max)
	w.Boundary.Div(&max, uint256.NewInt(difficulty))
	return w, nil
}

// waitSearching polls until every live worker is searching.
func waitSearching(ctx context.Context, miners []*miner.Miner, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, live := 0, 0
		for _, m := range miners {
			switch m.State() {
			case miner.StateSearching:
				ready++
				live++
			case miner.StateTerminated:
			default:
				live++
			}
		}
		if live == 0 {
			return errors.New("every device worker stopped")
		}
		if ready == live {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("devices not searching after %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
