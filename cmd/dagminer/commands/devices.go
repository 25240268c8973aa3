package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/hardware"
)

var devicesBlock uint64

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices of the runtime",
	Long:  "List every device of the configured runtime and whether it can hold the dataset of --block.",
	RunE:  runDevices,
}

func init() {
	devicesCmd.Flags().Uint64Var(&devicesBlock, "block", 0, "block number selecting the dataset size, defaults to miner.current_block")
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	manager, factory, err := setup()
	if err != nil {
		return err
	}
	defer factory.Sync()

	cfg := effectiveConfig(manager)
	if devicesBlock == 0 {
		devicesBlock = cfg.Miner.CurrentBlock
	}
	epoch := ethash.EpochOf(devicesBlock)
	required := ethash.DatasetSize(epoch)

	fmt.Println("=== Host ===")
	fmt.Printf("CPU:     %s (%d cores, %d threads)\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if avail, err := hardware.HostMemory(); err == nil {
		fmt.Printf("Memory:  %s available\n", humanize.IBytes(avail))
	}
	fmt.Printf("Dataset: epoch %d needs %s per device\n", epoch, humanize.IBytes(required))

	rt, err := openRuntime(cfg, factory.GetLogger("gpu"))
	if err != nil {
		return err
	}
	props, err := gpu.NewRegistry(factory.GetLogger("registry"), rt).List()
	if err != nil {
		return err
	}

	// PCI names are informational only.
	pci, err := hardware.ScanGPUs()
	if err != nil {
		factory.Logger().Debug(err.Error())
	}

	fmt.Printf("\n=== %s devices ===\n", rt.Name())
	if len(props) == 0 {
		fmt.Println("none")
		return nil
	}
	for _, p := range props {
		fits := "ok"
		if p.TotalMemory < required {
			fits = "insufficient memory"
		}
		fmt.Printf("%2d  %-28s  %s  %-9s  cc %s  %s\n",
			p.Ordinal, p.Name, p.BusLocation(), humanize.IBytes(p.TotalMemory), p.Compute(), fits)
		if d, ok := hardware.LookupPCI(pci, p.BusLocation()); ok {
			fmt.Printf("    %s %s\n", d.Vendor, d.Product)
		}
	}
	return nil
}
