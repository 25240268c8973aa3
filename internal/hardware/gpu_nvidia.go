package hardware

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/mining"
)

// ErrUnavailable is returned when no telemetry source exists for a device.
var ErrUnavailable = errors.New("hardware monitoring not available")

// Monitor reads device telemetry keyed by PCI bus location.
type Monitor interface {
	Sample(ctx context.Context, busLocation string) (mining.HwMonitor, error)
}

// runner executes a command and returns its standard output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaMonitor monitors NVIDIA GPUs using nvidia-smi
type NvidiaMonitor struct {
	logger    *zap.Logger
	available bool
	run       runner
}

// NewNvidiaMonitor creates a new NVIDIA GPU monitor
func NewNvidiaMonitor(logger *zap.Logger) *NvidiaMonitor {
	monitor := &NvidiaMonitor{
		logger: logger,
		run:    execRunner,
	}

	// Check if nvidia-smi is available
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		monitor.available = true
		logger.Info("NVIDIA GPU monitoring available")
	} else {
		logger.Info("NVIDIA GPU monitoring not available (nvidia-smi not found)")
	}

	return monitor
}

// Available reports whether nvidia-smi was found.
func (m *NvidiaMonitor) Available() bool {
	return m.available
}

// Sample queries temperature, fan speed and power draw of the GPU at the
// given bus location.
func (m *NvidiaMonitor) Sample(ctx context.Context, busLocation string) (mining.HwMonitor, error) {
	if !m.available {
		return mining.HwMonitor{}, ErrUnavailable
	}

	output, err := m.run(ctx, "nvidia-smi",
		"--query-gpu=temperature.gpu,fan.speed,power.draw",
		"--format=csv,noheader,nounits",
		"-i", nvidiaBusID(busLocation))
	if err != nil {
		return mining.HwMonitor{}, fmt.Errorf("failed to query GPU %s: %w", busLocation, err)
	}

	return parseNvidiaSample(string(output))
}

// nvidiaBusID converts a domain:bus:device location into the
// domain:bus:device.function form nvidia-smi accepts.
func nvidiaBusID(busLocation string) string {
	if strings.Contains(busLocation, ".") {
		return busLocation
	}
	return busLocation + ".0"
}

func parseNvidiaSample(output string) (mining.HwMonitor, error) {
	var hw mining.HwMonitor

	line := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return hw, fmt.Errorf("unexpected nvidia-smi output format: %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	// Fields read "[N/A]" on boards without the sensor.
	if temp, err := strconv.ParseFloat(fields[0], 64); err == nil && temp >= 0 {
		hw.TempC = uint32(temp)
	}
	if fan, err := strconv.ParseFloat(fields[1], 64); err == nil && fan >= 0 {
		hw.FanP = uint32(fan)
	}
	if power, err := strconv.ParseFloat(fields[2], 64); err == nil {
		hw.PowerW = power
	}

	return hw, nil
}

// StaticMonitor returns a fixed sample for every device. It backs the
// simulated runtime.
type StaticMonitor struct {
	Reading mining.HwMonitor
}

// Sample returns the configured reading.
func (s StaticMonitor) Sample(ctx context.Context, busLocation string) (mining.HwMonitor, error) {
	if err := ctx.Err(); err != nil {
		return mining.HwMonitor{}, err
	}
	return s.Reading, nil
}
