package farm

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/dagminer/internal/mining"
)

// sampler turns monotonic hash counters into windowed hash rates.
type sampler struct {
	mu      sync.RWMutex
	window  int
	devices map[int]*deviceSamples
}

type deviceSamples struct {
	lastCount uint64
	lastTime  time.Time
	rates     []float64
	next      int
	hw        *mining.HwMonitor
}

func newSampler(window int) *sampler {
	return &sampler{
		window:  window,
		devices: make(map[int]*deviceSamples),
	}
}

// record adds a counter reading. The first reading of a device only sets
// the baseline.
func (s *sampler) record(index int, count uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[index]
	if !ok {
		s.devices[index] = &deviceSamples{lastCount: count, lastTime: now}
		return
	}

	elapsed := now.Sub(d.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	var delta uint64
	if count >= d.lastCount {
		delta = count - d.lastCount
	}
	rate := float64(delta) / elapsed
	d.lastCount = count
	d.lastTime = now

	if len(d.rates) < s.window {
		d.rates = append(d.rates, rate)
		return
	}
	d.rates[d.next] = rate
	d.next = (d.next + 1) % s.window
}

func (s *sampler) setHw(index int, hw mining.HwMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[index]
	if !ok {
		d = &deviceSamples{}
		s.devices[index] = d
	}
	d.hw = &hw
}

// device returns the mean rate over the window and the last telemetry.
func (s *sampler) device(index int) (float64, *mining.HwMonitor) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[index]
	if !ok {
		return 0, nil
	}
	var hw *mining.HwMonitor
	if d.hw != nil {
		v := *d.hw
		hw = &v
	}
	if len(d.rates) == 0 {
		return 0, hw
	}
	return stat.Mean(d.rates, nil), hw
}

func formatRate(rate float64) string {
	return humanize.SIWithDigits(rate, 2, "H/s")
}
