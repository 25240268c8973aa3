package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	MetricsPath    string        `yaml:"metrics_path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	Namespace      string        `yaml:"namespace"`
}

// MetricsExporter provides Prometheus metrics export functionality
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	observer mining.Observer
	registry *prometheus.Registry
	server   *http.Server

	// Mining metrics
	hashrate   *prometheus.GaugeVec
	hashes     *prometheus.GaugeVec
	deviceUp   *prometheus.GaugeVec
	devices    prometheus.Gauge
	datasetDur *prometheus.HistogramVec
	resets     *prometheus.CounterVec
	epoch      prometheus.Gauge

	// Hardware metrics
	temperature *prometheus.GaugeVec
	fanSpeed    *prometheus.GaugeVec
	powerDraw   *prometheus.GaugeVec

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig, observer mining.Observer) *MetricsExporter {
	// Set defaults
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 10 * time.Second
	}
	if config.Namespace == "" {
		config.Namespace = "dagminer"
	}

	me := &MetricsExporter{
		logger:   logger,
		config:   config,
		observer: observer,
		registry: prometheus.NewRegistry(),
	}
	me.initializeMetrics()
	return me
}

// Registry returns the registry the exporter writes to.
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler serves the registry in the Prometheus text format.
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start begins the update loop and, when a listen address is set, serves
// the metrics endpoint.
func (me *MetricsExporter) Start(ctx context.Context) error {
	if !me.config.Enabled {
		me.logger.Info("Metrics exporter disabled")
		return nil
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if me.cancel != nil {
		return errors.New("metrics exporter already running")
	}

	ctx, me.cancel = context.WithCancel(ctx)
	me.Update()

	me.wg.Add(1)
	go me.updateLoop(ctx)

	if me.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(me.config.MetricsPath, me.Handler())
	me.server = &http.Server{
		Addr:              me.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		me.logger.Info("Starting metrics exporter",
			zap.String("address", me.config.ListenAddr),
			zap.String("path", me.config.MetricsPath),
		)

		if err := me.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			me.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop halts metrics export
func (me *MetricsExporter) Stop() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.cancel == nil {
		return nil
	}
	me.cancel()
	me.wg.Wait()
	me.cancel = nil

	if me.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := me.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
		me.server = nil
	}

	me.logger.Info("Metrics exporter stopped")
	return nil
}

func (me *MetricsExporter) updateLoop(ctx context.Context) {
	defer me.wg.Done()

	ticker := time.NewTicker(me.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			me.Update()
		}
	}
}

// Update copies the current mining progress into the gauges.
func (me *MetricsExporter) Update() {
	progress := me.observer.MiningProgress()

	me.devices.Set(float64(len(progress.Devices)))
	for _, d := range progress.Devices {
		device := strconv.Itoa(d.Index)
		me.hashrate.WithLabelValues(device, d.Name).Set(d.HashRate)
		me.hashes.WithLabelValues(device, d.Name).Set(float64(d.HashCount))

		up := 0.0
		if d.State == "searching" {
			up = 1
		}
		me.deviceUp.WithLabelValues(device, d.Name).Set(up)

		if d.Hw != nil {
			me.temperature.WithLabelValues(device, d.BusLocation).Set(float64(d.Hw.TempC))
			me.fanSpeed.WithLabelValues(device, d.BusLocation).Set(float64(d.Hw.FanP))
			me.powerDraw.WithLabelValues(device, d.BusLocation).Set(d.Hw.PowerW)
		}
	}
}

// RecordDatasetLoad records a completed dataset load. It matches the
// fleet's load observer signature.
func (me *MetricsExporter) RecordDatasetLoad(device int, res dataset.Result) {
	label := strconv.Itoa(device)
	me.datasetDur.WithLabelValues(label, res.Plan.String()).Observe(res.Duration.Seconds())
	if res.Reset {
		me.resets.WithLabelValues(label).Inc()
	}
	me.epoch.Set(float64(res.Epoch))
}

func (me *MetricsExporter) initializeMetrics() {
	ns := me.config.Namespace

	me.hashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "mining",
		Name:      "hashrate_hashes_per_second",
		Help:      "Current device hashrate in hashes per second",
	}, []string{"device", "name"})

	me.hashes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "mining",
		Name:      "hashes",
		Help:      "Hashes computed by the device since start",
	}, []string{"device", "name"})

	me.deviceUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "mining",
		Name:      "device_searching",
		Help:      "Whether the device is searching (1) or not (0)",
	}, []string{"device", "name"})

	me.devices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "mining",
		Name:      "devices",
		Help:      "Number of devices mining",
	})

	solution := func(name, help string, read func(mining.SolutionStats) uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "mining",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(read(me.observer.SolutionStats()))
		})
	}

	me.datasetDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "dataset",
		Name:      "load_duration_seconds",
		Help:      "Time taken to load the full dataset onto a device",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"device", "plan"})

	me.resets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "dataset",
		Name:      "device_resets_total",
		Help:      "Device resets performed before a dataset load",
	}, []string{"device"})

	me.epoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "dataset",
		Name:      "epoch",
		Help:      "Epoch of the last loaded dataset",
	})

	// Hardware metrics
	me.temperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "hardware",
		Name:      "temperature_celsius",
		Help:      "Device temperature in Celsius",
	}, []string{"device", "bus"})

	me.fanSpeed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "hardware",
		Name:      "fan_speed_percent",
		Help:      "Device fan speed percentage",
	}, []string{"device", "bus"})

	me.powerDraw = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "hardware",
		Name:      "power_draw_watts",
		Help:      "Device power draw in watts",
	}, []string{"device", "bus"})

	me.registry.MustRegister(
		me.hashrate,
		me.hashes,
		me.deviceUp,
		me.devices,
		solution("solutions_accepted_total", "Solutions accepted by the pool", func(s mining.SolutionStats) uint64 { return s.Accepted }),
		solution("solutions_rejected_total", "Solutions rejected by the pool", func(s mining.SolutionStats) uint64 { return s.Rejected }),
		solution("solutions_failed_total", "Device results that failed host verification", func(s mining.SolutionStats) uint64 { return s.Failed }),
		solution("solutions_stale_total", "Solutions found for superseded work", func(s mining.SolutionStats) uint64 { return s.Stale }),
		me.datasetDur,
		me.resets,
		me.epoch,
		me.temperature,
		me.fanSpeed,
		me.powerDraw,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
