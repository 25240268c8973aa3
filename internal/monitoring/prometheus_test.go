package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/dataset"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

type staticObserver struct {
	progress mining.WorkingProgress
	stats    mining.SolutionStats
}

func (o *staticObserver) MiningProgress() mining.WorkingProgress { return o.progress }
func (o *staticObserver) SolutionStats() mining.SolutionStats    { return o.stats }

func newObserver() *staticObserver {
	return &staticObserver{
		progress: mining.WorkingProgress{
			HashRate: 3e7,
			Devices: []mining.DeviceProgress{
				{Index: 0, Name: "GPU A", BusLocation: "0000:01:00", State: "searching", HashRate: 2e7, HashCount: 100,
					Hw: &mining.HwMonitor{TempC: 66, FanP: 50, PowerW: 180}},
				{Index: 1, Name: "GPU B", BusLocation: "0000:02:00", State: "initializing", HashRate: 1e7, HashCount: 50},
			},
		},
		stats: mining.SolutionStats{Accepted: 4, Rejected: 1, Failed: 2, Stale: 1},
	}
}

func TestUpdateCopiesProgress(t *testing.T) {
	me := NewMetricsExporter(zap.NewNop(), MetricsConfig{Enabled: true}, newObserver())
	me.Update()

	assert.Equal(t, 2e7, testutil.ToFloat64(me.hashrate.WithLabelValues("0", "GPU A")))
	assert.Equal(t, 1e7, testutil.ToFloat64(me.hashrate.WithLabelValues("1", "GPU B")))
	assert.Equal(t, float64(1), testutil.ToFloat64(me.deviceUp.WithLabelValues("0", "GPU A")))
	assert.Equal(t, float64(0), testutil.ToFloat64(me.deviceUp.WithLabelValues("1", "GPU B")))
	assert.Equal(t, float64(2), testutil.ToFloat64(me.devices))
	assert.Equal(t, float64(66), testutil.ToFloat64(me.temperature.WithLabelValues("0", "0000:01:00")))
	assert.Equal(t, 1, testutil.CollectAndCount(me.temperature))
}

func TestRecordDatasetLoad(t *testing.T) {
	me := NewMetricsExporter(zap.NewNop(), MetricsConfig{}, newObserver())

	me.RecordDatasetLoad(0, dataset.Result{Epoch: 3, Reset: true, Plan: dataset.PlanGenerate, Duration: 2 * time.Second})
	me.RecordDatasetLoad(1, dataset.Result{Epoch: 3, Plan: dataset.PlanCopyFromHost, Duration: time.Second})

	assert.Equal(t, 2, testutil.CollectAndCount(me.datasetDur))
	assert.Equal(t, float64(1), testutil.ToFloat64(me.resets.WithLabelValues("0")))
	assert.Equal(t, float64(3), testutil.ToFloat64(me.epoch))
}

func TestHandlerExposesSolutionCounters(t *testing.T) {
	me := NewMetricsExporter(zap.NewNop(), MetricsConfig{}, newObserver())

	srv := httptest.NewServer(me.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "dagminer_mining_solutions_accepted_total 4")
	assert.Contains(t, string(body), "dagminer_mining_solutions_failed_total 2")
	assert.Contains(t, string(body), "dagminer_mining_solutions_stale_total 1")
}

func TestStartStop(t *testing.T) {
	me := NewMetricsExporter(zap.NewNop(), MetricsConfig{Enabled: true, UpdateInterval: time.Millisecond}, newObserver())

	require.NoError(t, me.Start(context.Background()))
	assert.Error(t, me.Start(context.Background()))
	assert.Equal(t, 2e7, testutil.ToFloat64(me.hashrate.WithLabelValues("0", "GPU A")))
	require.NoError(t, me.Stop())
	require.NoError(t, me.Stop())
}

func TestStartDisabled(t *testing.T) {
	me := NewMetricsExporter(zap.NewNop(), MetricsConfig{}, newObserver())
	require.NoError(t, me.Start(context.Background()))
	require.NoError(t, me.Stop())
}
