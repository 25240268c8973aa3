package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

type fakeObserver struct{}

func (fakeObserver) MiningProgress() mining.WorkingProgress {
	return mining.WorkingProgress{
		HashRate: 45e6,
		Devices: []mining.DeviceProgress{
			{Index: 0, Name: "GPU A", State: "searching", HashRate: 30e6, Hw: &mining.HwMonitor{TempC: 61, FanP: 55, PowerW: 170}},
			{Index: 1, Name: "GPU B", State: "searching", HashRate: 15e6},
		},
	}
}

func (fakeObserver) SolutionStats() mining.SolutionStats {
	return mining.SolutionStats{Accepted: 7, Rejected: 1}
}

type fakeWork struct {
	mu   sync.Mutex
	work mining.WorkPackage
	sets int
}

func (f *fakeWork) CurrentWork() mining.WorkPackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.work
}

func (f *fakeWork) SetWork(w mining.WorkPackage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.JobID == "" {
		w.JobID = "generated"
	}
	f.work = w
	f.sets++
}

func newTestServer(t *testing.T, config Config, deps Deps) *Server {
	t.Helper()
	config.Enabled = true
	if deps.Observer == nil {
		deps.Observer = fakeObserver{}
	}
	s, err := NewServer(config, zaptest.NewLogger(t), deps)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServerDisabled(t *testing.T) {
	_, err := NewServer(Config{}, zaptest.NewLogger(t), Deps{Observer: fakeObserver{}})
	assert.Error(t, err)

	_, err = NewServer(Config{Enabled: true}, zaptest.NewLogger(t), Deps{})
	assert.Error(t, err)
}

func TestGetStat(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{Version: "dagminer-1.0"})

	rr := serve(s, "GET", "/getstat1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var summary statSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, "dagminer-1.0", summary.Version)
	assert.NotEmpty(t, summary.Host)
	require.Len(t, summary.Devices, 2)
	assert.Equal(t, statDevice{Index: 0, Rate: 30, TempC: 61, FanP: 55, PowerW: 170}, summary.Devices[0])
	assert.Equal(t, statDevice{Index: 1, Rate: 15}, summary.Devices[1])
	assert.InDelta(t, 45.0, summary.Rate, 1e-9)
	assert.InDelta(t, 170.0, summary.Power, 1e-9)
	assert.Equal(t, "A7:R1", summary.Solutions)
}

func TestFormatSolutions(t *testing.T) {
	assert.Equal(t, "A0", formatSolutions(mining.SolutionStats{}))
	assert.Equal(t, "A3:F2:S1", formatSolutions(mining.SolutionStats{Accepted: 3, Failed: 2, Stale: 1}))
}

func TestHealth(t *testing.T) {
	var failure error
	s := newTestServer(t, Config{}, Deps{Health: func() error { return failure }})

	rr := serve(s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	failure = errors.New("device sim1 failed")
	rr = serve(s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "device sim1 failed", resp.Error)
}

func TestProgressAndSolutions(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	rr := serve(s, "GET", "/api/v1/progress", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var progress struct {
		Data mining.WorkingProgress `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &progress))
	assert.Len(t, progress.Data.Devices, 2)
	assert.Equal(t, 45e6, progress.Data.HashRate)

	rr = serve(s, "GET", "/api/v1/solutions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Data mining.SolutionStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, uint64(7), stats.Data.Accepted)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dagminer_mining_devices 2\n"))
	})
	s := newTestServer(t, Config{}, Deps{Metrics: metrics})

	rr := serve(s, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dagminer_mining_devices 2")
}

func TestSetWork(t *testing.T) {
	work := &fakeWork{}
	s := newTestServer(t, Config{}, Deps{Work: work})

	rr := serve(s, "GET", "/api/v1/work", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	body := `{"header":"0x` + strings.Repeat("ab", 32) + `","block":30001,"difficulty":1000,"ex_size_bits":16,"start_nonce":"0x1234"}`
	rr = serve(s, "POST", "/api/v1/work", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.Equal(t, 1, work.sets)

	w := work.CurrentWork()
	assert.Equal(t, common.HexToHash("0x"+strings.Repeat("ab", 32)), w.Header)
	assert.Equal(t, ethash.SeedHash(1), w.Seed)
	assert.Equal(t, 16, w.ExSizeBits)
	assert.Equal(t, uint64(0x1234), w.StartNonce)
	assert.False(t, w.Boundary.IsZero())

	rr = serve(s, "GET", "/api/v1/work", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Data workJSON `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "generated", got.Data.JobID)
	assert.Equal(t, uint64(1), got.Data.Epoch)
}

func TestSetWorkRejectsBadRequests(t *testing.T) {
	work := &fakeWork{}
	s := newTestServer(t, Config{}, Deps{Work: work})
	header := `"0x` + strings.Repeat("01", 32) + `"`

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"header":` + header + `,"difficulty":1,"extra":1}`},
		{"short header", `{"header":"0x01","difficulty":1}`},
		{"zero header", `{"header":"0x` + strings.Repeat("00", 32) + `","difficulty":1}`},
		{"no target", `{"header":` + header + `}`},
		{"unknown seed", `{"header":` + header + `,"difficulty":1,"seed":"0x` + strings.Repeat("ff", 32) + `"}`},
		{"partition too wide", `{"header":` + header + `,"difficulty":1,"ex_size_bits":60}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, "POST", "/api/v1/work", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	assert.Zero(t, work.sets)
}

func TestReadOnlyRejectsWork(t *testing.T) {
	s := newTestServer(t, Config{ReadOnly: true}, Deps{Work: &fakeWork{}})
	rr := serve(s, "POST", "/api/v1/work", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 1, RateBurst: 2}, Deps{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(s, "GET", "/healthz", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiterPerAddress(t *testing.T) {
	rl := NewIPRateLimiter(1, time.Hour, 1)
	assert.True(t, rl.Allow("10.0.0.1:1000"))
	assert.False(t, rl.Allow("10.0.0.1:2000"))
	assert.True(t, rl.Allow("10.0.0.2:1000"))
	assert.Equal(t, 2, rl.Len())
}

func TestIPRateLimiterPurgesIdle(t *testing.T) {
	rl := NewIPRateLimiter(10, time.Second, 10)
	rl.maxVisitors = 1
	rl.idleTTL = 0

	rl.Allow("10.0.0.1:1")
	time.Sleep(time.Millisecond)
	rl.Allow("10.0.0.2:1")
	assert.LessOrEqual(t, rl.Len(), 1)
}
