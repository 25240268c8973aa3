package mining

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WorkPackage is one unit of work handed out by the farm. Values are
// immutable once published; workers keep their own copy.
type WorkPackage struct {
	JobID      string
	Header     common.Hash
	Seed       common.Hash
	Boundary   uint256.Int
	StartNonce uint64
	// ExSizeBits is the number of leading nonce bits reserved for the pool
	// extranonce. Negative disables nonce partitioning.
	ExSizeBits int
	Block      uint64
}

// Valid reports whether the package carries a header to search.
func (w WorkPackage) Valid() bool {
	return w.Header != (common.Hash{})
}

// Target returns the upper 64 bits of the boundary, which is what the
// search kernel compares against.
func (w WorkPackage) Target() uint64 {
	b := w.Boundary.Bytes32()
	return binary.BigEndian.Uint64(b[:8])
}

// SameJob reports whether two packages describe the same search.
func (w WorkPackage) SameJob(o WorkPackage) bool {
	return w.Header == o.Header && w.Seed == o.Seed
}

// Token is the cancellation token shared by a search batch and every
// solution it produced.
type Token struct {
	cancelled atomic.Bool
}

// NewToken returns a live token.
func NewToken() *Token {
	return &Token{}
}

// Cancel marks the token as superseded.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether newer work arrived after the batch started.
func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Solution is a nonce found by a device for a given work package.
type Solution struct {
	Worker  string
	Device  int
	Nonce   uint64
	MixHash common.Hash
	Work    WorkPackage
	Found   time.Time
	Token   *Token
}

// Stale reports whether the work was superseded while the batch that found
// this solution was in flight.
func (s Solution) Stale() bool {
	return s.Token.Cancelled()
}

// HwMonitor holds the last telemetry sample read for a device.
type HwMonitor struct {
	TempC  uint32  `json:"temp_c"`
	FanP   uint32  `json:"fan_percent"`
	PowerW float64 `json:"power_w"`
}

// DeviceProgress is the per-device view of mining progress.
type DeviceProgress struct {
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	BusLocation string     `json:"bus_location"`
	State       string     `json:"state"`
	HashRate    float64    `json:"hash_rate"`
	HashCount   uint64     `json:"hash_count"`
	Hw          *HwMonitor `json:"hw,omitempty"`
}

// WorkingProgress aggregates the progress of every device.
type WorkingProgress struct {
	HashRate float64          `json:"hash_rate"`
	Uptime   time.Duration    `json:"uptime"`
	Devices  []DeviceProgress `json:"devices"`
}

// SolutionStats counts solution outcomes.
type SolutionStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
	Stale    uint64 `json:"stale"`
}
