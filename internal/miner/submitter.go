package miner

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// Submitter forwards the candidates of one device to the farm, optionally
// verifying them on the host first.
type Submitter struct {
	logger *zap.Logger
	farm   mining.Farm
	worker string
	device int
	eval   bool

	submitted atomic.Uint64
	failed    atomic.Uint64
}

// NewSubmitter creates the submitter of a device.
func NewSubmitter(logger *zap.Logger, farm mining.Farm, worker string, device int, eval bool) *Submitter {
	return &Submitter{
		logger: logger,
		farm:   farm,
		worker: worker,
		device: device,
		eval:   eval,
	}
}

// Submit handles one candidate found for w while token was current.
func (s *Submitter) Submit(light *ethash.Light, w mining.WorkPackage, token *mining.Token, f Found) {
	mix := f.Mix
	if s.eval {
		var err error
		if mix, err = s.verify(light, w, f.Nonce); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Incorrect result discarded",
				zap.String("worker", s.worker),
				zap.Stringer("kind", gpu.KindVerification),
				zap.Error(err),
			)
			s.farm.ReportFailedSolution(s.worker)
			return
		}
	}

	sol := mining.Solution{
		Worker:  s.worker,
		Device:  s.device,
		Nonce:   f.Nonce,
		MixHash: mix,
		Work:    w,
		Found:   time.Now(),
		Token:   token,
	}
	s.submitted.Add(1)
	s.logger.Info("Solution found",
		zap.String("worker", s.worker),
		zap.String("job", w.JobID),
		zap.Uint64("nonce", f.Nonce),
		zap.Bool("stale", sol.Stale()),
	)
	s.farm.SubmitProof(sol)
}

// verify re-hashes a candidate on the host and returns its mix digest.
func (s *Submitter) verify(light *ethash.Light, w mining.WorkPackage, nonce uint64) (common.Hash, error) {
	mix, result := light.Compute(w.Header, nonce)
	if !ethash.Meets(result, &w.Boundary) {
		return mix, &gpu.DeviceError{
			Device: s.device,
			Kind:   gpu.KindVerification,
			Op:     "eval",
			Err:    fmt.Errorf("nonce %#x hashes to %s, above the boundary", nonce, result.Hex()),
		}
	}
	return mix, nil
}

// Submitted returns the number of solutions handed to the farm.
func (s *Submitter) Submitted() uint64 {
	return s.submitted.Load()
}

// Failed returns the number of candidates rejected by host verification.
func (s *Submitter) Failed() uint64 {
	return s.failed.Load()
}
