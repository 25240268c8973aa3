package api

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/mining"
)

// WorkRequest is the body of a work injection. Either Seed or Block
// identifies the epoch, and either Boundary or Difficulty the target.
type WorkRequest struct {
	JobID      string          `json:"job_id"`
	Header     string          `json:"header"`
	Seed       string          `json:"seed"`
	Boundary   string          `json:"boundary"`
	Difficulty uint64          `json:"difficulty"`
	StartNonce *hexutil.Uint64 `json:"start_nonce"`
	ExSizeBits *int            `json:"ex_size_bits"`
	Block      uint64          `json:"block"`
}

// WorkPackage validates the request and converts it.
func (r WorkRequest) WorkPackage() (mining.WorkPackage, error) {
	w := mining.WorkPackage{
		JobID:      r.JobID,
		Block:      r.Block,
		ExSizeBits: -1,
	}

	header, err := decodeHash("header", r.Header)
	if err != nil {
		return w, err
	}
	if header == (common.Hash{}) {
		return w, errors.New("header must not be zero")
	}
	w.Header = header

	if r.Seed != "" {
		if w.Seed, err = decodeHash("seed", r.Seed); err != nil {
			return w, err
		}
		if _, err := ethash.EpochFromSeed(w.Seed); err != nil {
			return w, fmt.Errorf("seed: %w", err)
		}
	} else {
		w.Seed = ethash.SeedHash(ethash.EpochOf(r.Block))
	}

	switch {
	case r.Boundary != "":
		b, err := decodeHash("boundary", r.Boundary)
		if err != nil {
			return w, err
		}
		w.Boundary.SetBytes32(b[:])
	case r.Difficulty > 0:
		var max uint256.Int
		max.Not(&max)
		w.Boundary.Div(&max, uint256.NewInt(r.Difficulty))
	default:
		return w, errors.New("boundary or difficulty is required")
	}
	if w.Boundary.IsZero() {
		return w, errors.New("boundary must not be zero")
	}

	if r.StartNonce != nil {
		w.StartNonce = uint64(*r.StartNonce)
	}
	if r.ExSizeBits != nil {
		if *r.ExSizeBits < 0 || *r.ExSizeBits > 59 {
			return w, fmt.Errorf("ex_size_bits %d out of range [0, 59]", *r.ExSizeBits)
		}
		w.ExSizeBits = *r.ExSizeBits
	}
	return w, nil
}

func decodeHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", field, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s: want %d bytes, got %d", field, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// workJSON is the wire view of a work package.
type workJSON struct {
	JobID      string         `json:"job_id"`
	Header     common.Hash    `json:"header"`
	Seed       common.Hash    `json:"seed"`
	Boundary   common.Hash    `json:"boundary"`
	StartNonce hexutil.Uint64 `json:"start_nonce"`
	ExSizeBits int            `json:"ex_size_bits"`
	Block      uint64         `json:"block"`
	Epoch      uint64         `json:"epoch"`
}

func newWorkJSON(w mining.WorkPackage) workJSON {
	v := workJSON{
		JobID:      w.JobID,
		Header:     w.Header,
		Seed:       w.Seed,
		Boundary:   common.Hash(w.Boundary.Bytes32()),
		StartNonce: hexutil.Uint64(w.StartNonce),
		ExSizeBits: w.ExSizeBits,
		Block:      w.Block,
	}
	if epoch, err := ethash.EpochFromSeed(w.Seed); err == nil {
		v.Epoch = epoch
	}
	return v
}
