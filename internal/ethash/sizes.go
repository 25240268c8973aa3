// Package ethash implements the host side pieces of the ethash proof of
// work: the epoch schedule, light cache generation and light evaluation
// used to double check device results.
package ethash

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EpochLength = 30000

	cacheInitBytes   = 1 << 24
	cacheGrowthBytes = 1 << 17
	datasetInitBytes = 1 << 30
	datasetGrowth    = 1 << 23

	hashBytes      = 64
	hashWords      = 16
	mixBytes       = 128
	datasetParents = 256
	cacheRounds    = 3
	loopAccesses   = 64

	// MaxEpoch bounds the seed to epoch search.
	MaxEpoch = 2048
)

// ErrUnknownSeed is returned when a seed hash does not belong to any epoch
// below MaxEpoch.
var ErrUnknownSeed = errors.New("seed hash does not match any epoch")

// CacheSize returns the light cache size in bytes for the epoch.
func CacheSize(epoch uint64) uint64 {
	size := cacheInitBytes + cacheGrowthBytes*epoch - hashBytes
	for !new(big.Int).SetUint64(size / hashBytes).ProbablyPrime(1) {
		size -= 2 * hashBytes
	}
	return size
}

// DatasetSize returns the full dataset size in bytes for the epoch.
func DatasetSize(epoch uint64) uint64 {
	size := datasetInitBytes + datasetGrowth*epoch - mixBytes
	for !new(big.Int).SetUint64(size / mixBytes).ProbablyPrime(1) {
		size -= 2 * mixBytes
	}
	return size
}

// EpochOf returns the epoch a block number belongs to.
func EpochOf(block uint64) uint64 {
	return block / EpochLength
}

// SeedHash returns the seed hash of the epoch.
func SeedHash(epoch uint64) common.Hash {
	var seed common.Hash
	for i := uint64(0); i < epoch; i++ {
		seed = crypto.Keccak256Hash(seed[:])
	}
	return seed
}

var seedEpochs sync.Map // common.Hash -> uint64

// EpochFromSeed resolves a seed hash back to its epoch.
func EpochFromSeed(seed common.Hash) (uint64, error) {
	if e, ok := seedEpochs.Load(seed); ok {
		return e.(uint64), nil
	}
	var h common.Hash
	for epoch := uint64(0); epoch < MaxEpoch; epoch++ {
		if h == seed {
			seedEpochs.Store(seed, epoch)
			return epoch, nil
		}
		h = crypto.Keccak256Hash(h[:])
	}
	return 0, ErrUnknownSeed
}
