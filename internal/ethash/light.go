package ethash

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Light is the verification cache of one epoch. It is immutable once built
// and shared by reference between devices.
type Light struct {
	Epoch       uint64
	Seed        common.Hash
	DatasetSize uint64
	// Cache is the light cache in the little endian layout uploaded to
	// devices.
	Cache []byte

	words []uint32
}

// NewLight generates the light cache of an epoch.
func NewLight(epoch uint64) (*Light, error) {
	if epoch >= MaxEpoch {
		return nil, fmt.Errorf("epoch %d out of range", epoch)
	}
	return NewLightWithSizes(epoch, CacheSize(epoch), DatasetSize(epoch))
}

// NewLightWithSizes builds a light cache with explicit sizes. Real miners
// use NewLight; small sizes are useful for simulated devices.
func NewLightWithSizes(epoch, cacheSize, datasetSize uint64) (*Light, error) {
	if cacheSize == 0 || cacheSize%hashBytes != 0 {
		return nil, fmt.Errorf("cache size %d is not a multiple of %d", cacheSize, hashBytes)
	}
	if datasetSize == 0 || datasetSize%mixBytes != 0 {
		return nil, fmt.Errorf("dataset size %d is not a multiple of %d", datasetSize, mixBytes)
	}
	seed := SeedHash(epoch)
	cache := make([]byte, cacheSize)
	generateCache(cache, seed[:])
	return &Light{
		Epoch:       epoch,
		Seed:        seed,
		DatasetSize: datasetSize,
		Cache:       cache,
		words:       cacheWords(cache),
	}, nil
}

func lightFromCache(epoch, datasetSize uint64, cache []byte) *Light {
	return &Light{
		Epoch:       epoch,
		Seed:        SeedHash(epoch),
		DatasetSize: datasetSize,
		Cache:       cache,
		words:       cacheWords(cache),
	}
}

// Compute evaluates header and nonce against the epoch, returning the mix
// digest and the final result hash.
func (l *Light) Compute(header common.Hash, nonce uint64) (mix common.Hash, result common.Hash) {
	return hashimotoLight(l.DatasetSize, l.words, header, nonce)
}

// Meets reports whether the result hash is at or below the boundary.
func Meets(result common.Hash, boundary *uint256.Int) bool {
	var v uint256.Int
	v.SetBytes32(result[:])
	return !v.Gt(boundary)
}

// DatasetItem returns the 64 byte dataset item at index.
func (l *Light) DatasetItem(index uint32) []byte {
	return generateDatasetItem(l.words, index, newKeccak512())
}
