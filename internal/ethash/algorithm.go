package ethash

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

type hasher func(dest []byte, data []byte)

func makeHasher(h hash.Hash) hasher {
	return func(dest []byte, data []byte) {
		h.Reset()
		h.Write(data)
		h.Sum(dest[:0])
	}
}

func fnv(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

func fnvHash(mix []uint32, data []uint32) {
	for i := 0; i < len(mix); i++ {
		mix[i] = mix[i]*0x01000193 ^ data[i]
	}
}

// generateCache fills dest with the light cache derived from seed. The
// length of dest must be a multiple of hashBytes.
func generateCache(dest []byte, seed []byte) {
	size := len(dest)
	rows := size / hashBytes
	keccak512 := makeHasher(sha3.NewLegacyKeccak512())

	keccak512(dest, seed)
	for offset := hashBytes; offset < size; offset += hashBytes {
		keccak512(dest[offset:], dest[offset-hashBytes:offset])
	}

	temp := make([]byte, hashBytes)
	for i := 0; i < cacheRounds; i++ {
		for j := 0; j < rows; j++ {
			srcOff := ((j - 1 + rows) % rows) * hashBytes
			dstOff := j * hashBytes
			xorOff := int(binary.LittleEndian.Uint32(dest[dstOff:])%uint32(rows)) * hashBytes
			for k := 0; k < hashBytes; k++ {
				temp[k] = dest[srcOff+k] ^ dest[xorOff+k]
			}
			keccak512(dest[dstOff:], temp)
		}
	}
}

// cacheWords converts a little endian byte cache into words.
func cacheWords(cache []byte) []uint32 {
	words := make([]uint32, len(cache)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(cache[i*4:])
	}
	return words
}

func generateDatasetItem(cache []uint32, index uint32, keccak512 hasher) []byte {
	rows := uint32(len(cache) / hashWords)

	mix := make([]byte, hashBytes)
	binary.LittleEndian.PutUint32(mix, cache[(index%rows)*hashWords]^index)
	for i := 1; i < hashWords; i++ {
		binary.LittleEndian.PutUint32(mix[i*4:], cache[(index%rows)*hashWords+uint32(i)])
	}
	keccak512(mix, mix)

	intMix := make([]uint32, hashWords)
	for i := 0; i < len(intMix); i++ {
		intMix[i] = binary.LittleEndian.Uint32(mix[i*4:])
	}
	for i := uint32(0); i < datasetParents; i++ {
		parent := fnv(index^i, intMix[i%16]) % rows
		fnvHash(intMix, cache[parent*hashWords:])
	}
	for i, val := range intMix {
		binary.LittleEndian.PutUint32(mix[i*4:], val)
	}
	keccak512(mix, mix)
	return mix
}

// hashimoto runs the ethash mixing loop. lookup returns dataset item index
// as words.
func hashimoto(header common.Hash, nonce uint64, size uint64, lookup func(index uint32) []uint32) (common.Hash, common.Hash) {
	rows := uint32(size / mixBytes)

	seed := make([]byte, 40)
	copy(seed, header[:])
	binary.LittleEndian.PutUint64(seed[32:], nonce)
	seed = crypto.Keccak512(seed)
	seedHead := binary.LittleEndian.Uint32(seed)

	mix := make([]uint32, mixBytes/4)
	for i := 0; i < len(mix); i++ {
		mix[i] = binary.LittleEndian.Uint32(seed[i%16*4:])
	}
	temp := make([]uint32, len(mix))
	for i := 0; i < loopAccesses; i++ {
		parent := fnv(uint32(i)^seedHead, mix[i%len(mix)]) % rows
		for j := uint32(0); j < mixBytes/hashBytes; j++ {
			copy(temp[j*hashWords:], lookup(2*parent+j))
		}
		fnvHash(mix, temp)
	}
	for i := 0; i < len(mix); i += 4 {
		mix[i/4] = fnv(fnv(fnv(mix[i], mix[i+1]), mix[i+2]), mix[i+3])
	}
	mix = mix[:len(mix)/4]

	var digest common.Hash
	for i, val := range mix {
		binary.LittleEndian.PutUint32(digest[i*4:], val)
	}
	return digest, crypto.Keccak256Hash(seed, digest[:])
}

func hashimotoLight(size uint64, cache []uint32, header common.Hash, nonce uint64) (common.Hash, common.Hash) {
	keccak512 := makeHasher(sha3.NewLegacyKeccak512())
	lookup := func(index uint32) []uint32 {
		raw := generateDatasetItem(cache, index, keccak512)
		data := make([]uint32, len(raw)/4)
		for i := 0; i < len(data); i++ {
			data[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		return data
	}
	return hashimoto(header, nonce, size, lookup)
}

func hashimotoFull(dataset []uint32, header common.Hash, nonce uint64) (common.Hash, common.Hash) {
	lookup := func(index uint32) []uint32 {
		offset := index * hashWords
		return dataset[offset : offset+hashWords]
	}
	return hashimoto(header, nonce, uint64(len(dataset))*4, lookup)
}

func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func getUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// GenerateDataset fills dest with the full dataset derived from a light
// cache in its little endian byte layout.
func GenerateDataset(dest []byte, cache []byte) {
	words := cacheWords(cache)
	keccak512 := newKeccak512()
	for i := 0; i < len(dest)/hashBytes; i++ {
		copy(dest[i*hashBytes:], generateDatasetItem(words, uint32(i), keccak512))
	}
}

// HashimotoFull evaluates header and nonce over a full dataset in its little
// endian byte layout.
func HashimotoFull(dataset []byte, header common.Hash, nonce uint64) (common.Hash, common.Hash) {
	item := make([]uint32, hashWords)
	lookup := func(index uint32) []uint32 {
		offset := int(index) * hashBytes
		for i := range item {
			item[i] = binary.LittleEndian.Uint32(dataset[offset+i*4:])
		}
		return item
	}
	return hashimoto(header, nonce, uint64(len(dataset)), lookup)
}
