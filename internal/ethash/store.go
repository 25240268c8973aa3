package ethash

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"
)

// hotEntries is the number of decoded light caches kept in memory: the
// current epoch and the one before it.
const hotEntries = 2

func newKeccak512() hasher {
	return makeHasher(sha3.NewLegacyKeccak512())
}

// StoreConfig sizes the light cache store.
type StoreConfig struct {
	// MaxMB caps the memory used by cached light caches.
	MaxMB int
	// Shards must be a power of two.
	Shards int
}

// DefaultStoreConfig keeps a handful of recent epochs.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxMB:  512,
		Shards: 4,
	}
}

// CacheStore keeps generated light caches keyed by epoch so that a seed
// change back to a recent epoch does not pay for generation again. Recent
// epochs are held decoded and shared by every device; older ones are kept
// encoded in bigcache.
type CacheStore struct {
	logger *zap.Logger
	cache  *bigcache.BigCache
	gen    func(epoch uint64) (*Light, error)
	group  singleflight.Group

	hotMu sync.RWMutex
	hot   []*Light
}

// NewCacheStore creates a light cache store.
func NewCacheStore(logger *zap.Logger, cfg StoreConfig) (*CacheStore, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	bc, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             cfg.Shards,
		LifeWindow:         24 * time.Hour,
		CleanWindow:        0,
		MaxEntriesInWindow: 16,
		MaxEntrySize:       1024,
		HardMaxCacheSize:   cfg.MaxMB,
		Verbose:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create light cache store: %w", err)
	}
	return &CacheStore{
		logger: logger,
		cache:  bc,
		gen:    NewLight,
	}, nil
}

// Light returns the light cache of the epoch identified by seed.
func (s *CacheStore) Light(seed common.Hash) (*Light, error) {
	epoch, err := EpochFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return s.LightForEpoch(epoch)
}

// LightForEpoch returns the light cache of the epoch, generating it on a
// miss. Concurrent callers for one epoch share a single generation and the
// same *Light.
func (s *CacheStore) LightForEpoch(epoch uint64) (*Light, error) {
	if l := s.hotLight(epoch); l != nil {
		return l, nil
	}
	key := strconv.FormatUint(epoch, 10)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if l := s.hotLight(epoch); l != nil {
			return l, nil
		}
		l, err := s.load(key, epoch)
		if err != nil {
			return nil, err
		}
		s.keepHot(l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Light), nil
}

func (s *CacheStore) hotLight(epoch uint64) *Light {
	s.hotMu.RLock()
	defer s.hotMu.RUnlock()
	for _, l := range s.hot {
		if l.Epoch == epoch {
			return l
		}
	}
	return nil
}

func (s *CacheStore) keepHot(l *Light) {
	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	s.hot = append(s.hot, l)
	if len(s.hot) > hotEntries {
		s.hot = append(s.hot[:0:0], s.hot[len(s.hot)-hotEntries:]...)
	}
}

// load decodes the epoch from bigcache or generates it.
func (s *CacheStore) load(key string, epoch uint64) (*Light, error) {
	if raw, err := s.cache.Get(key); err == nil {
		l, err := s.decode(epoch, raw)
		if err == nil {
			return l, nil
		}
		s.logger.Warn("Dropping corrupt light cache entry", zap.Uint64("epoch", epoch), zap.Error(err))
		_ = s.cache.Delete(key)
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, fmt.Errorf("light cache lookup: %w", err)
	}

	start := time.Now()
	l, err := s.gen(epoch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Generated light cache",
		zap.Uint64("epoch", epoch),
		zap.String("size", humanize.IBytes(uint64(len(l.Cache)))),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := s.cache.Set(key, s.encode(l)); err != nil {
		// Too large for the configured store; still usable.
		s.logger.Debug("Light cache not stored", zap.Uint64("epoch", epoch), zap.Error(err))
	}
	return l, nil
}

// DatasetSize returns the full dataset size of the epoch.
func (s *CacheStore) DatasetSize(epoch uint64) uint64 {
	return DatasetSize(epoch)
}

// Close releases the store.
func (s *CacheStore) Close() error {
	return s.cache.Close()
}

// Entries are the dataset size followed by the cache bytes.
func (s *CacheStore) encode(l *Light) []byte {
	buf := make([]byte, 8+len(l.Cache))
	putUint64(buf, l.DatasetSize)
	copy(buf[8:], l.Cache)
	return buf
}

func (s *CacheStore) decode(epoch uint64, raw []byte) (*Light, error) {
	if len(raw) < 8+hashBytes || (len(raw)-8)%hashBytes != 0 {
		return nil, fmt.Errorf("entry of %d bytes", len(raw))
	}
	return lightFromCache(epoch, getUint64(raw), raw[8:]), nil
}
