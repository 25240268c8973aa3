package gpu

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSimAllocationLimits(t *testing.T) {
	rt := newTestRuntime(t, 1024)
	dev, err := rt.Open(0)
	require.NoError(t, err)

	_, err = dev.Alloc(1000)
	require.NoError(t, err)
	_, err = dev.Alloc(100)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, dev.Reset(ScheduleBlockingSync))
	stats := rt.Stats(0)
	assert.Equal(t, 0, stats.LiveBuffers)
	assert.Equal(t, uint64(0), stats.UsedMemory)
	assert.Equal(t, uint64(1), stats.Resets)

	_, err = dev.Alloc(1000)
	assert.NoError(t, err)
}

func TestSimCopiesRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, 1<<20)
	dev, err := rt.Open(0)
	require.NoError(t, err)

	buf, err := dev.Alloc(64)
	require.NoError(t, err)
	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, dev.CopyToDevice(buf, src))

	dst := make([]byte, 64)
	require.NoError(t, dev.CopyToHost(dst, buf))
	assert.Equal(t, src, dst)

	assert.Error(t, dev.CopyToDevice(buf, make([]byte, 65)))
	assert.ErrorIs(t, dev.CopyToDevice(Buffer{Ptr: 0xdead}, src), ErrInvalidHandle)
}

func TestSimSearchReportsMatches(t *testing.T) {
	const want = 21
	cfg := SimConfig{
		Devices: []SimDevice{{Name: "test", Memory: 1 << 20}},
		Kernel: func(_ common.Hash, _ []byte, _ common.Hash, nonce uint64) (uint64, common.Hash) {
			if nonce == want {
				return 0, common.Hash{1, 0, 0, 0, 2}
			}
			return ^uint64(0), common.Hash{}
		},
	}
	rt := NewSimRuntime(zaptest.NewLogger(t), cfg)
	dev, err := rt.Open(0)
	require.NoError(t, err)

	light, err := dev.Alloc(64)
	require.NoError(t, err)
	dataset, err := dev.Alloc(128)
	require.NoError(t, err)
	require.NoError(t, dev.SetConstants(light, dataset))
	require.NoError(t, dev.SetHeader(common.Hash{9}, 100))

	s, err := dev.CreateStream()
	require.NoError(t, err)
	res, err := dev.AllocResults()
	require.NoError(t, err)

	require.NoError(t, dev.Search(s, res, 16, 1, 8, 4))
	require.NoError(t, dev.Synchronize(s))
	require.Equal(t, uint32(1), res.Count)
	assert.Equal(t, uint32(want-16), res.Results[0].Gid)
	assert.Equal(t, common.Hash{1, 0, 0, 0, 2}, res.Results[0].MixHash())

	res.Count = 0
	require.NoError(t, dev.Search(s, res, 24, 1, 8, 4))
	require.NoError(t, dev.Synchronize(s))
	assert.Equal(t, uint32(0), res.Count)
	assert.Equal(t, uint64(2), rt.Stats(0).Launches)

	require.NoError(t, dev.FreeResults(res))
	assert.Error(t, dev.FreeResults(res))
	require.NoError(t, dev.DestroyStream(s))
	assert.ErrorIs(t, dev.Synchronize(s), ErrInvalidHandle)
}

func TestSimVirtualDatasetDigestSurvivesHostCopy(t *testing.T) {
	cfg := SimConfig{
		Devices:          []SimDevice{{Memory: 1 << 20}, {Memory: 1 << 20}},
		MaterializeLimit: 128,
	}
	rt := NewSimRuntime(zaptest.NewLogger(t), cfg)

	gen, err := rt.Open(0)
	require.NoError(t, err)
	light, err := gen.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, gen.CopyToDevice(light, make([]byte, 64)))
	dataset, err := gen.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, gen.SetConstants(light, dataset))
	require.NoError(t, gen.GenerateDataset(1, 8))

	host := make([]byte, 4096)
	require.NoError(t, gen.CopyToHost(host, dataset))

	peer, err := rt.Open(1)
	require.NoError(t, err)
	peerLight, err := peer.Alloc(64)
	require.NoError(t, err)
	peerDataset, err := peer.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, peer.SetConstants(peerLight, peerDataset))
	require.NoError(t, peer.CopyToDevice(peerDataset, host))

	assert.NotEqual(t, common.Hash{}, rt.DatasetDigest(0))
	assert.Equal(t, rt.DatasetDigest(0), rt.DatasetDigest(1))
}

func TestSimGenerateFailure(t *testing.T) {
	rt := NewSimRuntime(zaptest.NewLogger(t), SimConfig{
		Devices: []SimDevice{{Memory: 1 << 20, FailGenerate: true}},
	})
	dev, err := rt.Open(0)
	require.NoError(t, err)
	assert.Error(t, dev.GenerateDataset(1, 8))
}
