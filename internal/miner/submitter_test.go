package miner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shizukutanaka/dagminer/internal/ethash"
	"github.com/shizukutanaka/dagminer/internal/gpu"
)

func TestSubmitterClassifiesVerificationFailures(t *testing.T) {
	light, err := ethash.NewLightWithSizes(0, 64*16, 4096)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	farm := &testFarm{}
	sub := NewSubmitter(zap.New(core), farm, "sim1", 1, true)

	w := testWork(1, 0)
	w.Boundary.Clear()
	_, err = sub.verify(light, w, 42)
	require.Error(t, err)
	assert.True(t, gpu.IsKind(err, gpu.KindVerification))
	var de *gpu.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Device)
	assert.Equal(t, "eval", de.Op)

	sub.Submit(light, w, nil, Found{Nonce: 42})
	assert.Empty(t, farm.solutions())
	assert.Equal(t, 1, farm.failures())
	assert.Equal(t, uint64(1), sub.Failed())

	entries := logs.FilterMessage("Incorrect result discarded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "verification", fields["kind"])
	assert.Contains(t, fields["error"], "verification eval")

	// With the full boundary the same nonce verifies.
	w.Boundary.SetAllOne()
	mix, err := sub.verify(light, w, 42)
	require.NoError(t, err)
	wantMix, _ := light.Compute(w.Header, 42)
	assert.Equal(t, wantMix, mix)
}
