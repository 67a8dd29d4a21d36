package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	recent := time.Now().Add(-2 * 24 * time.Hour)
	lastMonth := time.Now().Add(-20 * 24 * time.Hour)
	longAgo := time.Now().Add(-90 * 24 * time.Hour)

	assert.Equal(t, TierHot, TierFor(8, &recent, 10))
	assert.Equal(t, TierWarm, TierFor(2, &lastMonth, 10))
	assert.Equal(t, TierCold, TierFor(3, &longAgo, 10))
	assert.Equal(t, TierCold, TierFor(0, nil, 1))
	assert.Equal(t, TierDormant, TierFor(0, nil, 5))
}

func TestDelayFor_JittersAroundBase(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := DelayFor(TierWarm, 1)
		assert.GreaterOrEqual(t, d, time.Duration(float64(tierBase[TierWarm])*0.6))
		assert.LessOrEqual(t, d, time.Duration(float64(tierBase[TierWarm])*1.4)+time.Millisecond)
	}
}

func TestDelayFor_LongerPauseEverySeventhSend(t *testing.T) {
	regular := DelayFor(TierHot, 1)
	long := DelayFor(TierHot, longPauseEvery)
	assert.Greater(t, long, regular)
	assert.GreaterOrEqual(t, long, 3*tierBase[TierHot])
}

func TestDelayFor_TiersOrdered(t *testing.T) {
	// bases are ordered even if single samples jitter
	assert.Less(t, tierBase[TierHot], tierBase[TierWarm])
	assert.Less(t, tierBase[TierWarm], tierBase[TierCold])
	assert.Less(t, tierBase[TierCold], tierBase[TierDormant])
}

func TestDelayFor_UnknownTierFallsBack(t *testing.T) {
	d := DelayFor(Tier("mystery"), 1)
	assert.Greater(t, d, time.Duration(0))
}
