package pacing

import (
	"math/rand"
	"time"
)

// Tier buckets a recipient by how recently and how often they have engaged.
// Hotter recipients get a faster cadence; cold ones get spaced out.
type Tier string

const (
	TierHot     Tier = "hot"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierDormant Tier = "dormant"
)

var tierBase = map[Tier]time.Duration{
	TierHot:     20 * time.Second,
	TierWarm:    45 * time.Second,
	TierCold:    90 * time.Second,
	TierDormant: 150 * time.Second,
}

// every longPauseEvery sends, take a breather instead of the base cadence;
// a mechanically uniform send rate is a detectable automation signal.
const longPauseEvery = 7

// TierFor buckets a recipient by engagement recency and score.
func TierFor(engagementScore int, lastEngagedAt *time.Time, totalSent int) Tier {
	if lastEngagedAt != nil {
		since := time.Since(*lastEngagedAt)
		switch {
		case since < 7*24*time.Hour && engagementScore >= 5:
			return TierHot
		case since < 30*24*time.Hour:
			return TierWarm
		}
	}
	if engagementScore > 0 {
		return TierCold
	}
	if totalSent >= 3 {
		// mailed repeatedly, never a signal back
		return TierDormant
	}
	return TierCold
}

// DelayFor returns a jittered inter-send pause for the tier. sendsSoFar is
// the position within the current run.
func DelayFor(tier Tier, sendsSoFar int) time.Duration {
	base, ok := tierBase[tier]
	if !ok {
		base = tierBase[TierCold]
	}

	if sendsSoFar > 0 && sendsSoFar%longPauseEvery == 0 {
		// 3x-5x the base cadence
		mult := 3 + rand.Float64()*2
		return time.Duration(float64(base) * mult)
	}

	// +-40% jitter
	jitter := 0.6 + rand.Float64()*0.8
	return time.Duration(float64(base) * jitter)
}
