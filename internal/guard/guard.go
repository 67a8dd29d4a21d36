package guard

import (
	"fmt"
	"time"

	"github.com/leadpipe/drip"
	"github.com/sirupsen/logrus"
)

type CampaignStore interface {
	GetCampaign(id string) (*drip.Campaign, error)
}

type Config struct {
	HealthRatio       float64 // bounces+complaints+unsubscribes over attempts
	HealthMinAttempts int
}

// BounceGuard halts a campaign's sending once its bounce signals cross
// configured limits. One instance lives per engine invocation; a tripped
// campaign stays tripped for the remainder of the run.
type BounceGuard struct {
	store   CampaignStore
	cfg     Config
	log     *logrus.Logger
	tripped map[string]string // campaign id -> reason
}

func NewBounceGuard(store CampaignStore, cfg Config, log *logrus.Logger) *BounceGuard {
	if cfg.HealthRatio == 0 {
		cfg.HealthRatio = 0.1
	}
	if cfg.HealthMinAttempts == 0 {
		cfg.HealthMinAttempts = 20
	}
	return &BounceGuard{store: store, cfg: cfg, log: log, tripped: map[string]string{}}
}

// Check reports whether the campaign's raw bounce count has reached its
// threshold. Once true it stays true for the rest of the run.
func (g *BounceGuard) Check(campaignID string) bool {
	if _, hit := g.tripped[campaignID]; hit {
		return true
	}
	c, err := g.store.GetCampaign(campaignID)
	if err != nil {
		g.log.WithError(err).WithField("campaign", campaignID).
			Warn("could not re-read campaign for bounce check")
		return false
	}
	if c.BounceThreshold > 0 && c.BounceCount >= c.BounceThreshold {
		g.tripped[campaignID] = fmt.Sprintf("bounce count %d reached threshold %d", c.BounceCount, c.BounceThreshold)
		g.log.WithField("campaign", campaignID).Warn(g.tripped[campaignID])
		return true
	}
	return false
}

// Health looks at the ratio of negative signals to attempts so far. It can
// pause a campaign under the raw bounce threshold, catching fast-onset
// complaint spikes.
func (g *BounceGuard) Health(campaignID string, attempts int) (shouldPause bool, reason string) {
	if r, hit := g.tripped[campaignID]; hit {
		return true, r
	}
	if attempts < g.cfg.HealthMinAttempts {
		return false, ""
	}
	c, err := g.store.GetCampaign(campaignID)
	if err != nil {
		g.log.WithError(err).WithField("campaign", campaignID).
			Warn("could not re-read campaign for health check")
		return false, ""
	}
	negative := c.BounceCount + c.ComplaintCount + c.UnsubscribeCount
	ratio := float64(negative) / float64(attempts)
	if ratio >= g.cfg.HealthRatio {
		reason = fmt.Sprintf("negative signal ratio %.2f over %d attempts", ratio, attempts)
		g.tripped[campaignID] = reason
		g.log.WithField("campaign", campaignID).Warn(reason)
		return true, reason
	}
	return false, ""
}

// MaxRetries caps redelivery attempts for a soft-bounced message. A
// thrice-failed item is left in place for manual triage, not hard-bounced.
const MaxRetries = 3

// Escalating redelivery schedule, short -> medium -> long.
var retryDelays = []time.Duration{15 * time.Minute, 2 * time.Hour, 24 * time.Hour}

// NextRetryDelay returns the backoff before the given attempt number
// (zero-based count of failures so far).
func NextRetryDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries >= len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[retries]
}
