package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/gateway"
	"github.com/leadpipe/drip/internal/guard"
	"github.com/leadpipe/drip/internal/limiter"
	"github.com/leadpipe/drip/internal/metrics"
	"github.com/leadpipe/drip/internal/pacing"
	"github.com/leadpipe/drip/internal/render"
	"github.com/leadpipe/drip/internal/rotator"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/leadpipe/drip/tools"
	"github.com/sirupsen/logrus"
)

// ErrRunInProgress is returned when a trigger arrives while a previous
// invocation is still working. Overlapping invocations are a hazard for the
// non-atomic counters, so only one runs at a time per process.
var ErrRunInProgress = errors.New("an engine run is already in progress")

// ErrNotFound is what Store implementations return for missing records.
var ErrNotFound = errors.New("not found")

// Store is the persistence the engine needs. Campaign claiming must be
// atomic (scheduled -> sending); everything else is plain read/update.
type Store interface {
	ClaimDueCampaigns(now time.Time, limit int) ([]drip.Campaign, error)
	GetCampaign(id string) (*drip.Campaign, error)
	FinishCampaign(id string, status drip.CampaignStatus, sentTo int, sentAt time.Time) error
	ReapStaleSending(olderThan time.Time) (int, error)

	GetLead(id string) (*drip.Lead, error)
	LeadsByIDs(ids []string) ([]drip.Lead, error)
	ContactableLeads() ([]drip.Lead, error)
	MarkLeadMailed(leadID string, at time.Time, markContacted bool) error

	ActiveAccounts() ([]drip.SendingAccount, error)
	RecordAccountSend(accountID string, provider string, now time.Time) error

	GetSequence(id string) (*drip.Sequence, error)
	DueEnrollments(now time.Time, limit int) ([]drip.SequenceEnrollment, error)
	UpdateEnrollment(e *drip.SequenceEnrollment) error

	AppendSendEvent(ev drip.SendEvent) error
	LastSentEvent(leadID string) (*drip.SendEvent, error)

	EnqueueSoftBounce(item drip.SoftBounceItem) error
	DueSoftBounces(now time.Time, limit int) ([]drip.SoftBounceItem, error)
	RescheduleSoftBounce(item drip.SoftBounceItem) error
	DeleteSoftBounce(id string) error

	RecordFingerprint(fp string, at time.Time) error
	CountFingerprint(fp string, since time.Time) (int, error)

	Counts() (drip.EngineCounts, error)
}

type Config struct {
	Hostname string

	CampaignBatch   int
	EnrollmentBatch int
	RetryBatch      int

	GlobalRatePerMinute int
	MaxInlineWait       time.Duration

	HealthRatio       float64
	HealthMinAttempts int
	HealthCheckEvery  int

	DuplicateWindow    time.Duration
	DuplicateSlowAfter int

	ReaperAge time.Duration
}

func (c *Config) defaults() {
	if c.CampaignBatch <= 0 {
		c.CampaignBatch = 5
	}
	if c.EnrollmentBatch <= 0 {
		c.EnrollmentBatch = 50
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 25
	}
	if c.MaxInlineWait <= 0 {
		c.MaxInlineWait = 5 * time.Second
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = 10
	}
	if c.ReaperAge <= 0 {
		c.ReaperAge = 2 * time.Hour
	}
}

// Summary is what one engine invocation reports back to the scheduler.
type Summary struct {
	Campaigns     int `json:"campaigns"`
	CampaignSends int `json:"campaign_sends"`
	Enrollments   int `json:"enrollments"`
	SequenceSends int `json:"sequence_sends"`
	Retries       int `json:"retries"`
	RetrySends    int `json:"retry_sends"`
	Skipped       int `json:"skipped"`
	Reaped        int `json:"reaped"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s Summary) Empty() bool {
	return s.Campaigns == 0 && s.Enrollments == 0 && s.Retries == 0 && s.Reaped == 0
}

// Engine is the deliverability-aware dispatch core. One invocation is a
// single cooperatively sequential task: sends are processed one at a time
// so the per-account counters and limiter buckets never race.
type Engine struct {
	cfg   Config
	store Store
	log   *logrus.Logger

	limiter  *limiter.Limiter
	rotator  *rotator.Rotator
	gateway  *gateway.Gateway
	renderer *render.Renderer
	chain    *transport.Chain
	metrics  *metrics.Metrics

	leases leaser
	runMu  sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	delay func(tier pacing.Tier, sendsSoFar int) time.Duration
}

// leaser guards enrollment advancement against overlapping invocations.
type leaser interface {
	TryLock(key string) bool
	Unlock(key string)
}

type Options struct {
	Chain    *transport.Chain
	Renderer *render.Renderer
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
	Now      func() time.Time
	Leases   leaser
}

func New(cfg Config, store Store, opts Options) *Engine {
	cfg.defaults()

	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	lim := limiter.New(limiter.Config{GlobalPerMinute: cfg.GlobalRatePerMinute, Now: now})

	gw := gateway.New(
		gateway.Config{
			DuplicateWindow:    cfg.DuplicateWindow,
			DuplicateSlowAfter: cfg.DuplicateSlowAfter,
			Now:                now,
		},
		gateway.Checks{
			RecentContentCount: store.CountFingerprint,
			ProviderAllowed:    lim.CheckProvider,
		},
		log,
	)

	rend := opts.Renderer
	if rend == nil {
		rend = render.New(cfg.Hostname)
	}

	leases := opts.Leases
	if leases == nil {
		leases = tools.NewKeyedMutex()
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		log:      log,
		limiter:  lim,
		rotator:  rotator.New(store, log, now),
		gateway:  gw,
		renderer: rend,
		chain:    opts.Chain,
		metrics:  opts.Metrics,
		leases:   leases,
		now:      now,
		sleep:    sleepCtx,
		delay:    pacing.DelayFor,
	}
	return e
}

// Run performs one bounded invocation: stale-campaign reaping, due
// campaigns, due enrollments, due retries, then a metrics snapshot. Each
// stage caps its own work so a run always terminates; leftovers wait for
// the next trigger.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if !e.runMu.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	sum := Summary{StartedAt: e.now()}
	e.metrics.RunStarted()

	reaped, err := e.store.ReapStaleSending(e.now().Add(-e.cfg.ReaperAge))
	if err != nil {
		e.log.WithError(err).Error("could not reap stale sending campaigns")
	}
	sum.Reaped = reaped
	if reaped > 0 {
		e.log.WithField("count", reaped).Warn("re-scheduled campaigns stuck in sending")
	}

	bg := guard.NewBounceGuard(e.store, guard.Config{
		HealthRatio:       e.cfg.HealthRatio,
		HealthMinAttempts: e.cfg.HealthMinAttempts,
	}, e.log)

	e.dispatchCampaigns(ctx, bg, &sum)
	e.dispatchSequences(ctx, &sum)
	e.drainRetries(ctx, &sum)
	e.snapshot()

	sum.FinishedAt = e.now()
	e.metrics.RunFinished(sum.FinishedAt.Sub(sum.StartedAt))
	e.log.WithFields(logrus.Fields{
		"campaigns":   sum.Campaigns,
		"enrollments": sum.Enrollments,
		"retries":     sum.Retries,
		"sends":       sum.CampaignSends + sum.SequenceSends + sum.RetrySends,
		"skipped":     sum.Skipped,
	}).Info("engine run finished")
	return sum, nil
}

func (e *Engine) snapshot() {
	counts, err := e.store.Counts()
	if err != nil {
		e.log.WithError(err).Warn("could not read counts for metrics snapshot")
		return
	}
	e.metrics.Snapshot(counts)
}

// pause applies the pacing delay after a send attempt. Delays are blocking
// but cancellable, so shutdown never waits out a pause.
func (e *Engine) pause(ctx context.Context, lead *drip.Lead, sendsSoFar int) {
	tier := pacing.TierFor(lead.EngagementScore, lead.LastEngagedAt, lead.EmailsSent)
	_ = e.sleep(ctx, e.delay(tier, sendsSoFar))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
