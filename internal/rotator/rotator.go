package rotator

import (
	"errors"
	"fmt"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/limiter"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
)

// ErrNoAccount means no sending identity qualifies right now. The caller may
// fall back to the transactional transport.
var ErrNoAccount = errors.New("no sending account available")

// Warmup ramp, daily cap by phase. Accounts past the table are governed only
// by their configured daily limit.
var warmupCaps = []int{20, 50, 100, 200, 350, 500}

// EffectiveDailyLimit caps the configured daily limit with the account's
// warmup phase.
func EffectiveDailyLimit(a *drip.SendingAccount) int {
	limit := a.DailyLimit
	if a.WarmupPhase >= 0 && a.WarmupPhase < len(warmupCaps) && warmupCaps[a.WarmupPhase] < limit {
		limit = warmupCaps[a.WarmupPhase]
	}
	return limit
}

type Store interface {
	ActiveAccounts() ([]drip.SendingAccount, error)
	// RecordAccountSend rolls sent_today to zero first if last_reset_at is
	// before the local day of now, then increments it, and bumps the
	// account's traffic counter for provider.
	RecordAccountSend(accountID string, provider string, now time.Time) error
}

type Rotator struct {
	store Store
	now   func() time.Time
	log   *logrus.Logger
}

func New(store Store, log *logrus.Logger, now func() time.Time) *Rotator {
	if now == nil {
		now = time.Now
	}
	return &Rotator{store: store, now: now, log: log}
}

// Select picks the sending identity for one message. Selection is read-only
// and consumes no capacity; call RecordSend after a confirmed transport
// success.
//
// Filter: active, under the effective daily limit, inside the configured
// send window. Prefer provider affinity, tie-break by fewest sends today.
func (r *Rotator) Select(recipient string) (*drip.SendingAccount, error) {
	accounts, err := r.store.ActiveAccounts()
	if err != nil {
		return nil, fmt.Errorf("could not load sending accounts: %w", err)
	}

	now := r.now()
	eligible := slicez.Filter(accounts, func(a drip.SendingAccount) bool {
		return sentToday(&a, now) < EffectiveDailyLimit(&a) && withinWindow(&a, now)
	})
	if len(eligible) == 0 {
		return nil, ErrNoAccount
	}

	provider := string(limiter.ProviderOf(recipient))
	slicez.SortFunc(eligible, func(a, b drip.SendingAccount) bool {
		if a.Traffic[provider] != b.Traffic[provider] {
			return a.Traffic[provider] > b.Traffic[provider]
		}
		return sentToday(&a, now) < sentToday(&b, now)
	})

	picked := eligible[0]
	return &picked, nil
}

// RecordSend increments the account's daily counter, rolling it over to a
// new day first when needed, and credits the recipient's provider for
// affinity.
func (r *Rotator) RecordSend(accountID, recipient string) error {
	provider := string(limiter.ProviderOf(recipient))
	return r.store.RecordAccountSend(accountID, provider, r.now())
}

// sentToday treats a counter from a previous local day as zero; the actual
// roll happens on the next RecordSend.
func sentToday(a *drip.SendingAccount, now time.Time) int {
	loc := accountLocation(a)
	last := a.LastResetAt.In(loc)
	local := now.In(loc)
	if last.Year() == local.Year() && last.YearDay() == local.YearDay() {
		return a.SentToday
	}
	return 0
}

func withinWindow(a *drip.SendingAccount, now time.Time) bool {
	local := now.In(accountLocation(a))
	if !a.SendsOnWeekday(local.Weekday()) {
		return false
	}
	if a.WindowStart == 0 && a.WindowEnd == 0 {
		return true
	}
	h := local.Hour()
	if a.WindowStart <= a.WindowEnd {
		return h >= a.WindowStart && h < a.WindowEnd
	}
	// window wraps midnight
	return h >= a.WindowStart || h < a.WindowEnd
}

func accountLocation(a *drip.SendingAccount) *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
