package limiter

import (
	"strings"
	"sync"
	"time"

	"github.com/leadpipe/drip/tools"
	"golang.org/x/time/rate"
)

// Provider is a coarse classification of a recipient's mailbox operator,
// used to key per-provider buckets and sender affinity.
type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderMicrosoft Provider = "microsoft"
	ProviderYahoo     Provider = "yahoo"
	ProviderApple     Provider = "apple"
	ProviderOther     Provider = "other"
)

var providerDomains = map[string]Provider{
	"gmail.com":      ProviderGmail,
	"googlemail.com": ProviderGmail,

	"outlook.com": ProviderMicrosoft,
	"hotmail.com": ProviderMicrosoft,
	"live.com":    ProviderMicrosoft,
	"msn.com":     ProviderMicrosoft,

	"yahoo.com": ProviderYahoo,
	"ymail.com": ProviderYahoo,
	"aol.com":   ProviderYahoo,

	"icloud.com": ProviderApple,
	"me.com":     ProviderApple,
	"mac.com":    ProviderApple,
}

// ProviderOf classifies a recipient address by its mail domain. Unparsable
// addresses and unknown domains fall into the catch-all bucket.
func ProviderOf(address string) Provider {
	domain, err := tools.DomainOfEmail(address)
	if err != nil {
		return ProviderOther
	}
	if p, ok := providerDomains[strings.ToLower(domain)]; ok {
		return p
	}
	return ProviderOther
}

// Per-provider sends per minute. Big providers tolerate more volume from a
// warmed sender than the long tail of corporate domains.
var providerRates = map[Provider]int{
	ProviderGmail:     20,
	ProviderMicrosoft: 15,
	ProviderYahoo:     10,
	ProviderApple:     10,
	ProviderOther:     30,
}

type Config struct {
	GlobalPerMinute int
	// Now is the clock used for all bucket arithmetic. Defaults to time.Now.
	Now func() time.Time
}

// Limiter gates outbound send attempts with one global token bucket and one
// bucket per provider. State is process-local and resets on restart.
type Limiter struct {
	now    func() time.Time
	global *rate.Limiter

	mu       sync.Mutex
	provider map[Provider]*rate.Limiter
}

func New(cfg Config) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	per := cfg.GlobalPerMinute
	if per <= 0 {
		per = 60
	}
	return &Limiter{
		now:      now,
		global:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per),
		provider: make(map[Provider]*rate.Limiter),
	}
}

// CheckGlobal consumes a global token when one is available. On denial it
// returns the wait until the next token; the caller decides whether to sleep
// it out or end the batch.
func (l *Limiter) CheckGlobal() (allowed bool, wait time.Duration) {
	now := l.now()
	r := l.global.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// CheckProvider consumes a token from the recipient's provider bucket.
// Denial only skips the current recipient, never the batch.
func (l *Limiter) CheckProvider(address string) bool {
	return l.bucketFor(ProviderOf(address)).AllowN(l.now(), 1)
}

func (l *Limiter) bucketFor(p Provider) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.provider[p]
	if !ok {
		per := providerRates[p]
		if per <= 0 {
			per = providerRates[ProviderOther]
		}
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
		l.provider[p] = b
	}
	return b
}
