package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/tools"
	"github.com/sirupsen/logrus"
)

type Decision int

const (
	Pass Decision = iota
	Skip          // leave the recipient untouched, eligible again next round
	Defer         // eligible again at Until
	Abort         // stop the whole campaign for this run
)

// Outcome is the result of one gateway stage, carried up as the pipeline
// result. Reason is meant for audit logs.
type Outcome struct {
	Decision Decision
	Stage    string
	Reason   string
	Until    time.Time     // set on Defer
	Pause    time.Duration // optional slow-down on Pass
}

func (o Outcome) Passed() bool { return o.Decision == Pass }

func passed() Outcome {
	return Outcome{Decision: Pass}
}

type Input struct {
	Lead       *drip.Lead
	Subject    string
	HTML       string
	CampaignID string
}

// Checks are the collaborator hooks the pipeline consults. All of them have
// working defaults wired by the engine.
type Checks struct {
	// RecentContentCount reports how many times content with this
	// fingerprint was sent since the given time.
	RecentContentCount func(fingerprint string, since time.Time) (int, error)

	// ProviderAllowed delegates to the per-provider rate limiter.
	ProviderAllowed func(address string) bool

	// StrictAlignment reports whether the recipient's domain enforces strict
	// sender-authentication alignment.
	StrictAlignment func(domain string) bool

	// CanAlign reports whether our sending identities satisfy strict
	// alignment.
	CanAlign func() bool
}

type Config struct {
	DuplicateWindow    time.Duration
	DuplicateSlowAfter int
	Now                func() time.Time
}

// Gateway runs an ordered, short-circuiting pipeline of eligibility checks
// before every send.
type Gateway struct {
	log    *logrus.Logger
	now    func() time.Time
	checks Checks
	cfg    Config
}

func New(cfg Config, checks Checks, log *logrus.Logger) *Gateway {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 24 * time.Hour
	}
	if cfg.DuplicateSlowAfter == 0 {
		cfg.DuplicateSlowAfter = 25
	}
	return &Gateway{log: log, now: cfg.Now, checks: checks, cfg: cfg}
}

// Run evaluates the pipeline for one candidate send and stops at the first
// non-pass outcome.
func (g *Gateway) Run(in Input) Outcome {
	stages := []func(Input) Outcome{
		g.suppression,
		g.duplicateContent,
		g.linkIntegrity,
		g.policyAlignment,
		g.sendTimeWindow,
		g.providerRate,
	}
	var out Outcome
	for _, stage := range stages {
		out = stage(in)
		if !out.Passed() {
			g.log.WithFields(logrus.Fields{
				"lead":   in.Lead.ID,
				"stage":  out.Stage,
				"reason": out.Reason,
			}).Info("send blocked by gateway")
			return out
		}
	}
	return out
}

// Suppressed reports whether a lead must never be mailed, with the audit
// reason. Campaigns apply it once up front; sequences re-check every round
// since suppression state can change between rounds.
func Suppressed(l *drip.Lead) (bool, string) {
	if l.Unsubscribed {
		return true, "lead unsubscribed"
	}
	if l.ComplainedAt != nil {
		return true, "lead filed a spam complaint"
	}
	if l.BounceType == drip.BounceHard && l.BounceCount >= 3 {
		return true, fmt.Sprintf("hard bounced %d times", l.BounceCount)
	}
	switch l.Verification {
	case drip.VerifyInvalid, drip.VerifyDisposable, drip.VerifyCatchAll, drip.VerifyRole:
		return true, "address verification: " + l.Verification
	}
	return false, ""
}

func (g *Gateway) suppression(in Input) Outcome {
	if sup, reason := Suppressed(in.Lead); sup {
		return Outcome{Decision: Skip, Stage: "suppression", Reason: reason}
	}
	return passed()
}

// Fingerprint is a stable signature of rendered content, used to detect
// repetitive template-like sending.
func Fingerprint(subject, html string) string {
	sum := sha256.Sum256([]byte(subject + "\x00" + html))
	return hex.EncodeToString(sum[:8])
}

func (g *Gateway) duplicateContent(in Input) Outcome {
	if g.checks.RecentContentCount == nil {
		return passed()
	}
	fp := Fingerprint(in.Subject, in.HTML)
	n, err := g.checks.RecentContentCount(fp, g.now().Add(-g.cfg.DuplicateWindow))
	if err != nil {
		// never hard-fails; a broken counter must not stop sending
		g.log.WithError(err).Warn("duplicate-content check failed, continuing")
		return passed()
	}
	if n >= g.cfg.DuplicateSlowAfter {
		g.log.WithFields(logrus.Fields{"fingerprint": fp, "count": n}).
			Warn("repetitive content detected, slowing down")
		return Outcome{
			Decision: Pass,
			Stage:    "duplicate-content",
			Reason:   fmt.Sprintf("fingerprint seen %d times in window", n),
			Pause:    time.Duration(2+rand.Intn(6)) * time.Second,
		}
	}
	return passed()
}

var hrefRe = regexp.MustCompile(`href="([^"]+)"`)

func (g *Gateway) linkIntegrity(in Input) Outcome {
	for _, m := range hrefRe.FindAllStringSubmatch(in.HTML, -1) {
		u, err := url.Parse(m[1])
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			// non-blocking: the message is still sent
			g.log.WithFields(logrus.Fields{"lead": in.Lead.ID, "link": m[1]}).
				Warn("message contains a broken link")
		}
	}
	return passed()
}

func (g *Gateway) policyAlignment(in Input) Outcome {
	if g.checks.StrictAlignment == nil {
		return passed()
	}
	domain, err := tools.DomainOfEmail(in.Lead.Email)
	if err != nil {
		return Outcome{Decision: Skip, Stage: "policy-alignment", Reason: "unparsable recipient address"}
	}
	canAlign := g.checks.CanAlign == nil || g.checks.CanAlign()
	if g.checks.StrictAlignment(domain) && !canAlign {
		return Outcome{
			Decision: Skip,
			Stage:    "policy-alignment",
			Reason:   fmt.Sprintf("domain %s enforces strict alignment", domain),
		}
	}
	return passed()
}

// Rough recipient-local UTC offsets by country TLD. Generic TLDs fall back
// to the engine's local time.
var tldOffsets = map[string]int{
	"uk": 0, "ie": 0, "pt": 0,
	"de": 1, "fr": 1, "nl": 1, "es": 1, "it": 1, "se": 1, "no": 1, "dk": 1, "pl": 1, "ch": 1, "at": 1,
	"fi": 2, "gr": 2,
	"in": 5, "jp": 9, "kr": 9, "au": 10, "nz": 12,
	"br": -3, "ar": -3, "ca": -5, "mx": -6,
}

const (
	businessOpen  = 8
	businessClose = 18
)

func (g *Gateway) sendTimeWindow(in Input) Outcome {
	local := recipientLocalTime(in.Lead.Email, g.now())

	wd := local.Weekday()
	h := local.Hour()
	if wd != time.Saturday && wd != time.Sunday && h >= businessOpen && h < businessClose {
		return passed()
	}

	until := nextBusinessOpen(local)
	return Outcome{
		Decision: Defer,
		Stage:    "send-time",
		Reason:   fmt.Sprintf("outside recipient business hours (local %s)", local.Format("Mon 15:04")),
		Until:    g.now().Add(until.Sub(local)),
	}
}

func recipientLocalTime(address string, now time.Time) time.Time {
	domain, err := tools.DomainOfEmail(address)
	if err != nil {
		return now
	}
	tld := domain
	if dot := lastDot(domain); dot >= 0 {
		tld = domain[dot+1:]
	}
	offset, ok := tldOffsets[tld]
	if !ok {
		return now
	}
	return now.UTC().Add(time.Duration(offset) * time.Hour)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func nextBusinessOpen(local time.Time) time.Time {
	next := time.Date(local.Year(), local.Month(), local.Day(), businessOpen, 0, 0, 0, local.Location())
	if local.Hour() >= businessOpen {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (g *Gateway) providerRate(in Input) Outcome {
	if g.checks.ProviderAllowed == nil {
		return passed()
	}
	if !g.checks.ProviderAllowed(in.Lead.Email) {
		return Outcome{Decision: Skip, Stage: "provider-rate", Reason: "provider bucket exhausted"}
	}
	return passed()
}
