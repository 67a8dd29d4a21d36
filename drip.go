package drip

import (
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle of a one-shot broadcast.
// scheduled -> sending -> sent | failed
type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignScheduled: {CampaignSending},
	CampaignSending:   {CampaignSent, CampaignFailed, CampaignScheduled}, // scheduled again only via the stale reaper
	CampaignSent:      {},
	CampaignFailed:    {},
}

func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, n := range campaignTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s CampaignStatus) Terminal() bool {
	return s == CampaignSent || s == CampaignFailed
}

// EnrollmentStatus is the lifecycle of one lead's progress through a sequence.
// active -> paused | unsubscribed | completed
type EnrollmentStatus string

const (
	EnrollmentActive       EnrollmentStatus = "active"
	EnrollmentPaused       EnrollmentStatus = "paused"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
)

func (s EnrollmentStatus) CanTransition(next EnrollmentStatus) bool {
	if s != EnrollmentActive {
		return false
	}
	switch next {
	case EnrollmentPaused, EnrollmentCompleted, EnrollmentUnsubscribed:
		return true
	}
	return false
}

func (s EnrollmentStatus) Terminal() bool {
	return s != EnrollmentActive
}

// Lead statuses. External surfaces may use more; the engine only ever sets
// contacted on the first confirmed send.
const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
)

// Bounce types recorded on a lead.
const (
	BounceNone = ""
	BounceSoft = "soft"
	BounceHard = "hard"
)

// Verification outcomes from the (external) address verifier.
const (
	VerifyUnknown    = "unknown"
	VerifyValid      = "valid"
	VerifyInvalid    = "invalid"
	VerifyDisposable = "disposable"
	VerifyCatchAll   = "catch_all"
	VerifyRole       = "role"
)

type Lead struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
	Name  string `db:"name" json:"name"`

	// merge fields
	Field   string `db:"field" json:"field"`
	Website string `db:"website" json:"website"`
	Problem string `db:"problem" json:"problem"`

	Status       string `db:"status" json:"status"`
	Unsubscribed bool   `db:"unsubscribed" json:"unsubscribed"`

	ComplainedAt *time.Time `db:"complained_at" json:"complained_at,omitempty"`
	BounceType   string     `db:"bounce_type" json:"bounce_type"`
	BounceCount  int        `db:"bounce_count" json:"bounce_count"`
	Verification string     `db:"verification" json:"verification"`

	EngagementScore int        `db:"engagement_score" json:"engagement_score"`
	LastEngagedAt   *time.Time `db:"last_engaged_at" json:"last_engaged_at,omitempty"`

	EmailsSent  int        `db:"emails_sent" json:"emails_sent"`
	LastEmailAt *time.Time `db:"last_email_at" json:"last_email_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Variant struct {
	CampaignID string `db:"campaign_id" json:"-"`
	Name       string `db:"name" json:"name"`
	Subject    string `db:"subject" json:"subject"`
	BodyHTML   string `db:"body_html" json:"body_html"`
	Weight     int    `db:"weight" json:"weight"`
}

type Campaign struct {
	ID       string `db:"id" json:"id"`
	Subject  string `db:"subject" json:"subject"`
	BodyHTML string `db:"body_html" json:"body_html"`

	// Optional weighted A/B variants; empty means the default subject/body.
	Variants []Variant `json:"variants,omitempty"`

	// Optional explicit recipient filter, lead ids. Empty means all
	// non-unsubscribed leads.
	LeadIDs []string `json:"lead_ids,omitempty"`

	Status CampaignStatus `db:"status" json:"status"`

	BounceCount      int `db:"bounce_count" json:"bounce_count"`
	ComplaintCount   int `db:"complaint_count" json:"complaint_count"`
	UnsubscribeCount int `db:"unsubscribe_count" json:"unsubscribe_count"`
	BounceThreshold  int `db:"bounce_threshold" json:"bounce_threshold"`

	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	SentTo      int        `db:"sent_to" json:"sent_to"`
	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type Sequence struct {
	ID     string `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Active bool   `db:"active" json:"active"`

	Steps []SequenceStep `json:"steps,omitempty"`
}

// StepAt returns the step at the given zero-based position, or nil once the
// enrollment has walked off the end.
func (s *Sequence) StepAt(i int) *SequenceStep {
	if i < 0 || i >= len(s.Steps) {
		return nil
	}
	return &s.Steps[i]
}

type SequenceStep struct {
	SequenceID string `db:"sequence_id" json:"-"`
	Order      int    `db:"step_order" json:"order"`
	DelayDays  int    `db:"delay_days" json:"delay_days"`
	Subject    string `db:"subject" json:"subject"`
	BodyHTML   string `db:"body_html" json:"body_html"`
}

type SequenceEnrollment struct {
	ID         string `db:"id" json:"id"`
	SequenceID string `db:"sequence_id" json:"sequence_id"`
	LeadID     string `db:"lead_id" json:"lead_id"`

	CurrentStep int              `db:"current_step" json:"current_step"`
	NextSendAt  *time.Time       `db:"next_send_at" json:"next_send_at,omitempty"`
	Status      EnrollmentStatus `db:"status" json:"status"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type SendingAccount struct {
	ID          string `db:"id" json:"id"`
	Address     string `db:"address" json:"address"`
	Credentials string `db:"credentials" json:"-"`

	DailyLimit  int       `db:"daily_limit" json:"daily_limit"`
	SentToday   int       `db:"sent_today" json:"sent_today"`
	LastResetAt time.Time `db:"last_reset_at" json:"last_reset_at"`

	WarmupPhase     int        `db:"warmup_phase" json:"warmup_phase"`
	WarmupStartedAt *time.Time `db:"warmup_started_at" json:"warmup_started_at,omitempty"`

	Active bool `db:"active" json:"active"`

	// Send window, hours in the account's timezone.
	WindowStart int    `db:"window_start" json:"window_start"`
	WindowEnd   int    `db:"window_end" json:"window_end"`
	Weekdays    string `db:"weekdays" json:"weekdays"` // eg "12345", time.Weekday digits
	Timezone    string `db:"timezone" json:"timezone"`

	// Historical sends per provider, for affinity selection. Loaded as a
	// side table, never persisted through this struct.
	Traffic map[string]int `db:"-" json:"-"`
}

// SendsOnWeekday reports whether the account is configured to send on day.
func (a *SendingAccount) SendsOnWeekday(day time.Weekday) bool {
	if a.Weekdays == "" {
		return true
	}
	for _, r := range a.Weekdays {
		if int(r-'0') == int(day) {
			return true
		}
	}
	return false
}

// SendEvent is an append-only record of engine activity per lead. Detail
// carries the transport message-id for sent events so follow-ups can thread.
type SendEvent struct {
	ID         string    `db:"id" json:"id"`
	LeadID     string    `db:"lead_id" json:"lead_id"`
	CampaignID string    `db:"campaign_id" json:"campaign_id,omitempty"`
	Type       string    `db:"type" json:"type"`
	Detail     string    `db:"detail" json:"detail"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

const (
	EventSent              = "sent"
	EventSequenceCompleted = "sequence_completed"
)

// SoftBounceItem is a deferred redelivery attempt for a transient transport
// failure. Once Retries reaches the cap the item is left in place for manual
// triage and excluded from due-queries.
type SoftBounceItem struct {
	ID         string `db:"id" json:"id"`
	LeadID     string `db:"lead_id" json:"lead_id"`
	CampaignID string `db:"campaign_id" json:"campaign_id,omitempty"`

	Subject string `db:"subject" json:"subject"`
	HTML    string `db:"html" json:"html"`

	Retries   int       `db:"retries" json:"retries"`
	NextRetry time.Time `db:"next_retry" json:"next_retry"`
	LastError string    `db:"last_error" json:"last_error"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EngineCounts is a point-in-time inventory of engine-owned state, exported
// as gauges after every run.
type EngineCounts struct {
	ScheduledCampaigns int `json:"scheduled_campaigns"`
	SendingCampaigns   int `json:"sending_campaigns"`
	ActiveEnrollments  int `json:"active_enrollments"`
	QueuedRetries      int `json:"queued_retries"`
	DeadLetteredItems  int `json:"dead_lettered_items"`
}

type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func AddressOf(email string) Address {
	return Address{Email: email}
}

func (a Address) String() string {
	if len(a.Name) == 0 {
		return a.Email
	}
	return fmt.Sprintf("\"%s\" <%s>", a.Name, a.Email)
}

// Message is a fully rendered email ready for a transport.
type Message struct {
	From    Address `json:"from"`
	To      Address `json:"to"`
	Subject string  `json:"subject"`
	HTML    string  `json:"html"`

	MessageID  string `json:"message_id"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`
}
