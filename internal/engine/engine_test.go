package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/pacing"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tuesdayMorning is a weekday business hour in every generic-TLD locale, so
// the send-time gateway stage passes for the test leads.
var tuesdayMorning = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

type memStore struct {
	mu sync.Mutex

	campaigns   map[string]*drip.Campaign
	leads       map[string]*drip.Lead
	leadOrder   []string
	accounts    []drip.SendingAccount
	sequences   map[string]*drip.Sequence
	enrollments map[string]*drip.SequenceEnrollment
	events      []drip.SendEvent
	bounces     map[string]*drip.SoftBounceItem
	prints      map[string][]time.Time

	nextID int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:   map[string]*drip.Campaign{},
		leads:       map[string]*drip.Lead{},
		sequences:   map[string]*drip.Sequence{},
		enrollments: map[string]*drip.SequenceEnrollment{},
		bounces:     map[string]*drip.SoftBounceItem{},
		prints:      map[string][]time.Time{},
	}
}

func (m *memStore) addLead(l drip.Lead) {
	m.leads[l.ID] = &l
	m.leadOrder = append(m.leadOrder, l.ID)
}

func (m *memStore) ClaimDueCampaigns(now time.Time, limit int) ([]drip.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*drip.Campaign
	for _, c := range m.campaigns {
		if c.Status == drip.CampaignScheduled && !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	var out []drip.Campaign
	for _, c := range due {
		c.Status = drip.CampaignSending
		c.UpdatedAt = now
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) GetCampaign(id string) (*drip.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) FinishCampaign(id string, status drip.CampaignStatus, sentTo int, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.SentTo = sentTo
	c.SentAt = &sentAt
	return nil
}

func (m *memStore) ReapStaleSending(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.campaigns {
		if c.Status == drip.CampaignSending && !c.UpdatedAt.After(olderThan) {
			c.Status = drip.CampaignScheduled
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetLead(id string) (*drip.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) LeadsByIDs(ids []string) ([]drip.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []drip.Lead
	for _, id := range ids {
		if l, ok := m.leads[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memStore) ContactableLeads() ([]drip.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []drip.Lead
	for _, id := range m.leadOrder {
		if l := m.leads[id]; !l.Unsubscribed {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memStore) MarkLeadMailed(leadID string, at time.Time, markContacted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return ErrNotFound
	}
	l.EmailsSent++
	l.LastEmailAt = &at
	if markContacted {
		l.Status = drip.LeadStatusContacted
	}
	return nil
}

func (m *memStore) ActiveAccounts() ([]drip.SendingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []drip.SendingAccount
	for _, a := range m.accounts {
		if a.Active {
			cp := a
			cp.Traffic = map[string]int{}
			for k, v := range a.Traffic {
				cp.Traffic[k] = v
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memStore) RecordAccountSend(accountID string, provider string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.accounts {
		if m.accounts[i].ID == accountID {
			m.accounts[i].SentToday++
			if m.accounts[i].Traffic == nil {
				m.accounts[i].Traffic = map[string]int{}
			}
			m.accounts[i].Traffic[provider]++
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) GetSequence(id string) (*drip.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) DueEnrollments(now time.Time, limit int) ([]drip.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*drip.SequenceEnrollment
	for _, e := range m.enrollments {
		if e.Status == drip.EnrollmentActive && e.NextSendAt != nil && !e.NextSendAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSendAt.Before(*due[j].NextSendAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	var out []drip.SequenceEnrollment
	for _, e := range due {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) UpdateEnrollment(e *drip.SequenceEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.enrollments[e.ID] = &cp
	return nil
}

func (m *memStore) AppendSendEvent(ev drip.SendEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) LastSentEvent(leadID string) (*drip.SendEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].LeadID == leadID && m.events[i].Type == drip.EventSent {
			cp := m.events[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) EnqueueSoftBounce(item drip.SoftBounceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		m.nextID++
		item.ID = fmt.Sprintf("sb-%d", m.nextID)
	}
	m.bounces[item.ID] = &item
	return nil
}

func (m *memStore) DueSoftBounces(now time.Time, limit int) ([]drip.SoftBounceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*drip.SoftBounceItem
	for _, b := range m.bounces {
		if b.Retries < 3 && !b.NextRetry.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetry.Before(due[j].NextRetry) })
	if len(due) > limit {
		due = due[:limit]
	}
	var out []drip.SoftBounceItem
	for _, b := range due {
		out = append(out, *b)
	}
	return out, nil
}

func (m *memStore) RescheduleSoftBounce(item drip.SoftBounceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bounces[item.ID]; !ok {
		return ErrNotFound
	}
	m.bounces[item.ID] = &item
	return nil
}

func (m *memStore) DeleteSoftBounce(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bounces, id)
	return nil
}

func (m *memStore) RecordFingerprint(fp string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prints[fp] = append(m.prints[fp], at)
	return nil
}

func (m *memStore) CountFingerprint(fp string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.prints[fp] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Counts() (drip.EngineCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c drip.EngineCounts
	for _, ca := range m.campaigns {
		switch ca.Status {
		case drip.CampaignScheduled:
			c.ScheduledCampaigns++
		case drip.CampaignSending:
			c.SendingCampaigns++
		}
	}
	for _, e := range m.enrollments {
		if e.Status == drip.EnrollmentActive {
			c.ActiveEnrollments++
		}
	}
	for _, b := range m.bounces {
		if b.Retries < 3 {
			c.QueuedRetries++
		} else {
			c.DeadLetteredItems++
		}
	}
	return c, nil
}

type sentMail struct {
	account string // empty for fallback sends
	msg     drip.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	fail map[string]error // keyed by recipient
}

func (f *fakeSender) Send(ctx context.Context, account *drip.SendingAccount, msg *drip.Message) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.To.Email]; err != nil {
		return transport.Result{}, err
	}
	f.sent = append(f.sent, sentMail{account: account.ID, msg: *msg})
	return transport.Result{MessageID: msg.MessageID}, nil
}

func (f *fakeSender) SendFallback(ctx context.Context, msg *drip.Message) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.To.Email]; err != nil {
		return transport.Result{}, err
	}
	f.sent = append(f.sent, sentMail{msg: *msg})
	return transport.Result{MessageID: msg.MessageID}, nil
}

func (f *fakeSender) sends() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestEngine(store *memStore, sender *fakeSender, now func() time.Time, tweak func(*Config)) *Engine {
	log := quietLog()
	cfg := Config{
		Hostname:            "drip.test",
		GlobalRatePerMinute: 1000,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	eng := New(cfg, store, Options{
		Chain: &transport.Chain{Primary: sender, Fallback: sender, Log: log},
		Log:   log,
		Now:   now,
	})
	eng.sleep = func(context.Context, time.Duration) error { return nil }
	eng.delay = func(pacing.Tier, int) time.Duration { return 0 }
	return eng
}

func fixedNow() time.Time { return tuesdayMorning }

func testAccount() drip.SendingAccount {
	return drip.SendingAccount{
		ID:          "a1",
		Address:     "out@agency.io",
		Active:      true,
		DailyLimit:  100,
		WarmupPhase: 5,
		LastResetAt: tuesdayMorning,
		WindowStart: 0,
		WindowEnd:   24,
		Timezone:    "UTC",
	}
}

func TestRunIsExclusive(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	eng.runMu.Lock()
	_, err := eng.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	eng.runMu.Unlock()

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Empty())
}

func TestReaperReschedulesStuckCampaigns(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com", Name: "Ada"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = &drip.Campaign{
		ID:          "c1",
		Subject:     "hello",
		Status:      drip.CampaignSending,
		ScheduledAt: tuesdayMorning.Add(-3 * time.Hour),
		UpdatedAt:   tuesdayMorning.Add(-3 * time.Hour),
	}

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	// the reaper hands the stuck campaign back, the same run then claims and
	// finishes it
	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reaped)
	assert.Equal(t, 1, sum.Campaigns)
	assert.Equal(t, drip.CampaignSent, store.campaigns["c1"].Status)
}

func TestSecondRunIsNoOp(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = &drip.Campaign{
		ID: "c1", Subject: "hello", Status: drip.CampaignScheduled,
		ScheduledAt: tuesdayMorning.Add(-time.Minute),
	}

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CampaignSends)

	sum, err = eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Empty())
	assert.Len(t, sender.sends(), 1)
}
