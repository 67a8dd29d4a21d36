package engine

import (
	"context"
	"testing"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledCampaign(id, subject string) *drip.Campaign {
	return &drip.Campaign{
		ID:          id,
		Subject:     subject,
		BodyHTML:    "<p>hi {{name}}</p>",
		Status:      drip.CampaignScheduled,
		ScheduledAt: tuesdayMorning.Add(-time.Minute),
	}
}

func TestCampaignDispatch(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com", Name: "Ada"})
	store.addLead(drip.Lead{ID: "l2", Email: "bob@example.com", Name: "Bob"})
	store.addLead(drip.Lead{ID: "l3", Email: "eve@example.com", Name: "Eve"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = scheduledCampaign("c1", "hello {{name}}")

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Campaigns)
	assert.Equal(t, 3, sum.CampaignSends)
	assert.Zero(t, sum.Skipped)

	c := store.campaigns["c1"]
	assert.Equal(t, drip.CampaignSent, c.Status)
	assert.Equal(t, 3, c.SentTo)
	require.NotNil(t, c.SentAt)

	sends := sender.sends()
	require.Len(t, sends, 3)
	assert.Equal(t, "hello Ada", sends[0].msg.Subject)
	assert.Equal(t, "a1", sends[0].account)
	assert.Contains(t, sends[0].msg.HTML, "<p>hi Ada</p>")
	// every rendered message carries the unsubscribe footer
	assert.Contains(t, sends[0].msg.HTML, "https://drip.test/u/l1")

	// bookkeeping after confirmed sends
	assert.Equal(t, 3, store.accounts[0].SentToday)
	assert.Equal(t, 3, store.accounts[0].Traffic["other"])
	assert.Equal(t, drip.LeadStatusContacted, store.leads["l1"].Status)
	assert.Equal(t, 1, store.leads["l1"].EmailsSent)
	require.Len(t, store.events, 3)
	assert.Equal(t, drip.EventSent, store.events[0].Type)
	assert.Equal(t, sends[0].msg.MessageID, store.events[0].Detail)
}

func TestCampaignSkipsSuppressedLeads(t *testing.T) {
	complained := tuesdayMorning.Add(-time.Hour)
	store := newMemStore()
	store.addLead(drip.Lead{ID: "a", Email: "a@example.com"})
	store.addLead(drip.Lead{ID: "b", Email: "b@example.com", Unsubscribed: true})
	store.addLead(drip.Lead{ID: "c", Email: "c@example.com", BounceType: drip.BounceHard, BounceCount: 3})
	store.addLead(drip.Lead{ID: "d", Email: "d@example.com", ComplainedAt: &complained})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = scheduledCampaign("c1", "hello")

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CampaignSends)

	c := store.campaigns["c1"]
	assert.Equal(t, drip.CampaignSent, c.Status)
	assert.Equal(t, 1, c.SentTo)
	require.Len(t, sender.sends(), 1)
	assert.Equal(t, "a@example.com", sender.sends()[0].msg.To.Email)
}

func TestCampaignExplicitRecipientFilter(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com"})
	store.addLead(drip.Lead{ID: "l2", Email: "bob@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	c := scheduledCampaign("c1", "hello")
	c.LeadIDs = []string{"l2"}
	store.campaigns["c1"] = c

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sender.sends(), 1)
	assert.Equal(t, "bob@example.com", sender.sends()[0].msg.To.Email)
}

func TestCampaignPermanentFailureIsNotRetried(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "gone@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = scheduledCampaign("c1", "hello")

	sender := &fakeSender{fail: map[string]error{"gone@example.com": transport.ErrPermanent}}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.CampaignSends)
	assert.Equal(t, 1, sum.Skipped)

	assert.Equal(t, drip.CampaignFailed, store.campaigns["c1"].Status)
	assert.Empty(t, store.bounces)
	assert.Empty(t, store.events)
	assert.Zero(t, store.leads["l1"].EmailsSent)
}

func TestCampaignTransientFailureQueuesRedelivery(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "busy@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = scheduledCampaign("c1", "hello")

	sender := &fakeSender{fail: map[string]error{"busy@example.com": transport.ErrTransient}}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.CampaignSends)
	assert.Equal(t, 1, sum.Skipped)

	require.Len(t, store.bounces, 1)
	for _, b := range store.bounces {
		assert.Equal(t, "l1", b.LeadID)
		assert.Equal(t, "c1", b.CampaignID)
		assert.Zero(t, b.Retries)
		// first redelivery is due 15 minutes out
		assert.Equal(t, tuesdayMorning.Add(15*time.Minute), b.NextRetry)
	}
}

func TestCampaignBounceGuardStopsSending(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com"})
	store.addLead(drip.Lead{ID: "l2", Email: "bob@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	c := scheduledCampaign("c1", "hello")
	c.BounceThreshold = 2
	c.BounceCount = 3
	store.campaigns["c1"] = c

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.CampaignSends)
	assert.Empty(t, sender.sends())
	// nothing went out, so partial-progress derivation lands on failed
	assert.Equal(t, drip.CampaignFailed, store.campaigns["c1"].Status)
}

func TestCampaignGlobalLimiterEndsBatchEarly(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "a@example.com"})
	store.addLead(drip.Lead{ID: "l2", Email: "b@example.com"})
	store.addLead(drip.Lead{ID: "l3", Email: "c@example.com"})
	store.accounts = []drip.SendingAccount{testAccount()}
	store.campaigns["c1"] = scheduledCampaign("c1", "hello")

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, func(cfg *Config) {
		cfg.GlobalRatePerMinute = 2
		cfg.MaxInlineWait = time.Millisecond
	})

	// the clock is frozen, so the bucket never refills: two sends go out and
	// the wait for the third exceeds the inline budget
	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.CampaignSends)
	assert.Len(t, sender.sends(), 2)
	assert.Equal(t, drip.CampaignSent, store.campaigns["c1"].Status)
	assert.Equal(t, 2, store.campaigns["c1"].SentTo)
}

func TestCampaignFallsBackWithoutAccounts(t *testing.T) {
	store := newMemStore()
	store.addLead(drip.Lead{ID: "l1", Email: "ada@example.com"})
	store.campaigns["c1"] = scheduledCampaign("c1", "hello")

	sender := &fakeSender{}
	eng := newTestEngine(store, sender, fixedNow, nil)

	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CampaignSends)
	require.Len(t, sender.sends(), 1)
	assert.Empty(t, sender.sends()[0].account)
}
