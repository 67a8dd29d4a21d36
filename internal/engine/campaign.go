package engine

import (
	"context"
	"errors"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/gateway"
	"github.com/leadpipe/drip/internal/guard"
	"github.com/leadpipe/drip/internal/render"
	"github.com/leadpipe/drip/internal/rotator"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
)

// dispatchCampaigns drives the campaign lifecycle over one bounded batch of
// due campaigns. Claiming flips scheduled -> sending atomically so a
// concurrent process can never pick up the same campaign.
func (e *Engine) dispatchCampaigns(ctx context.Context, bg *guard.BounceGuard, sum *Summary) {
	campaigns, err := e.store.ClaimDueCampaigns(e.now(), e.cfg.CampaignBatch)
	if err != nil {
		e.log.WithError(err).Error("could not claim due campaigns")
		return
	}
	for i := range campaigns {
		if ctx.Err() != nil {
			return
		}
		c := &campaigns[i]
		sends, skipped := e.runCampaign(ctx, c, bg)
		sum.Campaigns++
		sum.CampaignSends += sends
		sum.Skipped += skipped
	}
}

func (e *Engine) runCampaign(ctx context.Context, c *drip.Campaign, bg *guard.BounceGuard) (sent, skipped int) {
	log := e.log.WithField("campaign", c.ID)
	log.Info("dispatching campaign")

	leads, err := e.targetLeads(c)
	if err != nil {
		log.WithError(err).Error("could not resolve campaign recipients")
		e.finishCampaign(c, 0)
		return 0, 0
	}

	// suppression is applied once up front for campaigns; sequences re-check
	// every round instead
	valid := slicez.Reject(leads, func(l drip.Lead) bool {
		sup, reason := gateway.Suppressed(&l)
		if sup {
			log.WithFields(logrus.Fields{"lead": l.ID, "reason": reason}).Debug("suppressed")
		}
		return sup
	})
	log.WithFields(logrus.Fields{"targets": len(leads), "valid": len(valid)}).Info("resolved recipients")

	attempts := 0
loop:
	for i := range valid {
		if ctx.Err() != nil {
			break
		}
		lead := &valid[i]

		// global throttle: short waits are slept out in-loop, long ones end
		// the batch early and the remaining recipients stay eligible
		for {
			allowed, wait := e.limiter.CheckGlobal()
			if allowed {
				break
			}
			if wait > e.cfg.MaxInlineWait {
				log.WithField("wait", wait).Info("global rate limit reached, ending campaign batch early")
				break loop
			}
			if err := e.sleep(ctx, wait); err != nil {
				break loop
			}
		}

		if bg.Check(c.ID) {
			log.Warn("bounce threshold reached, stopping campaign sending")
			break
		}
		if attempts > 0 && attempts%e.cfg.HealthCheckEvery == 0 {
			if pause, reason := bg.Health(c.ID, attempts); pause {
				log.WithField("reason", reason).Warn("campaign health check failed, stopping")
				break
			}
		}

		attempts++
		ok := e.sendCampaignMessage(ctx, c, lead)
		if ok {
			sent++
			e.metrics.SendOK("campaign")
		} else {
			skipped++
		}
		e.pause(ctx, lead, sent)
	}

	e.finishCampaign(c, sent)
	return sent, skipped
}

func (e *Engine) targetLeads(c *drip.Campaign) ([]drip.Lead, error) {
	if len(c.LeadIDs) > 0 {
		return e.store.LeadsByIDs(c.LeadIDs)
	}
	return e.store.ContactableLeads()
}

// sendCampaignMessage attempts one send. Any per-lead failure, including a
// panic, is contained here; the campaign loop always continues.
func (e *Engine) sendCampaignMessage(ctx context.Context, c *drip.Campaign, lead *drip.Lead) (success bool) {
	log := e.log.WithFields(logrus.Fields{"campaign": c.ID, "lead": lead.ID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered from panic during send")
			success = false
		}
	}()

	subject, body := render.PickVariant(c)
	msg := e.renderer.Render(lead, subject, body, c.ID)

	out := e.gateway.Run(gateway.Input{Lead: lead, Subject: msg.Subject, HTML: msg.HTML, CampaignID: c.ID})
	if !out.Passed() {
		e.metrics.Blocked(out.Stage)
		return false
	}
	if out.Pause > 0 {
		_ = e.sleep(ctx, out.Pause)
	}

	account, err := e.rotator.Select(lead.Email)
	if err != nil && !errors.Is(err, rotator.ErrNoAccount) {
		log.WithError(err).Error("account selection failed")
		return false
	}

	res, err := e.chain.Deliver(ctx, account, msg)
	if err != nil {
		if transport.IsPermanent(err) {
			// the address is known bad: no fallback, no retry
			log.WithError(err).Warn("permanent delivery failure")
			e.metrics.SendFailed("campaign", "permanent")
			return false
		}
		log.WithError(err).Warn("transient delivery failure, queueing redelivery")
		e.enqueueRetry(lead, c.ID, msg)
		e.metrics.SendFailed("campaign", "transient")
		return false
	}

	e.afterSend(account, lead, c.ID, msg, res.MessageID)
	return true
}

// afterSend performs the post-success bookkeeping shared by all send paths.
// Everything here is best-effort: a failed side write never undoes the send.
func (e *Engine) afterSend(account *drip.SendingAccount, lead *drip.Lead, campaignID string, msg *drip.Message, messageID string) {
	now := e.now()
	if account != nil {
		if err := e.rotator.RecordSend(account.ID, lead.Email); err != nil {
			e.log.WithError(err).Error("could not record account send")
		}
	}
	if err := e.store.MarkLeadMailed(lead.ID, now, lead.Status != drip.LeadStatusContacted); err != nil {
		e.log.WithError(err).Error("could not update lead counters")
	}
	ev := drip.SendEvent{
		LeadID:     lead.ID,
		CampaignID: campaignID,
		Type:       drip.EventSent,
		Detail:     messageID,
		CreatedAt:  now,
	}
	if err := e.store.AppendSendEvent(ev); err != nil {
		e.log.WithError(err).Warn("could not append send event")
	}
	if err := e.store.RecordFingerprint(gateway.Fingerprint(msg.Subject, msg.HTML), now); err != nil {
		e.log.WithError(err).Warn("could not record content fingerprint")
	}
}

func (e *Engine) enqueueRetry(lead *drip.Lead, campaignID string, msg *drip.Message) {
	item := drip.SoftBounceItem{
		LeadID:     lead.ID,
		CampaignID: campaignID,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		Retries:    0,
		NextRetry:  e.now().Add(guard.NextRetryDelay(0)),
		CreatedAt:  e.now(),
	}
	if err := e.store.EnqueueSoftBounce(item); err != nil {
		e.log.WithError(err).Error("could not enqueue soft bounce redelivery")
	}
}

// finishCampaign derives the terminal status from partial progress: sent if
// anything went out, failed otherwise, even after a guard abort.
func (e *Engine) finishCampaign(c *drip.Campaign, sent int) {
	status := drip.CampaignFailed
	if sent > 0 {
		status = drip.CampaignSent
	}
	if err := e.store.FinishCampaign(c.ID, status, sent, e.now()); err != nil {
		e.log.WithError(err).WithField("campaign", c.ID).Error("could not finalize campaign")
	}
}
