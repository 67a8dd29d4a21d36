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
	"github.com/sirupsen/logrus"
)

// drainRetries redelivers due soft-bounced messages. The due-query already
// excludes items at the retry cap, so dead-lettered items are never touched
// again; they sit in place for manual triage.
func (e *Engine) drainRetries(ctx context.Context, sum *Summary) {
	items, err := e.store.DueSoftBounces(e.now(), e.cfg.RetryBatch)
	if err != nil {
		e.log.WithError(err).Error("could not load due soft bounces")
		return
	}
	for i := range items {
		if ctx.Err() != nil {
			return
		}
		item := &items[i]
		sum.Retries++
		if e.redeliver(ctx, item) {
			sum.RetrySends++
			e.metrics.SendOK("retry")
		}
	}
}

func (e *Engine) redeliver(ctx context.Context, item *drip.SoftBounceItem) (success bool) {
	log := e.log.WithFields(logrus.Fields{"item": item.ID, "lead": item.LeadID, "attempt": item.Retries + 1})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered from panic during redelivery")
			success = false
		}
	}()

	lead, err := e.store.GetLead(item.LeadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).Error("could not load lead for redelivery")
		return false
	}
	if lead == nil {
		log.Warn("lead is gone, dropping redelivery")
		e.deleteRetry(item)
		return false
	}
	if sup, reason := gateway.Suppressed(lead); sup {
		// suppression acquired since the original attempt wins over redelivery
		log.WithField("reason", reason).Info("lead now suppressed, dropping redelivery")
		e.deleteRetry(item)
		return false
	}

	msg := &drip.Message{
		To:        drip.Address{Name: lead.Name, Email: lead.Email},
		Subject:   item.Subject,
		HTML:      item.HTML,
		MessageID: render.NewMessageID(e.cfg.Hostname),
	}

	account, err := e.rotator.Select(lead.Email)
	if err != nil && !errors.Is(err, rotator.ErrNoAccount) {
		log.WithError(err).Error("account selection failed for redelivery")
		return false
	}

	res, err := e.chain.Deliver(ctx, account, msg)
	if err != nil {
		if transport.IsPermanent(err) {
			log.WithError(err).Warn("address went permanently bad, dropping redelivery")
			e.metrics.SendFailed("retry", "permanent")
			e.deleteRetry(item)
			return false
		}
		item.Retries++
		item.LastError = err.Error()
		item.NextRetry = e.now().Add(guard.NextRetryDelay(item.Retries))
		if err := e.store.RescheduleSoftBounce(*item); err != nil {
			log.WithError(err).Error("could not reschedule soft bounce")
		}
		if item.Retries >= guard.MaxRetries {
			log.Warn("redelivery attempts exhausted, leaving item for manual triage")
		}
		e.metrics.SendFailed("retry", "transient")
		return false
	}

	e.afterSend(account, lead, item.CampaignID, msg, res.MessageID)
	e.deleteRetry(item)
	return true
}

func (e *Engine) deleteRetry(item *drip.SoftBounceItem) {
	if err := e.store.DeleteSoftBounce(item.ID); err != nil {
		e.log.WithError(err).WithField("item", item.ID).Error("could not delete soft bounce item")
	}
}
