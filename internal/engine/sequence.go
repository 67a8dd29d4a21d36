package engine

import (
	"context"
	"errors"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/internal/gateway"
	"github.com/leadpipe/drip/internal/rotator"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/sirupsen/logrus"
)

// Reschedule horizons for an enrollment that could not send this round. A
// suppression hit is a data problem and waits a day; a provider-rate denial
// is just capacity and retries much sooner.
const (
	suppressionRetryAfter = 24 * time.Hour
	providerRetryAfter    = 2 * time.Hour
)

// dispatchSequences advances due enrollments, one at a time, each under a
// per-enrollment lease so overlapping invocations never double-send a step.
func (e *Engine) dispatchSequences(ctx context.Context, sum *Summary) {
	enrollments, err := e.store.DueEnrollments(e.now(), e.cfg.EnrollmentBatch)
	if err != nil {
		e.log.WithError(err).Error("could not load due enrollments")
		return
	}
	for i := range enrollments {
		if ctx.Err() != nil {
			return
		}
		en := &enrollments[i]

		key := "enrollment:" + en.ID
		if !e.leases.TryLock(key) {
			e.log.WithField("enrollment", en.ID).Warn("enrollment is leased elsewhere, skipping")
			continue
		}
		lead, sent := e.processEnrollment(ctx, en)
		e.leases.Unlock(key)

		sum.Enrollments++
		if sent {
			sum.SequenceSends++
			e.metrics.SendOK("sequence")
		}
		if lead != nil {
			e.pause(ctx, lead, sum.SequenceSends)
		}
	}
}

// processEnrollment runs the per-enrollment state machine for one round.
// The step index only ever advances after a confirmed successful send; any
// failure leaves the enrollment untouched so it is retried when due again.
func (e *Engine) processEnrollment(ctx context.Context, en *drip.SequenceEnrollment) (lead *drip.Lead, sent bool) {
	log := e.log.WithFields(logrus.Fields{"enrollment": en.ID, "sequence": en.SequenceID, "lead": en.LeadID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered from panic during enrollment processing")
			sent = false
		}
	}()

	seq, err := e.store.GetSequence(en.SequenceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).Error("could not load sequence")
		return nil, false
	}
	if seq == nil || !seq.Active {
		log.Info("sequence missing or deactivated, pausing enrollment")
		e.transitionEnrollment(en, drip.EnrollmentPaused)
		return nil, false
	}

	lead, err = e.store.GetLead(en.LeadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithError(err).Error("could not load lead")
		return nil, false
	}
	if lead == nil || lead.Unsubscribed {
		log.Info("lead missing or unsubscribed, closing enrollment")
		e.transitionEnrollment(en, drip.EnrollmentUnsubscribed)
		return nil, false
	}

	// suppression state can change between rounds, so re-check every time
	if sup, reason := gateway.Suppressed(lead); sup {
		log.WithField("reason", reason).Info("lead suppressed, deferring enrollment")
		e.rescheduleEnrollment(en, suppressionRetryAfter)
		return lead, false
	}

	step := seq.StepAt(en.CurrentStep)
	if step == nil {
		e.completeEnrollment(en)
		return lead, false
	}

	msg := e.renderer.Render(lead, step.Subject, step.BodyHTML, "")

	if !e.limiter.CheckProvider(lead.Email) {
		log.Info("provider bucket exhausted, deferring enrollment")
		e.rescheduleEnrollment(en, providerRetryAfter)
		return lead, false
	}

	// thread follow-ups under the previous message for this lead
	if prev, err := e.store.LastSentEvent(en.LeadID); err == nil && prev != nil && prev.Detail != "" {
		msg.InReplyTo = prev.Detail
		msg.References = prev.Detail
	}

	account, err := e.rotator.Select(lead.Email)
	if err != nil && !errors.Is(err, rotator.ErrNoAccount) {
		log.WithError(err).Error("account selection failed")
		return lead, false
	}

	res, err := e.chain.Deliver(ctx, account, msg)
	if err != nil {
		// no step advance, no reschedule: the enrollment stays due and is
		// retried on the next invocation
		if transport.IsPermanent(err) {
			log.WithError(err).Warn("permanent delivery failure for sequence step")
			e.metrics.SendFailed("sequence", "permanent")
		} else {
			log.WithError(err).Warn("transient delivery failure for sequence step")
			e.metrics.SendFailed("sequence", "transient")
		}
		return lead, false
	}

	e.afterSend(account, lead, "", msg, res.MessageID)

	next := seq.StepAt(en.CurrentStep + 1)
	if next == nil {
		e.completeEnrollment(en)
		return lead, true
	}

	en.CurrentStep++
	at := e.now().AddDate(0, 0, next.DelayDays)
	en.NextSendAt = &at
	if err := e.store.UpdateEnrollment(en); err != nil {
		log.WithError(err).Error("could not advance enrollment")
	}
	return lead, true
}

func (e *Engine) transitionEnrollment(en *drip.SequenceEnrollment, next drip.EnrollmentStatus) {
	if !en.Status.CanTransition(next) {
		e.log.WithFields(logrus.Fields{"enrollment": en.ID, "from": en.Status, "to": next}).
			Error("illegal enrollment transition rejected")
		return
	}
	en.Status = next
	en.NextSendAt = nil // terminal states never reschedule
	if err := e.store.UpdateEnrollment(en); err != nil {
		e.log.WithError(err).WithField("enrollment", en.ID).Error("could not update enrollment status")
	}
}

func (e *Engine) rescheduleEnrollment(en *drip.SequenceEnrollment, after time.Duration) {
	at := e.now().Add(after)
	en.NextSendAt = &at
	if err := e.store.UpdateEnrollment(en); err != nil {
		e.log.WithError(err).WithField("enrollment", en.ID).Error("could not reschedule enrollment")
	}
}

func (e *Engine) completeEnrollment(en *drip.SequenceEnrollment) {
	e.transitionEnrollment(en, drip.EnrollmentCompleted)
	// completion logging is best-effort and never blocks the main path
	ev := drip.SendEvent{
		LeadID:    en.LeadID,
		Type:      drip.EventSequenceCompleted,
		Detail:    en.SequenceID,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendSendEvent(ev); err != nil {
		e.log.WithError(err).WithField("enrollment", en.ID).Warn("could not log sequence completion")
	}
}
