package transport

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/leadpipe/drip"
	"github.com/sirupsen/logrus"
)

// Delivery failures are classified: permanent means the address is known bad
// (no fallback, no retry); transient means the message may be redelivered
// later through the soft-bounce queue.
var (
	ErrPermanent = errors.New("permanent delivery failure")
	ErrTransient = errors.New("transient delivery failure")
)

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// ClassifySMTP maps an SMTP reply error onto the permanent/transient split:
// 4xx is deferral-style (graylisting and friends), 5xx is a hard reject.
// Anything that is not a protocol error is treated as transient.
func ClassifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var terr *textproto.Error
	if !errors.As(err, &terr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch terr.Code / 100 {
	case 5:
		return fmt.Errorf("%w: code %d: %s", ErrPermanent, terr.Code, terr.Msg)
	case 4:
		return fmt.Errorf("%w: code %d: %s", ErrTransient, terr.Code, terr.Msg)
	}
	return fmt.Errorf("%w: unexpected code %d: %s", ErrTransient, terr.Code, terr.Msg)
}

type Result struct {
	MessageID string
}

// Sender delivers through a selected sending identity (the SMTP pool).
type Sender interface {
	Send(ctx context.Context, account *drip.SendingAccount, msg *drip.Message) (Result, error)
}

// FallbackSender is the secondary transactional transport, used only when no
// sending identity qualifies.
type FallbackSender interface {
	SendFallback(ctx context.Context, msg *drip.Message) (Result, error)
}

// Chain is the explicit, ordered transport chain: account-bound primary
// first, transactional fallback only when there is no account to bind.
type Chain struct {
	Primary  Sender
	Fallback FallbackSender
	Log      *logrus.Logger
}

// Deliver routes a message. A nil account means the rotator had no capacity
// and the fallback carries the message. A failed primary send is never
// retried through the fallback here; classification upstream decides what
// happens next.
func (c *Chain) Deliver(ctx context.Context, account *drip.SendingAccount, msg *drip.Message) (Result, error) {
	if account == nil {
		if c.Fallback == nil {
			return Result{}, fmt.Errorf("%w: no account and no fallback transport", ErrTransient)
		}
		return c.Fallback.SendFallback(ctx, msg)
	}
	return c.Primary.Send(ctx, account, msg)
}

// DryRun is a transport that logs instead of delivering. It is the default
// wiring until a real SMTP pool or API client is configured.
type DryRun struct {
	Log *logrus.Logger
}

func (d DryRun) Send(ctx context.Context, account *drip.SendingAccount, msg *drip.Message) (Result, error) {
	d.Log.WithFields(logrus.Fields{
		"account":    account.Address,
		"to":         msg.To.Email,
		"subject":    msg.Subject,
		"message_id": msg.MessageID,
	}).Info("dry-run send")
	return Result{MessageID: msg.MessageID}, nil
}

func (d DryRun) SendFallback(ctx context.Context, msg *drip.Message) (Result, error) {
	d.Log.WithFields(logrus.Fields{
		"to":         msg.To.Email,
		"message_id": msg.MessageID,
	}).Info("dry-run fallback send")
	return Result{MessageID: msg.MessageID}, nil
}
