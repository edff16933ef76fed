package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
)

// Listener binds wallet operations to the saga's broker events.
type Listener struct {
	service *Service
}

func NewListener(service *Service) *Listener {
	return &Listener{service: service}
}

// HandleOrderValidated locks funds for validated BUY orders. SELL orders
// carry no cash obligation and are acknowledged untouched.
func (l *Listener) HandleOrderValidated(ctx context.Context, body []byte) error {
	var evt events.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	if evt.Side != "BUY" {
		return nil
	}

	err := l.service.LockFunds(ctx, evt)
	if errors.Is(err, errs.ErrDuplicateLock) {
		return nil
	}
	var insufficient *errs.InsufficientFundsError
	if errors.As(err, &insufficient) {
		// The rejection event is already captured; the message is done.
		log.Warn().Str("order_id", evt.OrderID).Msg("order rejected for insufficient funds")
		return nil
	}
	return err
}

// HandleOrderTerminal releases the funds lock when an order ends without a
// fill. Orders that never locked funds (SELLs, rejected-before-lock) come
// through here too; the missing lock is logged and dropped.
func (l *Listener) HandleOrderTerminal(ctx context.Context, body []byte) error {
	var evt events.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	err := l.service.ReleaseFunds(ctx, evt.OrderID, releaseReason(evt.Status))
	if errs.IsNotFound(err) {
		log.Info().Str("order_id", evt.OrderID).Msg("no funds lock to release")
		return nil
	}
	return err
}

// HandleTradeExecuted settles the funds lock when a BUY trade fully fills.
// Partial fills keep the lock active until the final execution arrives.
func (l *Listener) HandleTradeExecuted(ctx context.Context, body []byte) error {
	var evt events.TradeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	if evt.Side != "BUY" || evt.PartialFill {
		return nil
	}

	settlement := evt.Quantity.Mul(evt.AveragePrice)
	err := l.service.SettleFunds(ctx, evt.OrderID, settlement)
	if errs.IsNotFound(err) {
		log.Warn().Str("order_id", evt.OrderID).Msg("no funds lock to settle")
		return nil
	}
	return err
}

// HandlePayment applies gateway outcomes to pending transactions. A
// completed payment without a prior initiation is a gateway-initiated
// credit: a deposit is created and confirmed in one go, keyed by the
// payment ID so redeliveries collapse onto the same row.
func (l *Listener) HandlePayment(ctx context.Context, routingKey string, body []byte) error {
	var evt events.PaymentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	switch routingKey {
	case events.PaymentCompleted:
		ref := evt.ReferenceID
		if ref == "" {
			ref = "PAYMENT-" + evt.PaymentID
		}
		if _, err := l.service.InitiateDeposit(ctx, evt.UserID, evt.Amount, ref, evt.Method); err != nil {
			return err
		}
		_, err := l.service.ConfirmDeposit(ctx, ref)
		return err

	case events.PaymentFailed:
		if evt.ReferenceID == "" {
			return nil
		}
		_, err := l.service.FailTransaction(ctx, evt.ReferenceID, evt.Reason)
		if errs.IsNotFound(err) {
			log.Info().Str("reference_id", evt.ReferenceID).Msg("no transaction for failed payment")
			return nil
		}
		return err
	}
	return nil
}

// HandleUserCreated provisions a wallet for the new user.
func (l *Listener) HandleUserCreated(ctx context.Context, body []byte) error {
	var evt events.UserCreatedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if evt.UserID == 0 {
		return &errs.ValidationError{Field: "user_id", Reason: "required"}
	}
	return l.service.CreateWalletForUser(evt.UserID)
}

func releaseReason(status string) string {
	switch strings.ToUpper(status) {
	case "CANCELLED":
		return ReleaseReasonCancelled
	case "EXPIRED":
		return ReleaseReasonExpired
	case "REJECTED":
		return ReleaseReasonRejected
	default:
		return fmt.Sprintf("ORDER_%s", strings.ToUpper(status))
	}
}
