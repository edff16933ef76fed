package order

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
)

// Listener binds order saga reactions to broker events.
type Listener struct {
	service *Service
}

func NewListener(service *Service) *Listener {
	return &Listener{service: service}
}

// HandleFundsLocked reacts to the wallet engine confirming a funds lock.
func (l *Listener) HandleFundsLocked(ctx context.Context, body []byte) error {
	var evt events.FundsLockedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	err := l.service.HandleFundsLocked(ctx, evt)
	if errs.IsNotFound(err) {
		log.Warn().Str("order_id", evt.OrderID).Msg("funds.locked for unknown order")
		return nil
	}
	return err
}

// HandleOrderRejected applies a rejection published by another participant.
func (l *Listener) HandleOrderRejected(ctx context.Context, body []byte) error {
	var evt events.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	err := l.service.MarkRejected(ctx, evt.OrderID, evt.Reason)
	if errs.IsNotFound(err) {
		log.Warn().Str("order_id", evt.OrderID).Msg("order.rejected for unknown order")
		return nil
	}
	return err
}

// HandleTradeExecuted copies execution progress onto the order.
func (l *Listener) HandleTradeExecuted(ctx context.Context, body []byte) error {
	var evt events.TradeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	err := l.service.ApplyExecution(ctx, evt)
	if errs.IsNotFound(err) {
		log.Warn().Str("order_id", evt.OrderID).Msg("trade.executed for unknown order")
		return nil
	}
	return err
}
