package trade

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
)

// Listener binds trade creation and execution to broker events.
type Listener struct {
	service *Service
	engine  *Engine
}

func NewListener(service *Service, engine *Engine) *Listener {
	return &Listener{service: service, engine: engine}
}

// HandleFundsLocked creates a trade for a funded BUY order.
func (l *Listener) HandleFundsLocked(ctx context.Context, body []byte) error {
	var evt events.FundsLockedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	_, err := l.service.CreateFromOrder(ctx, CreateRequest{
		OrderID:   evt.OrderID,
		UserID:    evt.UserID,
		Symbol:    evt.Symbol,
		Side:      evt.Side,
		OrderType: evt.OrderType,
		Quantity:  evt.Quantity,
		Price:     evt.Price,
	})
	return err
}

// HandleOrderValidated creates a trade for validated SELL orders, which
// skip the funds lock step. BUY orders wait for funds.locked.
func (l *Listener) HandleOrderValidated(ctx context.Context, body []byte) error {
	var evt events.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	if evt.Side != "SELL" {
		return nil
	}

	_, err := l.service.CreateFromOrder(ctx, CreateRequest{
		OrderID:   evt.OrderID,
		UserID:    evt.UserID,
		Symbol:    evt.Symbol,
		Side:      evt.Side,
		OrderType: evt.OrderType,
		Quantity:  evt.Quantity,
		Price:     evt.Price,
	})
	return err
}

// HandleTradePlaced runs the execution engine for a placed trade.
func (l *Listener) HandleTradePlaced(ctx context.Context, body []byte) error {
	var evt events.TradeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	err := l.engine.Execute(ctx, evt.TradeID)
	if errs.IsNotFound(err) {
		log.Warn().Str("trade_id", evt.TradeID).Msg("trade.placed for unknown trade")
		return nil
	}
	return err
}
