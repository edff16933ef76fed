package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
)

// Listener translates saga events into notifications. The routing key
// decides both the payload shape and the message priority.
type Listener struct {
	tracker *Tracker
}

func NewListener(tracker *Tracker) *Listener {
	return &Listener{tracker: tracker}
}

// Handle consumes any event bound to the notification queue.
func (l *Listener) Handle(ctx context.Context, routingKey string, body []byte) error {
	switch {
	case strings.HasPrefix(routingKey, "order."):
		return l.handleOrder(ctx, routingKey, body)
	case strings.HasPrefix(routingKey, "funds."):
		return l.handleFunds(ctx, routingKey, body)
	case strings.HasPrefix(routingKey, "trade."):
		return l.handleTrade(ctx, routingKey, body)
	case strings.HasPrefix(routingKey, "payment."):
		return l.handlePayment(ctx, routingKey, body)
	default:
		// Unknown keys are dropped; a binding change should not wedge the
		// queue.
		return nil
	}
}

func (l *Listener) handleOrder(ctx context.Context, routingKey string, body []byte) error {
	var evt events.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	var priority, title, message string
	switch routingKey {
	case events.OrderCreated:
		priority = PriorityLow
		title = "Order received"
		message = fmt.Sprintf("Your %s order for %s %s has been received.", evt.Side, evt.Quantity, evt.Symbol)
	case events.OrderFilled:
		priority = PriorityHigh
		title = "Order filled"
		message = fmt.Sprintf("Your %s order for %s %s is fully filled.", evt.Side, evt.Quantity, evt.Symbol)
	case events.OrderRejected:
		priority = PriorityCritical
		title = "Order rejected"
		message = fmt.Sprintf("Your %s order for %s %s was rejected: %s.", evt.Side, evt.Quantity, evt.Symbol, evt.Reason)
	case events.OrderCancelled:
		priority = PriorityMedium
		title = "Order cancelled"
		message = fmt.Sprintf("Your %s order for %s %s has been cancelled.", evt.Side, evt.Quantity, evt.Symbol)
	case events.OrderExpired:
		priority = PriorityMedium
		title = "Order expired"
		message = fmt.Sprintf("Your %s order for %s %s expired unfilled.", evt.Side, evt.Quantity, evt.Symbol)
	default:
		priority = PriorityLow
		title = "Order update"
		message = fmt.Sprintf("Your order for %s is now %s.", evt.Symbol, evt.Status)
	}

	_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, priority, title, message)
	return err
}

func (l *Listener) handleFunds(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case events.FundsLocked:
		var evt events.FundsLockedEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return &errs.ValidationError{Field: "payload", Reason: err.Error()}
		}
		message := fmt.Sprintf("%s reserved for your %s order on %s.", evt.LockedAmount, evt.Side, evt.Symbol)
		_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, PriorityLow, "Funds reserved", message)
		return err

	case events.FundsReleased:
		var evt events.FundsReleasedEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return &errs.ValidationError{Field: "payload", Reason: err.Error()}
		}
		message := fmt.Sprintf("%s returned to your available balance.", evt.ReleasedAmount)
		_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, PriorityLow, "Funds released", message)
		return err

	case events.FundsDeposited, events.FundsWithdrawn:
		var evt events.FundsMovementEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return &errs.ValidationError{Field: "payload", Reason: err.Error()}
		}
		title := "Deposit received"
		if routingKey == events.FundsWithdrawn {
			title = "Withdrawal processed"
		}
		message := fmt.Sprintf("%s via %s. New balance: %s.", evt.Amount, evt.Method, evt.NewBalance)
		_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, PriorityHigh, title, message)
		return err
	}
	return nil
}

func (l *Listener) handlePayment(ctx context.Context, routingKey string, body []byte) error {
	var evt events.PaymentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	switch routingKey {
	case events.PaymentCompleted:
		message := fmt.Sprintf("Your payment of %s was received.", evt.Amount)
		_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, PriorityMedium, "Payment successful", message)
		return err
	case events.PaymentFailed:
		message := fmt.Sprintf("Your payment of %s failed: %s.", evt.Amount, evt.Reason)
		_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, PriorityHigh, "Payment failed", message)
		return err
	}
	return nil
}

func (l *Listener) handleTrade(ctx context.Context, routingKey string, body []byte) error {
	var evt events.TradeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}

	var priority, title, message string
	switch routingKey {
	case events.TradeExecuted:
		priority = PriorityMedium
		title = "Trade executed"
		message = fmt.Sprintf("%s %s filled at %s (%s of %s).", evt.ExecutedQuantity, evt.Symbol, evt.ExecutedPrice, evt.FilledQuantity, evt.Quantity)
	case events.TradeFailed:
		priority = PriorityCritical
		title = "Trade failed"
		message = fmt.Sprintf("Execution for your %s order on %s failed: %s.", evt.Side, evt.Symbol, evt.Reason)
	case events.TradeClosed:
		priority = PriorityMedium
		title = "Trade settled"
		message = fmt.Sprintf("Your trade on %s closed at average price %s.", evt.Symbol, evt.AveragePrice)
	default:
		// Intermediate transitions are noise at the user level.
		return nil
	}

	_, err := l.tracker.Notify(ctx, evt.UserID, routingKey, priority, title, message)
	return err
}
