// Package events defines the broker topology names and the payloads
// exchanged between saga participants. Payloads are JSON on the wire and
// versioned implicitly by routing key.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchanges. All are topic exchanges.
const (
	OrderExchange        = "order.exchange"
	FundsExchange        = "funds.exchange"
	TradeExchange        = "trade.exchange"
	NotificationExchange = "notification.exchange"
	PortfolioExchange    = "portfolio.exchange"
	PaymentExchange      = "payment.exchange"
	UserExchange         = "user.exchange"
	DLQExchange          = "dlq.exchange"
)

// Routing keys.
const (
	OrderCreated   = "order.created"
	OrderValidated = "order.validated"
	OrderCancelled = "order.cancelled"
	OrderRejected  = "order.rejected"
	OrderExpired   = "order.expired"
	OrderFilled    = "order.filled"
	OrderUpdated   = "order.updated"

	FundsLocked    = "funds.locked"
	FundsReleased  = "funds.released"
	FundsDeposited = "funds.deposited"
	FundsWithdrawn = "funds.withdrawn"

	TradeCreated   = "trade.created"
	TradePlaced    = "trade.placed"
	TradeExecuted  = "trade.executed"
	TradeClosed    = "trade.closed"
	TradeCancelled = "trade.cancelled"
	TradeFailed    = "trade.failed"

	UserCreated = "user.created"

	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"

	DLQRoutingKey = "dlq"
)

// Queues consumed by this process. Each is bound to its exchange with the
// routing keys listed in the broker topology.
const (
	OrderValidatedFundsQueue  = "order.validated.funds.queue"
	OrderTerminalFundsQueue   = "order.terminal.funds.queue"
	FundsLockedOrderQueue     = "funds.locked.order.queue"
	OrderRejectedOrderQueue   = "order.rejected.order.queue"
	FundsLockedTradeQueue     = "funds.locked.trade.queue"
	OrderValidatedTradeQueue  = "order.validated.trade.queue"
	TradePlacedExecutionQueue = "trade.placed.execution.queue"
	TradeExecutedOrderQueue   = "trade.executed.order.queue"
	TradeExecutedFundsQueue   = "trade.executed.funds.queue"
	NotificationQueue         = "saga.notification.queue"
	UserCreatedFundsQueue     = "user.created.funds.queue"
	PaymentFundsQueue         = "payment.funds.queue"
	DLQQueue                  = "dlq.queue"
)

// OrderEvent is published on order lifecycle transitions. TotalAmount is
// populated on order.validated for BUY orders so the wallet engine can lock
// without a round trip.
type OrderEvent struct {
	OrderID     string          `json:"order_id"`
	UserID      int64           `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	OrderType   string          `json:"order_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// FundsLockedEvent is published by the wallet engine when funds are locked
// for an order.
type FundsLockedEvent struct {
	OrderID      string          `json:"order_id"`
	UserID       int64           `json:"user_id"`
	WalletID     uint            `json:"wallet_id"`
	LockID       uint            `json:"lock_id"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	OrderType    string          `json:"order_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	LockedAt     time.Time       `json:"locked_at"`
}

// FundsReleasedEvent is published when a lock is released back to the
// available balance.
type FundsReleasedEvent struct {
	OrderID        string          `json:"order_id"`
	UserID         int64           `json:"user_id"`
	WalletID       uint            `json:"wallet_id"`
	LockID         uint            `json:"lock_id"`
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	ReleaseReason  string          `json:"release_reason"`
	ReleasedAt     time.Time       `json:"released_at"`
}

// FundsMovementEvent is published on deposits and withdrawals.
type FundsMovementEvent struct {
	UserID        int64           `json:"user_id"`
	WalletID      uint            `json:"wallet_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	ReferenceID   string          `json:"reference_id"`
	Method        string          `json:"method"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// TradeEvent is published on trade lifecycle transitions. ExecutedQuantity
// and ExecutedPrice describe the latest fill increment; FilledQuantity and
// AveragePrice carry the cumulative totals so consumers can apply the event
// idempotently.
type TradeEvent struct {
	TradeID          string          `json:"trade_id"`
	OrderID          string          `json:"order_id"`
	UserID           int64           `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	Status           string          `json:"status"`
	PartialFill      bool            `json:"partial_fill"`
	Reason           string          `json:"reason,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// PaymentEvent arrives from the payment gateway integration. ReferenceID
// matches the pending transaction created at deposit initiation; gateway
// initiated credits carry only a PaymentID.
type PaymentEvent struct {
	PaymentID   string          `json:"payment_id"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Method      string          `json:"method,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// UserCreatedEvent provisions a wallet for a new user.
type UserCreatedEvent struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
