package order

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses. FUNDS_LOCKED is transitional: a BUY order passes through
// it on the way to PENDING when the wallet engine confirms the lock.
const (
	StatusNew             = "NEW"
	StatusValidated       = "VALIDATED"
	StatusFundsLocked     = "FUNDS_LOCKED"
	StatusPending         = "PENDING"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types. Stop orders carry a trigger price; LIMIT and STOP_LIMIT also
// carry an execution price.
const (
	TypeLimit     = "LIMIT"
	TypeMarket    = "MARKET"
	TypeStopLoss  = "STOP_LOSS"
	TypeStopLimit = "STOP_LIMIT"
)

// Time-in-force values. DAY orders expire at market close, GTC orders never
// expire, IOC orders fill immediately or die.
const (
	TIFDay = "DAY"
	TIFGTC = "GTC"
	TIFIOC = "IOC"
)

type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string          `gorm:"uniqueIndex" json:"order_id"`
	UserID           int64           `gorm:"index" json:"user_id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	OrderType        string          `json:"order_type"`
	Quantity         decimal.Decimal `gorm:"type:decimal(18,4)" json:"quantity"`
	Price            decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	StopPrice        decimal.Decimal `gorm:"type:decimal(18,4)" json:"stop_price"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(18,4)" json:"total_amount"`
	FilledQuantity   decimal.Decimal `gorm:"type:decimal(18,4)" json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `gorm:"type:decimal(18,4)" json:"average_fill_price"`
	Status           string          `gorm:"index" json:"status"`
	TimeInForce      string          `json:"time_in_force"`
	ExpiresAt        *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
}

// IsTerminal reports whether the order can never transition again.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IdempotencyRecord maps a client-supplied idempotency key to the order it
// created, so a retried create returns the original order.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
