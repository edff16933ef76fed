package trade

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade statuses. A trade is born CREATED from a saga event, validated and
// PLACED onto a venue, accumulates fills through EXECUTING and
// PARTIALLY_FILLED, and ends FILLED then CLOSED. FAILED and CANCELLED are
// terminal without a full fill.
const (
	StatusCreated         = "CREATED"
	StatusValidated       = "VALIDATED"
	StatusPlaced          = "PLACED"
	StatusExecuting       = "EXECUTING"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusClosed          = "CLOSED"
	StatusFailed          = "FAILED"
	StatusCancelled       = "CANCELLED"
)

// Trade is the execution-side record of one order. OrderID is unique: the
// saga creates at most one trade per order no matter how often the
// triggering event is redelivered.
type Trade struct {
	gorm.Model       `json:"-"`
	TradeID          string          `gorm:"uniqueIndex" json:"trade_id"`
	OrderID          string          `gorm:"uniqueIndex" json:"order_id"`
	UserID           int64           `gorm:"index" json:"user_id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	OrderType        string          `json:"order_type"`
	Quantity         decimal.Decimal `gorm:"type:decimal(18,4)" json:"quantity"`
	Price            decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	ExecutedQuantity decimal.Decimal `gorm:"type:decimal(18,4)" json:"executed_quantity"`
	AveragePrice     decimal.Decimal `gorm:"type:decimal(18,4)" json:"average_price"`
	Status           string          `gorm:"index" json:"status"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusClosed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Fill is one execution increment on a venue.
type Fill struct {
	gorm.Model `json:"-"`
	FillID     string          `gorm:"uniqueIndex" json:"fill_id"`
	TradeID    string          `gorm:"index" json:"trade_id"`
	VenueID    string          `json:"venue_id"`
	VenueName  string          `json:"venue_name"`
	Quantity   decimal.Decimal `gorm:"type:decimal(18,4)" json:"quantity"`
	Price      decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	FeeRate    decimal.Decimal `gorm:"type:decimal(8,6)" json:"fee_rate"`
	FeeAmount  decimal.Decimal `gorm:"type:decimal(18,4)" json:"fee_amount"`
}
