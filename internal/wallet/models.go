package wallet

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Funds lock statuses.
const (
	LockStatusActive   = "ACTIVE"
	LockStatusReleased = "RELEASED"
	LockStatusSettled  = "SETTLED"
)

// Transaction types.
const (
	TxTypeDeposit    = "DEPOSIT"
	TxTypeWithdrawal = "WITHDRAWAL"
	TxTypeSettlement = "SETTLEMENT"
	TxTypeRefund     = "REFUND"
)

// Transaction statuses. Monotonic from PENDING; a terminal status never
// changes again.
const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
	TxStatusCancelled = "CANCELLED"
)

// Release reasons recorded on funds locks.
const (
	ReleaseReasonCancelled = "ORDER_CANCELLED"
	ReleaseReasonExpired   = "ORDER_EXPIRED"
	ReleaseReasonRejected  = "ORDER_REJECTED"
)

// Wallet is one user's cash balance. AvailableBalance and LockedBalance
// move together: locking funds shifts value from available to locked
// without changing the total.
type Wallet struct {
	gorm.Model       `json:"-"`
	UserID           int64           `gorm:"uniqueIndex" json:"user_id"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(18,4)" json:"available_balance"`
	LockedBalance    decimal.Decimal `gorm:"type:decimal(18,4)" json:"locked_balance"`
	Currency         string          `gorm:"default:INR" json:"currency"`
}

// FundsLock reserves part of a wallet for one order. OrderID is unique, so
// a redelivered order.validated event cannot double-lock.
type FundsLock struct {
	gorm.Model    `json:"-"`
	OrderID       string          `gorm:"uniqueIndex" json:"order_id"`
	WalletID      uint            `gorm:"index" json:"wallet_id"`
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,4)" json:"amount"`
	Status        string          `gorm:"index" json:"status"`
	ReleaseReason string          `json:"release_reason,omitempty"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Transaction is the wallet-side record of a balance movement. ReferenceID
// carries the caller's external reference for deposits and withdrawals and
// the order ID for settlements; it is unique, so retried requests and
// redelivered gateway callbacks land on the same row. Deposits and
// withdrawals start PENDING and move money only when confirmed.
type Transaction struct {
	gorm.Model    `json:"-"`
	TransactionID string          `gorm:"uniqueIndex" json:"transaction_id"`
	WalletID      uint            `gorm:"index" json:"wallet_id"`
	UserID        int64           `gorm:"index" json:"user_id"`
	Type          string          `json:"type"`
	Status        string          `gorm:"index" json:"status"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,4)" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(18,4)" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(18,4)" json:"balance_after"`
	ReferenceID   string          `gorm:"uniqueIndex" json:"reference_id"`
	Description   string          `json:"description"`
	Method        string          `json:"method,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}
