// Package wallet implements the funds ledger engine: balances, funds locks
// for the order saga, and the deposit/withdrawal lifecycle. Every mutation
// writes its outbox event and external ledger entry in the same database
// transaction as the balance change.
package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/ledger"
	"github.com/winvest/trading-core/internal/metrics"
	"github.com/winvest/trading-core/internal/outbox"
)

// Service handles wallet operations and funds lock management.
type Service struct {
	db      *Database
	outbox  *outbox.Writer
	ledger  ledger.Recorder
	metrics *metrics.Metrics
}

func NewService(gormDB *gorm.DB, writer *outbox.Writer, recorder ledger.Recorder, m *metrics.Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		outbox:  writer,
		ledger:  recorder,
		metrics: m,
	}
}

// CreateWalletForUser provisions a zero-balance wallet. Safe to call twice
// for the same user; the second call is a no-op.
func (s *Service) CreateWalletForUser(userID int64) error {
	if _, err := s.db.GetWalletByUserID(userID); err == nil {
		return nil
	} else if !errs.IsNotFound(err) {
		return err
	}

	wallet := &Wallet{
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		LockedBalance:    decimal.Zero,
		Currency:         "INR",
	}
	if err := s.db.CreateWallet(wallet); err != nil {
		return err
	}

	log.Info().Int64("user_id", userID).Msg("wallet provisioned")
	return nil
}

func (s *Service) GetWallet(userID int64) (*Wallet, error) {
	return s.db.GetWalletByUserID(userID)
}

func (s *Service) GetTransactions(userID int64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListTransactions(userID, limit)
}

func (s *Service) GetActiveLocks(userID int64) ([]FundsLock, error) {
	return s.db.ListLocksByUser(userID)
}

// LockFunds reserves the order's total amount against the user's available
// balance. The OrderID unique index makes redelivery safe: a second attempt
// returns ErrDuplicateLock without touching balances. When the balance is
// short, an order.rejected event is captured in its own transaction and an
// InsufficientFundsError is returned.
func (s *Service) LockFunds(ctx context.Context, evt events.OrderEvent) error {
	logger := log.With().Str("order_id", evt.OrderID).Int64("user_id", evt.UserID).Logger()

	if existing, err := s.db.GetLockByOrderID(evt.OrderID); err == nil && existing != nil {
		logger.Info().Msg("funds already locked for order")
		return errs.ErrDuplicateLock
	} else if err != nil && !errs.IsNotFound(err) {
		return err
	}

	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	wallet, err := s.db.GetWalletForUpdate(tx, evt.UserID)
	if err != nil {
		tx.Rollback()
		return err
	}

	amount := evt.TotalAmount
	if wallet.AvailableBalance.LessThan(amount) {
		tx.Rollback()
		s.metrics.IncFundsOperation("lock", "insufficient")
		if err := s.rejectOrder(evt, "INSUFFICIENT_FUNDS"); err != nil {
			return err
		}
		return &errs.InsufficientFundsError{
			Requested: amount,
			Available: wallet.AvailableBalance,
		}
	}

	wallet.AvailableBalance = wallet.AvailableBalance.Sub(amount)
	wallet.LockedBalance = wallet.LockedBalance.Add(amount)
	if err := tx.Save(wallet).Error; err != nil {
		tx.Rollback()
		return err
	}

	lock := &FundsLock{
		OrderID:  evt.OrderID,
		WalletID: wallet.ID,
		UserID:   evt.UserID,
		Amount:   amount,
		Status:   LockStatusActive,
	}
	if err := tx.Create(lock).Error; err != nil {
		tx.Rollback()
		return err
	}

	entry := ledger.Entry{
		UserID:        evt.UserID,
		WalletID:      wallet.ID,
		EntryType:     "FUNDS_LOCK",
		Amount:        amount,
		BalanceBefore: wallet.AvailableBalance.Add(amount),
		BalanceAfter:  wallet.AvailableBalance,
		ReferenceID:   evt.OrderID,
		Description:   fmt.Sprintf("funds locked for order %s", evt.OrderID),
		RecordedAt:    time.Now(),
	}
	if err := s.ledger.RecordEntry(ctx, entry); err != nil {
		tx.Rollback()
		s.metrics.IncFundsOperation("lock", "ledger_failed")
		return fmt.Errorf("ledger entry for lock: %w", err)
	}

	locked := events.FundsLockedEvent{
		OrderID:      evt.OrderID,
		UserID:       evt.UserID,
		WalletID:     wallet.ID,
		LockID:       lock.ID,
		LockedAmount: amount,
		Symbol:       evt.Symbol,
		Side:         evt.Side,
		OrderType:    evt.OrderType,
		Quantity:     evt.Quantity,
		Price:        evt.Price,
		LockedAt:     time.Now(),
	}
	if err := s.outbox.Capture(tx, "funds_lock", evt.OrderID, events.FundsExchange, events.FundsLocked, locked); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncFundsOperation("lock", "ok")
	logger.Info().Str("amount", amount.String()).Msg("funds locked")
	return nil
}

// rejectOrder captures an order.rejected event in its own transaction so the
// rejection survives the aborted lock attempt.
func (s *Service) rejectOrder(evt events.OrderEvent, reason string) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}

	rejected := events.OrderEvent{
		OrderID:     evt.OrderID,
		UserID:      evt.UserID,
		Symbol:      evt.Symbol,
		Side:        evt.Side,
		OrderType:   evt.OrderType,
		Quantity:    evt.Quantity,
		Price:       evt.Price,
		TotalAmount: evt.TotalAmount,
		Status:      "REJECTED",
		Reason:      reason,
		OccurredAt:  time.Now(),
	}
	if err := s.outbox.Capture(tx, "order", evt.OrderID, events.OrderExchange, events.OrderRejected, rejected); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// ReleaseFunds returns a lock's amount to the available balance. Releasing
// a lock that is already released or settled is a no-op, so terminal order
// events can be redelivered freely.
func (s *Service) ReleaseFunds(ctx context.Context, orderID, reason string) error {
	logger := log.With().Str("order_id", orderID).Str("reason", reason).Logger()

	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	lock, err := s.db.GetLockByOrderIDForUpdate(tx, orderID)
	if err != nil {
		tx.Rollback()
		return err
	}

	if lock.Status != LockStatusActive {
		tx.Rollback()
		logger.Info().Str("status", lock.Status).Msg("lock not active, release skipped")
		return nil
	}

	wallet, err := s.db.GetWalletForUpdate(tx, lock.UserID)
	if err != nil {
		tx.Rollback()
		return err
	}

	wallet.AvailableBalance = wallet.AvailableBalance.Add(lock.Amount)
	wallet.LockedBalance = wallet.LockedBalance.Sub(lock.Amount)
	if err := tx.Save(wallet).Error; err != nil {
		tx.Rollback()
		return err
	}

	now := time.Now()
	lock.Status = LockStatusReleased
	lock.ReleaseReason = reason
	lock.ReleasedAt = &now
	if err := tx.Save(lock).Error; err != nil {
		tx.Rollback()
		return err
	}

	entry := ledger.Entry{
		UserID:        lock.UserID,
		WalletID:      wallet.ID,
		EntryType:     "FUNDS_RELEASE",
		Amount:        lock.Amount,
		BalanceBefore: wallet.AvailableBalance.Sub(lock.Amount),
		BalanceAfter:  wallet.AvailableBalance,
		ReferenceID:   orderID,
		Description:   fmt.Sprintf("funds released for order %s (%s)", orderID, reason),
		RecordedAt:    now,
	}
	if err := s.ledger.RecordEntry(ctx, entry); err != nil {
		tx.Rollback()
		s.metrics.IncFundsOperation("release", "ledger_failed")
		return fmt.Errorf("ledger entry for release: %w", err)
	}

	released := events.FundsReleasedEvent{
		OrderID:        orderID,
		UserID:         lock.UserID,
		WalletID:       wallet.ID,
		LockID:         lock.ID,
		ReleasedAmount: lock.Amount,
		ReleaseReason:  reason,
		ReleasedAt:     now,
	}
	if err := s.outbox.Capture(tx, "funds_lock", orderID, events.FundsExchange, events.FundsReleased, released); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncFundsOperation("release", "ok")
	logger.Info().Str("amount", lock.Amount.String()).Msg("funds released")
	return nil
}

// SettleFunds consumes an active lock after a full fill. The locked amount
// leaves the locked balance; if the execution cost less than was locked,
// the difference returns to the available balance as a refund.
func (s *Service) SettleFunds(ctx context.Context, orderID string, settlementAmount decimal.Decimal) error {
	logger := log.With().Str("order_id", orderID).Logger()

	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	lock, err := s.db.GetLockByOrderIDForUpdate(tx, orderID)
	if err != nil {
		tx.Rollback()
		return err
	}

	if lock.Status != LockStatusActive {
		tx.Rollback()
		logger.Info().Str("status", lock.Status).Msg("lock not active, settlement skipped")
		return nil
	}

	wallet, err := s.db.GetWalletForUpdate(tx, lock.UserID)
	if err != nil {
		tx.Rollback()
		return err
	}

	refund := lock.Amount.Sub(settlementAmount)
	if refund.IsNegative() {
		// An execution can never cost more than was locked; treat any
		// overshoot as a data fault and consume the whole lock.
		logger.Error().
			Str("locked", lock.Amount.String()).
			Str("settlement", settlementAmount.String()).
			Msg("settlement exceeds locked amount, capping at lock")
		refund = decimal.Zero
		settlementAmount = lock.Amount
	}

	wallet.LockedBalance = wallet.LockedBalance.Sub(lock.Amount)
	wallet.AvailableBalance = wallet.AvailableBalance.Add(refund)
	if err := tx.Save(wallet).Error; err != nil {
		tx.Rollback()
		return err
	}

	now := time.Now()
	lock.Status = LockStatusSettled
	lock.SettledAt = &now
	if err := tx.Save(lock).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := &Transaction{
		TransactionID: uuid.New().String(),
		WalletID:      wallet.ID,
		UserID:        lock.UserID,
		Type:          TxTypeSettlement,
		Status:        TxStatusCompleted,
		CompletedAt:   &now,
		Amount:        settlementAmount,
		BalanceBefore: wallet.AvailableBalance.Sub(refund),
		BalanceAfter:  wallet.AvailableBalance,
		ReferenceID:   orderID,
		Description:   fmt.Sprintf("settlement for order %s", orderID),
	}
	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return err
	}

	entry := ledger.Entry{
		UserID:        lock.UserID,
		WalletID:      wallet.ID,
		EntryType:     "SETTLEMENT",
		Amount:        settlementAmount,
		BalanceBefore: record.BalanceBefore,
		BalanceAfter:  record.BalanceAfter,
		ReferenceID:   orderID,
		Description:   record.Description,
		RecordedAt:    now,
	}
	if err := s.ledger.RecordEntry(ctx, entry); err != nil {
		tx.Rollback()
		s.metrics.IncFundsOperation("settle", "ledger_failed")
		return fmt.Errorf("ledger entry for settlement: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncFundsOperation("settle", "ok")
	logger.Info().
		Str("settlement", settlementAmount.String()).
		Str("refund", refund.String()).
		Msg("funds settled")
	return nil
}

// InitiateDeposit records a PENDING deposit. No money moves until the
// payment gateway confirms; ReferenceID deduplicates retried requests and
// is generated when the caller supplies none.
func (s *Service) InitiateDeposit(ctx context.Context, userID int64, amount decimal.Decimal, referenceID, method string) (*Transaction, error) {
	return s.initiateMovement(userID, amount, referenceID, method, TxTypeDeposit)
}

// InitiateWithdrawal records a PENDING withdrawal. The available balance is
// checked up front so an obviously uncovered request fails synchronously,
// and again at completion when the debit actually happens.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID int64, amount decimal.Decimal, referenceID, method string) (*Transaction, error) {
	wallet, err := s.db.GetWalletByUserID(userID)
	if err != nil {
		return nil, err
	}
	if wallet.AvailableBalance.LessThan(amount) {
		s.metrics.IncFundsOperation("withdraw", "insufficient")
		return nil, &errs.InsufficientFundsError{
			Requested: amount,
			Available: wallet.AvailableBalance,
		}
	}
	return s.initiateMovement(userID, amount, referenceID, method, TxTypeWithdrawal)
}

func (s *Service) initiateMovement(userID int64, amount decimal.Decimal, referenceID, method, txType string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, &errs.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if referenceID == "" {
		prefix := "DEP-"
		if txType == TxTypeWithdrawal {
			prefix = "WDR-"
		}
		referenceID = prefix + uuid.New().String()[:8]
	}

	if existing, err := s.db.GetTransactionByReference(referenceID); err == nil {
		if existing.Type != txType {
			return nil, &errs.ValidationError{Field: "reference_id", Reason: "already used by another transaction"}
		}
		return existing, nil
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	wallet, err := s.db.GetWalletByUserID(userID)
	if err != nil {
		return nil, err
	}

	record := &Transaction{
		TransactionID: uuid.New().String(),
		WalletID:      wallet.ID,
		UserID:        userID,
		Type:          txType,
		Status:        TxStatusPending,
		Amount:        amount,
		ReferenceID:   referenceID,
		Description:   fmt.Sprintf("%s via %s", txType, method),
		Method:        method,
	}
	if err := s.db.CreateTransaction(record); err != nil {
		return nil, err
	}

	s.metrics.IncFundsOperation(opName(txType), "initiated")
	log.Info().
		Int64("user_id", userID).
		Str("type", txType).
		Str("reference_id", referenceID).
		Str("amount", amount.String()).
		Msg("transaction initiated")
	return record, nil
}

// ConfirmDeposit completes a PENDING deposit and credits the available
// balance. Called by the gateway callback; confirming a transaction that is
// already terminal returns it unchanged.
func (s *Service) ConfirmDeposit(ctx context.Context, referenceID string) (*Transaction, error) {
	return s.settleMovement(ctx, referenceID, TxTypeDeposit)
}

// CompleteWithdrawal completes a PENDING withdrawal and debits the
// available balance, refusing to dip into locked funds.
func (s *Service) CompleteWithdrawal(ctx context.Context, referenceID string) (*Transaction, error) {
	return s.settleMovement(ctx, referenceID, TxTypeWithdrawal)
}

// settleMovement moves the money for a pending transaction with the full
// transactional bundle: row locks, status flip, ledger entry, outbox event.
func (s *Service) settleMovement(ctx context.Context, referenceID, txType string) (*Transaction, error) {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	record, err := s.db.GetTransactionByReferenceForUpdate(tx, referenceID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if record.Type != txType {
		tx.Rollback()
		return nil, &errs.InvalidStateError{
			Entity: "transaction",
			ID:     referenceID,
			From:   record.Type,
			Action: "confirm as " + txType,
		}
	}
	if record.Status != TxStatusPending {
		tx.Rollback()
		log.Warn().
			Str("reference_id", referenceID).
			Str("status", record.Status).
			Msg("transaction not pending, confirmation skipped")
		return record, nil
	}

	wallet, err := s.db.GetWalletForUpdate(tx, record.UserID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	amount := record.Amount
	if txType == TxTypeWithdrawal {
		amount = amount.Neg()
	}
	before := wallet.AvailableBalance
	after := before.Add(amount)
	if after.IsNegative() {
		tx.Rollback()
		s.metrics.IncFundsOperation("withdraw", "insufficient")
		return nil, &errs.InsufficientFundsError{
			Requested: record.Amount,
			Available: before,
		}
	}

	wallet.AvailableBalance = after
	if err := tx.Save(wallet).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	record.Status = TxStatusCompleted
	record.CompletedAt = &now
	record.BalanceBefore = before
	record.BalanceAfter = after
	if err := tx.Save(record).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	entry := ledger.Entry{
		UserID:        record.UserID,
		WalletID:      wallet.ID,
		EntryType:     txType,
		Amount:        record.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceID:   referenceID,
		Description:   record.Description,
		RecordedAt:    now,
	}
	if err := s.ledger.RecordEntry(ctx, entry); err != nil {
		tx.Rollback()
		s.metrics.IncFundsOperation(opName(txType), "ledger_failed")
		return nil, fmt.Errorf("ledger entry for %s: %w", txType, err)
	}

	routingKey := events.FundsDeposited
	if txType == TxTypeWithdrawal {
		routingKey = events.FundsWithdrawn
	}
	movement := events.FundsMovementEvent{
		UserID:        record.UserID,
		WalletID:      wallet.ID,
		Amount:        record.Amount,
		BalanceBefore: before,
		NewBalance:    after,
		ReferenceID:   referenceID,
		Method:        record.Method,
		OccurredAt:    now,
	}
	if err := s.outbox.Capture(tx, "wallet", referenceID, events.FundsExchange, routingKey, movement); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.metrics.IncFundsOperation(opName(txType), "ok")
	log.Info().
		Int64("user_id", record.UserID).
		Str("type", txType).
		Str("reference_id", referenceID).
		Str("amount", record.Amount.String()).
		Msg("transaction completed")
	return record, nil
}

// FailTransaction marks a PENDING transaction FAILED. Money never moved, so
// there is nothing to reverse; failing a terminal transaction is a no-op.
func (s *Service) FailTransaction(ctx context.Context, referenceID, reason string) (*Transaction, error) {
	return s.terminateMovement(referenceID, TxStatusFailed, reason)
}

// CancelTransaction marks a PENDING transaction CANCELLED.
func (s *Service) CancelTransaction(ctx context.Context, referenceID, reason string) (*Transaction, error) {
	return s.terminateMovement(referenceID, TxStatusCancelled, reason)
}

func (s *Service) terminateMovement(referenceID, status, reason string) (*Transaction, error) {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}

	record, err := s.db.GetTransactionByReferenceForUpdate(tx, referenceID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if record.Status != TxStatusPending {
		tx.Rollback()
		log.Warn().
			Str("reference_id", referenceID).
			Str("status", record.Status).
			Msg("transaction not pending, left unchanged")
		return record, nil
	}

	record.Status = status
	record.FailureReason = reason
	if err := tx.Save(record).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.metrics.IncFundsOperation(opName(record.Type), strings.ToLower(status))
	log.Info().
		Str("reference_id", referenceID).
		Str("status", status).
		Str("reason", reason).
		Msg("transaction terminated")
	return record, nil
}

func opName(txType string) string {
	if txType == TxTypeWithdrawal {
		return "withdraw"
	}
	return "deposit"
}
