package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/ledger"
	"github.com/winvest/trading-core/internal/outbox"
)

type fakeRecorder struct {
	entries []ledger.Entry
	fail    bool
}

func (f *fakeRecorder) RecordEntry(_ context.Context, entry ledger.Entry) error {
	if f.fail {
		return errors.New("ledger unavailable")
	}
	f.entries = append(f.entries, entry)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Wallet{}, &FundsLock{}, &Transaction{}, &outbox.Event{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeRecorder) {
	t.Helper()
	db := newTestDB(t)
	recorder := &fakeRecorder{}
	service := NewService(db, outbox.NewWriter(), recorder, nil)
	return service, db, recorder
}

func fundWallet(t *testing.T, db *gorm.DB, userID int64, available string) *Wallet {
	t.Helper()
	wallet := &Wallet{
		UserID:           userID,
		AvailableBalance: decimal.RequireFromString(available),
		LockedBalance:    decimal.Zero,
		Currency:         "INR",
	}
	if err := db.Create(wallet).Error; err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return wallet
}

func buyOrderEvent(orderID string, userID int64, total string) events.OrderEvent {
	return events.OrderEvent{
		OrderID:     orderID,
		UserID:      userID,
		Symbol:      "RELIANCE",
		Side:        "BUY",
		OrderType:   "LIMIT",
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.RequireFromString("100"),
		TotalAmount: decimal.RequireFromString(total),
		Status:      "VALIDATED",
	}
}

func TestLockFundsMovesAvailableToLocked(t *testing.T) {
	service, db, recorder := newTestService(t)
	fundWallet(t, db, 1, "5000")

	if err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "1000")); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}

	wallet, err := service.GetWallet(1)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("4000")) {
		t.Errorf("available = %s, want 4000", wallet.AvailableBalance)
	}
	if !wallet.LockedBalance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("locked = %s, want 1000", wallet.LockedBalance)
	}

	var lock FundsLock
	if err := db.Where("order_id = ?", "ord-1").First(&lock).Error; err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if lock.Status != LockStatusActive {
		t.Errorf("lock status = %s, want ACTIVE", lock.Status)
	}

	var outboxRow outbox.Event
	if err := db.Where("routing_key = ?", events.FundsLocked).First(&outboxRow).Error; err != nil {
		t.Fatalf("expected funds.locked outbox row: %v", err)
	}
	if len(recorder.entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(recorder.entries))
	}
}

func TestLockFundsDuplicateIsNoOp(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "5000")

	evt := buyOrderEvent("ord-1", 1, "1000")
	if err := service.LockFunds(context.Background(), evt); err != nil {
		t.Fatalf("first LockFunds: %v", err)
	}
	err := service.LockFunds(context.Background(), evt)
	if !errors.Is(err, errs.ErrDuplicateLock) {
		t.Fatalf("second LockFunds err = %v, want ErrDuplicateLock", err)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.LockedBalance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("locked = %s, want 1000 after duplicate lock", wallet.LockedBalance)
	}

	var count int64
	db.Model(&FundsLock{}).Where("order_id = ?", "ord-1").Count(&count)
	if count != 1 {
		t.Errorf("lock rows = %d, want 1", count)
	}
}

func TestLockFundsInsufficientCapturesRejection(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "500")

	err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "1000"))
	var insufficient *errs.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("500")) {
		t.Errorf("available = %s, want untouched 500", wallet.AvailableBalance)
	}
	if !wallet.LockedBalance.IsZero() {
		t.Errorf("locked = %s, want 0", wallet.LockedBalance)
	}

	var rejected outbox.Event
	if err := db.Where("routing_key = ?", events.OrderRejected).First(&rejected).Error; err != nil {
		t.Fatalf("expected order.rejected outbox row: %v", err)
	}
}

func TestLedgerFailureAbortsLock(t *testing.T) {
	service, db, recorder := newTestService(t)
	fundWallet(t, db, 1, "5000")
	recorder.fail = true

	err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "1000"))
	if err == nil {
		t.Fatal("expected error when ledger is down")
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("5000")) {
		t.Errorf("available = %s, want 5000 after rollback", wallet.AvailableBalance)
	}

	var count int64
	db.Model(&FundsLock{}).Count(&count)
	if count != 0 {
		t.Errorf("lock rows = %d, want 0 after rollback", count)
	}
	db.Model(&outbox.Event{}).Count(&count)
	if count != 0 {
		t.Errorf("outbox rows = %d, want 0 after rollback", count)
	}
}

func TestReleaseFundsIsIdempotent(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "5000")

	if err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "1000")); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}
	if err := service.ReleaseFunds(context.Background(), "ord-1", ReleaseReasonCancelled); err != nil {
		t.Fatalf("first ReleaseFunds: %v", err)
	}
	if err := service.ReleaseFunds(context.Background(), "ord-1", ReleaseReasonCancelled); err != nil {
		t.Fatalf("second ReleaseFunds: %v", err)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("5000")) {
		t.Errorf("available = %s, want 5000 restored exactly once", wallet.AvailableBalance)
	}
	if !wallet.LockedBalance.IsZero() {
		t.Errorf("locked = %s, want 0", wallet.LockedBalance)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.FundsReleased).Count(&count)
	if count != 1 {
		t.Errorf("funds.released events = %d, want 1", count)
	}
}

func TestSettleFundsRefundsDifference(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "5000")

	if err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "1000")); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}
	if err := service.SettleFunds(context.Background(), "ord-1", decimal.RequireFromString("950")); err != nil {
		t.Fatalf("SettleFunds: %v", err)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("4050")) {
		t.Errorf("available = %s, want 4050 (refund of 50)", wallet.AvailableBalance)
	}
	if !wallet.LockedBalance.IsZero() {
		t.Errorf("locked = %s, want 0", wallet.LockedBalance)
	}

	var lock FundsLock
	db.Where("order_id = ?", "ord-1").First(&lock)
	if lock.Status != LockStatusSettled {
		t.Errorf("lock status = %s, want SETTLED", lock.Status)
	}

	var record Transaction
	if err := db.Where("reference_id = ? AND type = ?", "ord-1", TxTypeSettlement).First(&record).Error; err != nil {
		t.Fatalf("expected settlement transaction: %v", err)
	}
	if !record.Amount.Equal(decimal.RequireFromString("950")) {
		t.Errorf("settlement amount = %s, want 950", record.Amount)
	}

	// Settling again is a no-op.
	if err := service.SettleFunds(context.Background(), "ord-1", decimal.RequireFromString("950")); err != nil {
		t.Fatalf("second SettleFunds: %v", err)
	}
	wallet, _ = service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("4050")) {
		t.Errorf("available = %s after re-settle, want 4050", wallet.AvailableBalance)
	}
}

func TestDepositLifecycleCreditsOnConfirm(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")

	pending, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("2500"), "dep-1", "UPI")
	if err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}
	if pending.Status != TxStatusPending {
		t.Errorf("status = %s, want PENDING", pending.Status)
	}

	// Nothing moves until the gateway confirms.
	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.IsZero() {
		t.Errorf("available = %s before confirmation, want 0", wallet.AvailableBalance)
	}

	confirmed, err := service.ConfirmDeposit(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if confirmed.Status != TxStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", confirmed.Status)
	}

	wallet, _ = service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("2500")) {
		t.Errorf("available = %s, want 2500", wallet.AvailableBalance)
	}

	// Redelivered confirmation does not credit twice.
	if _, err := service.ConfirmDeposit(context.Background(), "dep-1"); err != nil {
		t.Fatalf("second ConfirmDeposit: %v", err)
	}
	wallet, _ = service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("2500")) {
		t.Errorf("available = %s after reconfirm, want 2500", wallet.AvailableBalance)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.FundsDeposited).Count(&count)
	if count != 1 {
		t.Errorf("funds.deposited events = %d, want 1", count)
	}
}

func TestInitiateDepositIsIdempotentByReference(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")

	first, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("2500"), "dep-1", "UPI")
	if err != nil {
		t.Fatalf("first InitiateDeposit: %v", err)
	}
	second, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("2500"), "dep-1", "UPI")
	if err != nil {
		t.Fatalf("second InitiateDeposit: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Errorf("duplicate initiation created a new transaction")
	}

	var count int64
	db.Model(&Transaction{}).Count(&count)
	if count != 1 {
		t.Errorf("transaction rows = %d, want 1", count)
	}
}

func TestWithdrawalRefusesLockedFunds(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "1000")

	if err := service.LockFunds(context.Background(), buyOrderEvent("ord-1", 1, "900")); err != nil {
		t.Fatalf("LockFunds: %v", err)
	}

	_, err := service.InitiateWithdrawal(context.Background(), 1, decimal.RequireFromString("500"), "wd-1", "BANK")
	var insufficient *errs.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}

	if _, err := service.InitiateWithdrawal(context.Background(), 1, decimal.RequireFromString("100"), "wd-2", "BANK"); err != nil {
		t.Fatalf("InitiateWithdrawal within available: %v", err)
	}
	record, err := service.CompleteWithdrawal(context.Background(), "wd-2")
	if err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}
	if !record.BalanceAfter.IsZero() {
		t.Errorf("balance after = %s, want 0", record.BalanceAfter)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.FundsWithdrawn).Count(&count)
	if count != 1 {
		t.Errorf("funds.withdrawn events = %d, want 1", count)
	}
}

func TestFailTransactionOnlyFromPending(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")

	if _, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("500"), "dep-1", "UPI"); err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}
	failed, err := service.FailTransaction(context.Background(), "dep-1", "GATEWAY_DECLINED")
	if err != nil {
		t.Fatalf("FailTransaction: %v", err)
	}
	if failed.Status != TxStatusFailed {
		t.Errorf("status = %s, want FAILED", failed.Status)
	}
	if failed.FailureReason != "GATEWAY_DECLINED" {
		t.Errorf("reason = %s, want GATEWAY_DECLINED", failed.FailureReason)
	}

	// A failed deposit cannot be confirmed afterwards.
	record, err := service.ConfirmDeposit(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("ConfirmDeposit after failure: %v", err)
	}
	if record.Status != TxStatusFailed {
		t.Errorf("status = %s after confirm attempt, want FAILED", record.Status)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.IsZero() {
		t.Errorf("available = %s, want 0", wallet.AvailableBalance)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.FundsDeposited).Count(&count)
	if count != 0 {
		t.Errorf("funds.deposited events = %d, want 0", count)
	}
}

func TestCancelPendingDeposit(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")

	if _, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("500"), "dep-1", "UPI"); err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}
	cancelled, err := service.CancelTransaction(context.Background(), "dep-1", "CANCELLED_BY_USER")
	if err != nil {
		t.Fatalf("CancelTransaction: %v", err)
	}
	if cancelled.Status != TxStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	// Cancelling again is a no-op.
	again, err := service.CancelTransaction(context.Background(), "dep-1", "CANCELLED_BY_USER")
	if err != nil {
		t.Fatalf("second CancelTransaction: %v", err)
	}
	if again.Status != TxStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", again.Status)
	}
}

func TestHandlePaymentCompletedCreditsOnce(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")
	listener := NewListener(service)

	body, _ := json.Marshal(events.PaymentEvent{
		PaymentID: "pay-1",
		UserID:    1,
		Amount:    decimal.RequireFromString("750"),
		Method:    "UPI",
	})
	if err := listener.HandlePayment(context.Background(), events.PaymentCompleted, body); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}
	if err := listener.HandlePayment(context.Background(), events.PaymentCompleted, body); err != nil {
		t.Fatalf("redelivered HandlePayment: %v", err)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.Equal(decimal.RequireFromString("750")) {
		t.Errorf("available = %s, want 750 credited once", wallet.AvailableBalance)
	}
}

func TestHandlePaymentFailedMarksPendingDeposit(t *testing.T) {
	service, db, _ := newTestService(t)
	fundWallet(t, db, 1, "0")
	listener := NewListener(service)

	if _, err := service.InitiateDeposit(context.Background(), 1, decimal.RequireFromString("500"), "dep-1", "UPI"); err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}

	body, _ := json.Marshal(events.PaymentEvent{
		PaymentID:   "pay-1",
		UserID:      1,
		Amount:      decimal.RequireFromString("500"),
		ReferenceID: "dep-1",
		Reason:      "GATEWAY_DECLINED",
	})
	if err := listener.HandlePayment(context.Background(), events.PaymentFailed, body); err != nil {
		t.Fatalf("HandlePayment: %v", err)
	}

	var record Transaction
	if err := db.Where("reference_id = ?", "dep-1").First(&record).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if record.Status != TxStatusFailed {
		t.Errorf("status = %s, want FAILED", record.Status)
	}

	wallet, _ := service.GetWallet(1)
	if !wallet.AvailableBalance.IsZero() {
		t.Errorf("available = %s, want 0", wallet.AvailableBalance)
	}
}

func TestCreateWalletForUserIsIdempotent(t *testing.T) {
	service, db, _ := newTestService(t)

	if err := service.CreateWalletForUser(7); err != nil {
		t.Fatalf("first CreateWalletForUser: %v", err)
	}
	if err := service.CreateWalletForUser(7); err != nil {
		t.Fatalf("second CreateWalletForUser: %v", err)
	}

	var count int64
	db.Model(&Wallet{}).Where("user_id = ?", 7).Count(&count)
	if count != 1 {
		t.Errorf("wallet rows = %d, want 1", count)
	}
}
