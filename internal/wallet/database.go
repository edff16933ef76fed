package wallet

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/winvest/trading-core/internal/errs"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Begin() *gorm.DB {
	return d.db.Begin()
}

func (d *Database) CreateWallet(wallet *Wallet) error {
	return d.db.Create(wallet).Error
}

func (d *Database) GetWalletByUserID(userID int64) (*Wallet, error) {
	var wallet Wallet
	if err := d.db.Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "wallet", Key: "user"}
		}
		return nil, err
	}
	return &wallet, nil
}

// forUpdate adds a FOR UPDATE locking clause where the dialect supports
// it. sqlite serializes writers itself and rejects the syntax.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetWalletForUpdate loads the wallet row with a row lock inside tx. All
// balance mutations go through this so concurrent operations on one wallet
// serialize at the row.
func (d *Database) GetWalletForUpdate(tx *gorm.DB, userID int64) (*Wallet, error) {
	var wallet Wallet
	err := forUpdate(tx).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "wallet", Key: "user"}
		}
		return nil, err
	}
	return &wallet, nil
}

func (d *Database) GetLockByOrderID(orderID string) (*FundsLock, error) {
	var lock FundsLock
	if err := d.db.Where("order_id = ?", orderID).First(&lock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "funds lock", Key: orderID}
		}
		return nil, err
	}
	return &lock, nil
}

func (d *Database) GetLockByOrderIDForUpdate(tx *gorm.DB, orderID string) (*FundsLock, error) {
	var lock FundsLock
	err := forUpdate(tx).
		Where("order_id = ?", orderID).
		First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "funds lock", Key: orderID}
		}
		return nil, err
	}
	return &lock, nil
}

func (d *Database) CreateTransaction(record *Transaction) error {
	return d.db.Create(record).Error
}

func (d *Database) GetTransactionByReference(referenceID string) (*Transaction, error) {
	var transaction Transaction
	err := d.db.Where("reference_id = ?", referenceID).
		First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "transaction", Key: referenceID}
		}
		return nil, err
	}
	return &transaction, nil
}

// GetTransactionByReferenceForUpdate loads a transaction row with a row
// lock inside tx so a racing confirmation cannot complete it twice.
func (d *Database) GetTransactionByReferenceForUpdate(tx *gorm.DB, referenceID string) (*Transaction, error) {
	var transaction Transaction
	err := forUpdate(tx).
		Where("reference_id = ?", referenceID).
		First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "transaction", Key: referenceID}
		}
		return nil, err
	}
	return &transaction, nil
}

func (d *Database) ListTransactions(userID int64, limit int) ([]Transaction, error) {
	var transactions []Transaction
	err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (d *Database) ListLocksByUser(userID int64) ([]FundsLock, error) {
	var locks []FundsLock
	err := d.db.Where("user_id = ? AND status = ?", userID, LockStatusActive).
		Order("created_at DESC").
		Find(&locks).Error
	return locks, err
}
