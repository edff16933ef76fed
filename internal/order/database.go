package order

import (
	"errors"
	"time"

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

func (d *Database) GetOrder(orderID string) (*Order, error) {
	var ord Order
	if err := d.db.Where("order_id = ?", orderID).First(&ord).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "order", Key: orderID}
		}
		return nil, err
	}
	return &ord, nil
}

func (d *Database) GetOrderByOrderIDAndUserID(orderID string, userID int64) (*Order, error) {
	var ord Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&ord).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "order", Key: orderID}
		}
		return nil, err
	}
	return &ord, nil
}

func (d *Database) GetOrderForUpdate(tx *gorm.DB, orderID string) (*Order, error) {
	var ord Order
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("order_id = ?", orderID).First(&ord).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "order", Key: orderID}
		}
		return nil, err
	}
	return &ord, nil
}

func (d *Database) ListOrdersByUser(userID int64, limit int) ([]Order, error) {
	var orders []Order
	err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ListExpiredOrders returns open orders whose expiry has passed.
func (d *Database) ListExpiredOrders(now time.Time, limit int) ([]Order, error) {
	var orders []Order
	err := d.db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Where("status IN ?", []string{StatusNew, StatusValidated, StatusFundsLocked, StatusPending, StatusPartiallyFilled}).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// GetIdempotencyRecord retrieves an idempotency record by key.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "idempotency record", Key: key}
		}
		return nil, err
	}
	return &record, nil
}

// CreateIdempotencyRecord stores the key-to-order mapping inside tx with a
// 24-hour lifetime.
func (d *Database) CreateIdempotencyRecord(tx *gorm.DB, key, resourceID string) error {
	record := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	return tx.Create(&record).Error
}
