package trade

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

func (d *Database) GetTrade(tradeID string) (*Trade, error) {
	var trade Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "trade", Key: tradeID}
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) GetTradeByOrderID(orderID string) (*Trade, error) {
	var trade Trade
	if err := d.db.Where("order_id = ?", orderID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "trade", Key: orderID}
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) GetTradeForUpdate(tx *gorm.DB, tradeID string) (*Trade, error) {
	var trade Trade
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "trade", Key: tradeID}
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) ListTradesByUser(userID int64, limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

func (d *Database) ListFills(tradeID string) ([]Fill, error) {
	var fills []Fill
	err := d.db.Where("trade_id = ?", tradeID).
		Order("created_at ASC").
		Find(&fills).Error
	return fills, err
}
