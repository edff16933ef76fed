// Package database opens the shared GORM connection and migrates every
// schema the saga participants own.
package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/auth"
	"github.com/winvest/trading-core/internal/notification"
	"github.com/winvest/trading-core/internal/order"
	"github.com/winvest/trading-core/internal/outbox"
	"github.com/winvest/trading-core/internal/trade"
	"github.com/winvest/trading-core/internal/wallet"
)

// NewDatabase opens the database at dsn and auto-migrates all models.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&auth.Account{},
		&outbox.Event{},
		&wallet.Wallet{},
		&wallet.FundsLock{},
		&wallet.Transaction{},
		&order.Order{},
		&order.IdempotencyRecord{},
		&trade.Trade{},
		&trade.Fill{},
		&notification.Notification{},
		&notification.Delivery{},
		&notification.ChannelPreference{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
