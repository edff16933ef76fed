package trade

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/winvest/trading-core/internal/config"
	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/outbox"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&Trade{}, &Fill{}, &outbox.Event{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	cfg := config.TradingConfig{
		ExpirySweepInterval: time.Minute,
		MaxQuantityPerOrder: decimal.RequireFromString("100000"),
		MinOrderValue:       decimal.RequireFromString("100"),
		MaxOrderValue:       decimal.RequireFromString("10000000"),
	}
	return NewService(db, outbox.NewWriter(), cfg, nil), db
}

func buyRequest(orderID, qty, price string) CreateRequest {
	return CreateRequest{
		OrderID:   orderID,
		UserID:    1,
		Symbol:    "RELIANCE",
		Side:      "BUY",
		OrderType: "LIMIT",
		Quantity:  decimal.RequireFromString(qty),
		Price:     decimal.RequireFromString(price),
	}
}

func TestCreateFromOrderPlacesTrade(t *testing.T) {
	service, db := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}

	placed, _ := service.GetTrade(trade.TradeID)
	if placed.Status != StatusPlaced {
		t.Errorf("status = %s, want PLACED", placed.Status)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.TradeCreated).Count(&count)
	if count != 1 {
		t.Errorf("trade.created events = %d, want 1", count)
	}
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.TradePlaced).Count(&count)
	if count != 1 {
		t.Errorf("trade.placed events = %d, want 1", count)
	}
}

func TestCreateFromOrderIsIdempotent(t *testing.T) {
	service, db := newTestService(t)

	first, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("first CreateFromOrder: %v", err)
	}
	second, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("second CreateFromOrder: %v", err)
	}
	if first.TradeID != second.TradeID {
		t.Errorf("duplicate create produced a new trade")
	}

	var count int64
	db.Model(&Trade{}).Count(&count)
	if count != 1 {
		t.Errorf("trade rows = %d, want 1", count)
	}
}

func TestCreateFromOrderFailsOversizedNotional(t *testing.T) {
	service, db := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "100000", "10000"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}
	if trade.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", trade.Status)
	}
	if trade.FailureReason != "NOTIONAL_EXCEEDS_LIMIT" {
		t.Errorf("reason = %s, want NOTIONAL_EXCEEDS_LIMIT", trade.FailureReason)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.TradeFailed).Count(&count)
	if count != 1 {
		t.Errorf("trade.failed events = %d, want 1", count)
	}
}

func TestValidationBands(t *testing.T) {
	service, _ := newTestService(t)

	cases := []struct {
		name   string
		req    CreateRequest
		reason string
	}{
		{"quantity over ceiling", buyRequest("ord-q", "100001", "10"), "QUANTITY_EXCEEDS_LIMIT"},
		{"quantity at ceiling", buyRequest("ord-qe", "100000", "10"), ""},
		{"notional below minimum", buyRequest("ord-min", "1", "99"), "NOTIONAL_BELOW_MINIMUM"},
		{"notional at minimum", buyRequest("ord-mine", "1", "100"), ""},
		{"notional at maximum", buyRequest("ord-maxe", "1000", "10000"), ""},
		{"notional above maximum", buyRequest("ord-max", "1001", "10000"), "NOTIONAL_EXCEEDS_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trade, err := service.CreateFromOrder(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("CreateFromOrder: %v", err)
			}
			if tc.reason == "" {
				if trade.Status != StatusPlaced {
					t.Errorf("status = %s, want PLACED", trade.Status)
				}
				return
			}
			if trade.Status != StatusFailed {
				t.Errorf("status = %s, want FAILED", trade.Status)
			}
			if trade.FailureReason != tc.reason {
				t.Errorf("reason = %s, want %s", trade.FailureReason, tc.reason)
			}
		})
	}
}

func TestValidationRejectsMalformedSymbol(t *testing.T) {
	service, _ := newTestService(t)

	for i, symbol := range []string{"reliance", "1INFY", "TOO LONG SYMBOL", "RELIANCEABCDEFGHIJKLM"} {
		req := buyRequest("ord-sym", "10", "100")
		req.OrderID = req.OrderID + "-" + symbol
		req.Symbol = symbol
		trade, err := service.CreateFromOrder(context.Background(), req)
		if err != nil {
			t.Fatalf("case %d CreateFromOrder: %v", i, err)
		}
		if trade.Status != StatusFailed || trade.FailureReason != "INVALID_SYMBOL" {
			t.Errorf("symbol %q: status = %s reason = %s, want FAILED/INVALID_SYMBOL", symbol, trade.Status, trade.FailureReason)
		}
	}
}

func TestRecordFillWeightedAverage(t *testing.T) {
	service, db := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "110"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}

	fillA := Fill{Quantity: decimal.RequireFromString("5"), Price: decimal.RequireFromString("100")}
	if err := service.RecordFill(context.Background(), trade.TradeID, fillA); err != nil {
		t.Fatalf("first RecordFill: %v", err)
	}

	partial, _ := service.GetTrade(trade.TradeID)
	if partial.Status != StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", partial.Status)
	}

	fillB := Fill{Quantity: decimal.RequireFromString("5"), Price: decimal.RequireFromString("120")}
	if err := service.RecordFill(context.Background(), trade.TradeID, fillB); err != nil {
		t.Fatalf("second RecordFill: %v", err)
	}

	closed, _ := service.GetTrade(trade.TradeID)
	if closed.Status != StatusClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
	if !closed.AveragePrice.Equal(decimal.RequireFromString("110.0000")) {
		t.Errorf("average price = %s, want 110.0000", closed.AveragePrice)
	}
	if !closed.ExecutedQuantity.Equal(decimal.RequireFromString("10")) {
		t.Errorf("executed = %s, want 10", closed.ExecutedQuantity)
	}

	var count int64
	db.Model(&outbox.Event{}).Where("routing_key = ?", events.TradeClosed).Count(&count)
	if count != 1 {
		t.Errorf("trade.closed events = %d, want 1", count)
	}
}

func TestRecordFillEventCarriesCumulativeTotals(t *testing.T) {
	service, db := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}

	fill := Fill{Quantity: decimal.RequireFromString("4"), Price: decimal.RequireFromString("99")}
	if err := service.RecordFill(context.Background(), trade.TradeID, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	var row outbox.Event
	if err := db.Where("routing_key = ?", events.TradeExecuted).First(&row).Error; err != nil {
		t.Fatalf("expected trade.executed outbox row: %v", err)
	}
	var evt events.TradeEvent
	if err := json.Unmarshal([]byte(row.Payload), &evt); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !evt.PartialFill {
		t.Error("expected partial_fill = true")
	}
	if !evt.ExecutedQuantity.Equal(decimal.RequireFromString("4")) {
		t.Errorf("increment = %s, want 4", evt.ExecutedQuantity)
	}
	if !evt.FilledQuantity.Equal(decimal.RequireFromString("4")) {
		t.Errorf("cumulative = %s, want 4", evt.FilledQuantity)
	}
}

func TestRecordFillCapsOverfill(t *testing.T) {
	service, _ := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}

	oversized := Fill{Quantity: decimal.RequireFromString("15"), Price: decimal.RequireFromString("100")}
	if err := service.RecordFill(context.Background(), trade.TradeID, oversized); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	closed, _ := service.GetTrade(trade.TradeID)
	if !closed.ExecutedQuantity.Equal(decimal.RequireFromString("10")) {
		t.Errorf("executed = %s, want capped at 10", closed.ExecutedQuantity)
	}
	if closed.Status != StatusClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
}

func TestRecordFillOnClosedTradeFails(t *testing.T) {
	service, _ := newTestService(t)

	trade, err := service.CreateFromOrder(context.Background(), buyRequest("ord-1", "10", "100"))
	if err != nil {
		t.Fatalf("CreateFromOrder: %v", err)
	}
	full := Fill{Quantity: decimal.RequireFromString("10"), Price: decimal.RequireFromString("100")}
	if err := service.RecordFill(context.Background(), trade.TradeID, full); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	extra := Fill{Quantity: decimal.RequireFromString("1"), Price: decimal.RequireFromString("100")}
	err = service.RecordFill(context.Background(), trade.TradeID, extra)
	var invalid *errs.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}
