// Package trade implements the execution-side state machine. A trade is
// created from the order saga once funding is secured, placed on a venue,
// and accumulates fills until it closes.
package trade

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/config"
	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/metrics"
	"github.com/winvest/trading-core/internal/outbox"
)

// Service handles trade lifecycle operations.
type Service struct {
	db      *Database
	outbox  *outbox.Writer
	cfg     config.TradingConfig
	metrics *metrics.Metrics
}

func NewService(gormDB *gorm.DB, writer *outbox.Writer, cfg config.TradingConfig, m *metrics.Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		outbox:  writer,
		cfg:     cfg,
		metrics: m,
	}
}

// CreateRequest carries the order attributes a trade is built from.
type CreateRequest struct {
	OrderID   string
	UserID    int64
	Symbol    string
	Side      string
	OrderType string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// CreateFromOrder creates, validates and places a trade for an order. The
// unique OrderID index makes this idempotent: a redelivered saga event
// finds the existing trade and returns it unchanged.
func (s *Service) CreateFromOrder(ctx context.Context, req CreateRequest) (*Trade, error) {
	if existing, err := s.db.GetTradeByOrderID(req.OrderID); err == nil {
		return existing, nil
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	trade := &Trade{
		TradeID:          uuid.New().String(),
		OrderID:          req.OrderID,
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		OrderType:        req.OrderType,
		Quantity:         req.Quantity,
		Price:            req.Price,
		ExecutedQuantity: decimal.Zero,
		AveragePrice:     decimal.Zero,
		Status:           StatusCreated,
	}

	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(trade).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.outbox.Capture(tx, "trade", trade.TradeID, events.TradeExchange, events.TradeCreated, s.tradeEvent(trade, decimal.Zero, decimal.Zero, "")); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	s.metrics.IncTradeTransition(StatusCreated)

	if reason := s.validateTrade(trade); reason != "" {
		if err := s.transition(trade, StatusFailed, events.TradeFailed, reason); err != nil {
			return nil, err
		}
		return trade, nil
	}
	if err := s.transition(trade, StatusValidated, "", ""); err != nil {
		return nil, err
	}
	if err := s.transition(trade, StatusPlaced, events.TradePlaced, ""); err != nil {
		return nil, err
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("order_id", trade.OrderID).
		Str("symbol", trade.Symbol).
		Msg("trade placed for execution")
	return trade, nil
}

// symbolPattern matches exchange tickers: uppercase alphanumeric, leading
// letter, at most 20 characters.
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,19}$`)

func (s *Service) validateTrade(trade *Trade) string {
	if !symbolPattern.MatchString(trade.Symbol) {
		return "INVALID_SYMBOL"
	}
	if !trade.Quantity.IsPositive() {
		return "INVALID_QUANTITY"
	}
	if trade.Quantity.GreaterThan(s.cfg.MaxQuantityPerOrder) {
		return "QUANTITY_EXCEEDS_LIMIT"
	}
	if !trade.Price.IsPositive() {
		return "INVALID_PRICE"
	}
	notional := trade.Quantity.Mul(trade.Price)
	if notional.LessThan(s.cfg.MinOrderValue) {
		return "NOTIONAL_BELOW_MINIMUM"
	}
	if notional.GreaterThan(s.cfg.MaxOrderValue) {
		return "NOTIONAL_EXCEEDS_LIMIT"
	}
	return ""
}

// transition applies a status change; a non-empty routingKey also captures
// the matching event.
func (s *Service) transition(trade *Trade, status, routingKey, reason string) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	trade.Status = status
	if reason != "" {
		trade.FailureReason = reason
	}
	if err := tx.Save(trade).Error; err != nil {
		tx.Rollback()
		return err
	}
	if routingKey != "" {
		if err := s.outbox.Capture(tx, "trade", trade.TradeID, events.TradeExchange, routingKey, s.tradeEvent(trade, decimal.Zero, decimal.Zero, reason)); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}
	s.metrics.IncTradeTransition(status)
	return nil
}

// RecordFill applies one execution increment. The average price is the
// quantity-weighted mean of all fills, rounded half-up to 4 decimal places.
// A fill that completes the quantity moves the trade through FILLED to
// CLOSED in the same transaction.
func (s *Service) RecordFill(ctx context.Context, tradeID string, fill Fill) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	trade, err := s.db.GetTradeForUpdate(tx, tradeID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if trade.IsTerminal() {
		tx.Rollback()
		return &errs.InvalidStateError{Entity: "trade", ID: tradeID, From: trade.Status, Action: "fill"}
	}

	remaining := trade.Quantity.Sub(trade.ExecutedQuantity)
	if fill.Quantity.GreaterThan(remaining) {
		fill.Quantity = remaining
	}
	if !fill.Quantity.IsPositive() {
		tx.Rollback()
		return nil
	}

	totalValue := trade.AveragePrice.Mul(trade.ExecutedQuantity).Add(fill.Price.Mul(fill.Quantity))
	trade.ExecutedQuantity = trade.ExecutedQuantity.Add(fill.Quantity)
	trade.AveragePrice = totalValue.DivRound(trade.ExecutedQuantity, 4)

	partial := trade.ExecutedQuantity.LessThan(trade.Quantity)
	if partial {
		trade.Status = StatusPartiallyFilled
	} else {
		trade.Status = StatusFilled
	}

	if err := tx.Save(trade).Error; err != nil {
		tx.Rollback()
		return err
	}

	fill.TradeID = trade.TradeID
	if fill.FillID == "" {
		fill.FillID = uuid.New().String()
	}
	if err := tx.Create(&fill).Error; err != nil {
		tx.Rollback()
		return err
	}

	executed := s.tradeEvent(trade, fill.Quantity, fill.Price, "")
	executed.PartialFill = partial
	if err := s.outbox.Capture(tx, "trade", trade.TradeID, events.TradeExchange, events.TradeExecuted, executed); err != nil {
		tx.Rollback()
		return err
	}

	if !partial {
		trade.Status = StatusClosed
		if err := tx.Save(trade).Error; err != nil {
			tx.Rollback()
			return err
		}
		if err := s.outbox.Capture(tx, "trade", trade.TradeID, events.TradeExchange, events.TradeClosed, s.tradeEvent(trade, decimal.Zero, decimal.Zero, "")); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncTradeTransition(trade.Status)
	log.Info().
		Str("trade_id", trade.TradeID).
		Str("fill_qty", fill.Quantity.String()).
		Str("fill_price", fill.Price.String()).
		Str("executed", trade.ExecutedQuantity.String()).
		Str("avg_price", trade.AveragePrice.String()).
		Bool("partial", partial).
		Msg("fill recorded")
	return nil
}

// MarkExecuting flags a placed trade as actively executing on a venue.
func (s *Service) MarkExecuting(ctx context.Context, tradeID string) error {
	trade, err := s.db.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != StatusPlaced {
		return nil
	}
	return s.transition(trade, StatusExecuting, "", "")
}

// MarkFailed moves a trade to FAILED and announces it.
func (s *Service) MarkFailed(ctx context.Context, tradeID, reason string) error {
	trade, err := s.db.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.IsTerminal() {
		return nil
	}
	log.Warn().Str("trade_id", tradeID).Str("reason", reason).Msg("trade failed")
	return s.transition(trade, StatusFailed, events.TradeFailed, reason)
}

func (s *Service) GetTrade(tradeID string) (*Trade, error) {
	return s.db.GetTrade(tradeID)
}

func (s *Service) GetTradeByOrderID(orderID string) (*Trade, error) {
	return s.db.GetTradeByOrderID(orderID)
}

func (s *Service) ListTrades(userID int64, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListTradesByUser(userID, limit)
}

func (s *Service) ListFills(tradeID string) ([]Fill, error) {
	return s.db.ListFills(tradeID)
}

func (s *Service) tradeEvent(trade *Trade, fillQty, fillPrice decimal.Decimal, reason string) events.TradeEvent {
	return events.TradeEvent{
		TradeID:          trade.TradeID,
		OrderID:          trade.OrderID,
		UserID:           trade.UserID,
		Symbol:           trade.Symbol,
		Side:             trade.Side,
		Quantity:         trade.Quantity,
		Price:            trade.Price,
		ExecutedQuantity: fillQty,
		ExecutedPrice:    fillPrice,
		FilledQuantity:   trade.ExecutedQuantity,
		AveragePrice:     trade.AveragePrice,
		Status:           trade.Status,
		Reason:           reason,
		OccurredAt:       time.Now(),
	}
}
