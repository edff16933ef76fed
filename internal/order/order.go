// Package order implements the order saga state machine. Orders move
// NEW -> VALIDATED -> (FUNDS_LOCKED -> PENDING for BUYs) and fill through
// PARTIALLY_FILLED to FILLED; CANCELLED, REJECTED and EXPIRED are terminal.
// Every transition captures its event through the outbox in the same
// transaction as the status change.
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/config"
	"github.com/winvest/trading-core/internal/errs"
	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/market"
	"github.com/winvest/trading-core/internal/metrics"
	"github.com/winvest/trading-core/internal/outbox"
)

// Service handles order lifecycle operations.
type Service struct {
	db       *Database
	outbox   *outbox.Writer
	symbols  market.SymbolChecker
	cfg      config.TradingConfig
	location *time.Location
	metrics  *metrics.Metrics
}

func NewService(gormDB *gorm.DB, writer *outbox.Writer, symbols market.SymbolChecker, cfg config.TradingConfig, m *metrics.Metrics) *Service {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Str("timezone", cfg.Timezone).Msg("unknown timezone, falling back to UTC")
		location = time.UTC
	}
	return &Service{
		db:       NewDatabase(gormDB),
		outbox:   writer,
		symbols:  symbols,
		cfg:      cfg,
		location: location,
		metrics:  m,
	}
}

// CreateRequest is the order intake payload.
type CreateRequest struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Side        string          `json:"side" binding:"required"`
	OrderType   string          `json:"order_type" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TimeInForce string          `json:"time_in_force"`
}

// Create persists a NEW order and runs validation. A repeated call with the
// same idempotency key returns the original order without creating another.
func (s *Service) Create(ctx context.Context, userID int64, req CreateRequest, idempotencyKey string) (*Order, error) {
	if record, err := s.db.GetIdempotencyRecord(idempotencyKey); err == nil && record.ExpiresAt.After(time.Now()) {
		return s.db.GetOrder(record.ResourceID)
	} else if err != nil && !errs.IsNotFound(err) {
		return nil, err
	}

	if err := s.checkRequest(req); err != nil {
		return nil, err
	}
	if req.TimeInForce == "" {
		req.TimeInForce = TIFDay
	}

	ord := &Order{
		OrderID:          uuid.New().String(),
		UserID:           userID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		OrderType:        req.OrderType,
		Quantity:         req.Quantity,
		Price:            req.Price,
		StopPrice:        req.StopPrice,
		TotalAmount:      req.Quantity.Mul(req.Price),
		FilledQuantity:   decimal.Zero,
		AverageFillPrice: decimal.Zero,
		Status:           StatusNew,
		TimeInForce:      req.TimeInForce,
		ExpiresAt:        s.calculateExpiresAt(req.TimeInForce, time.Now()),
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

	if err := tx.Create(ord).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.db.CreateIdempotencyRecord(tx, idempotencyKey, ord.OrderID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, events.OrderCreated, s.orderEvent(ord, "")); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.metrics.IncOrderTransition(StatusNew)
	log.Info().
		Str("order_id", ord.OrderID).
		Int64("user_id", userID).
		Str("symbol", ord.Symbol).
		Str("side", ord.Side).
		Msg("order created")

	if err := s.Validate(ctx, ord.OrderID); err != nil {
		return nil, err
	}
	return s.db.GetOrder(ord.OrderID)
}

// checkRequest rejects malformed requests before any state exists.
func (s *Service) checkRequest(req CreateRequest) error {
	if req.Side != SideBuy && req.Side != SideSell {
		return &errs.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	switch req.OrderType {
	case TypeLimit, TypeMarket, TypeStopLoss, TypeStopLimit:
	default:
		return &errs.ValidationError{Field: "order_type", Reason: "must be LIMIT, MARKET, STOP_LOSS or STOP_LIMIT"}
	}
	if !req.Quantity.IsPositive() {
		return &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	// MARKET and STOP_LOSS orders execute at the market price; only LIMIT
	// and STOP_LIMIT carry an execution price of their own.
	if (req.OrderType == TypeLimit || req.OrderType == TypeStopLimit) && !req.Price.IsPositive() {
		return &errs.ValidationError{Field: "price", Reason: "must be positive for LIMIT and STOP_LIMIT orders"}
	}
	if (req.OrderType == TypeStopLoss || req.OrderType == TypeStopLimit) && !req.StopPrice.IsPositive() {
		return &errs.ValidationError{Field: "stop_price", Reason: "must be positive for stop orders"}
	}
	if req.TimeInForce != "" && req.TimeInForce != TIFDay && req.TimeInForce != TIFGTC && req.TimeInForce != TIFIOC {
		return &errs.ValidationError{Field: "time_in_force", Reason: "must be DAY, GTC or IOC"}
	}
	return nil
}

// Validate runs business validation on a NEW order and moves it to
// VALIDATED or REJECTED. Orders past NEW are left alone.
func (s *Service) Validate(ctx context.Context, orderID string) error {
	ord, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if ord.Status != StatusNew {
		return nil
	}

	if reason := s.businessCheck(ctx, ord); reason != "" {
		return s.transition(ord, StatusRejected, events.OrderRejected, reason)
	}
	if err := s.transition(ord, StatusValidated, events.OrderValidated, ""); err != nil {
		return err
	}
	// SELL orders have no cash obligation, so there is no funds lock to wait
	// for: they open for execution straight away.
	if ord.Side == SideSell {
		return s.transition(ord, StatusPending, events.OrderUpdated, "")
	}
	return nil
}

func (s *Service) businessCheck(ctx context.Context, ord *Order) string {
	if !s.symbols.SymbolExists(ctx, ord.Symbol) {
		return "UNKNOWN_SYMBOL"
	}
	if ord.Quantity.GreaterThan(s.cfg.MaxQuantityPerOrder) {
		return "QUANTITY_EXCEEDS_LIMIT"
	}
	// Orders without an execution price (MARKET, STOP_LOSS) have no notional
	// to band-check until they fill.
	if ord.TotalAmount.IsPositive() {
		if ord.TotalAmount.LessThan(s.cfg.MinOrderValue) {
			return "ORDER_VALUE_BELOW_MINIMUM"
		}
		if ord.TotalAmount.GreaterThan(s.cfg.MaxOrderValue) {
			return "ORDER_VALUE_ABOVE_MAXIMUM"
		}
	}
	return ""
}

// transition applies a status change and captures the matching event in one
// transaction.
func (s *Service) transition(ord *Order, status, routingKey, reason string) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord.Status = status
	if reason != "" {
		ord.RejectionReason = reason
	}
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, routingKey, s.orderEvent(ord, reason)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncOrderTransition(status)
	log.Info().
		Str("order_id", ord.OrderID).
		Str("status", status).
		Str("reason", reason).
		Msg("order transitioned")
	return nil
}

// HandleFundsLocked advances a VALIDATED BUY order through FUNDS_LOCKED to
// PENDING. Redelivered events find the order already past VALIDATED and do
// nothing.
func (s *Service) HandleFundsLocked(ctx context.Context, evt events.FundsLockedEvent) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord, err := s.db.GetOrderForUpdate(tx, evt.OrderID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if ord.Status != StatusValidated {
		tx.Rollback()
		log.Info().Str("order_id", ord.OrderID).Str("status", ord.Status).Msg("funds.locked ignored, order not awaiting lock")
		return nil
	}

	// Two-step: record the lock confirmation, then open the order for
	// execution.
	ord.Status = StatusFundsLocked
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	ord.Status = StatusPending
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, events.OrderUpdated, s.orderEvent(ord, "")); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncOrderTransition(StatusPending)
	log.Info().Str("order_id", ord.OrderID).Msg("funds locked, order pending execution")
	return nil
}

// MarkRejected applies a rejection raised elsewhere in the saga, typically
// the wallet engine refusing to lock funds. The rejection event is already
// on the wire, so no new event is captured here.
func (s *Service) MarkRejected(ctx context.Context, orderID, reason string) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord, err := s.db.GetOrderForUpdate(tx, orderID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if ord.IsTerminal() {
		tx.Rollback()
		return nil
	}

	ord.Status = StatusRejected
	ord.RejectionReason = reason
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncOrderTransition(StatusRejected)
	log.Info().Str("order_id", orderID).Str("reason", reason).Msg("order rejected")
	return nil
}

// ApplyExecution copies a trade's cumulative fill onto the order. Because
// the event carries totals rather than deltas, redelivery converges to the
// same state.
func (s *Service) ApplyExecution(ctx context.Context, evt events.TradeEvent) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord, err := s.db.GetOrderForUpdate(tx, evt.OrderID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if ord.IsTerminal() {
		tx.Rollback()
		return nil
	}
	if evt.FilledQuantity.LessThanOrEqual(ord.FilledQuantity) {
		// Stale or redelivered execution.
		tx.Rollback()
		return nil
	}

	ord.FilledQuantity = evt.FilledQuantity
	ord.AverageFillPrice = evt.AveragePrice

	routingKey := events.OrderUpdated
	if ord.FilledQuantity.GreaterThanOrEqual(ord.Quantity) {
		ord.Status = StatusFilled
		routingKey = events.OrderFilled
	} else {
		ord.Status = StatusPartiallyFilled
	}

	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, routingKey, s.orderEvent(ord, "")); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncOrderTransition(ord.Status)
	log.Info().
		Str("order_id", ord.OrderID).
		Str("filled", ord.FilledQuantity.String()).
		Str("avg_price", ord.AverageFillPrice.String()).
		Str("status", ord.Status).
		Msg("execution applied to order")
	return nil
}

// Cancel moves an open order to CANCELLED. Filled and otherwise terminal
// orders cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, orderID string, userID int64) (*Order, error) {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord, err := s.db.GetOrderForUpdate(tx, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if ord.UserID != userID {
		tx.Rollback()
		return nil, &errs.NotFoundError{Entity: "order", Key: orderID}
	}
	if ord.IsTerminal() {
		tx.Rollback()
		return nil, &errs.InvalidStateError{Entity: "order", ID: orderID, From: ord.Status, Action: "cancel"}
	}

	ord.Status = StatusCancelled
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, events.OrderCancelled, s.orderEvent(ord, "")); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.metrics.IncOrderTransition(StatusCancelled)
	log.Info().Str("order_id", orderID).Msg("order cancelled")
	return ord, nil
}

// ExpireOrders sweeps open orders past their expiry into EXPIRED. Called by
// the expiry scheduler.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	candidates, err := s.db.ListExpiredOrders(time.Now(), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range candidates {
		if err := s.expireOne(candidates[i].OrderID); err != nil {
			log.Error().Err(err).Str("order_id", candidates[i].OrderID).Msg("failed to expire order")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(orderID string) error {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ord, err := s.db.GetOrderForUpdate(tx, orderID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if ord.IsTerminal() || ord.ExpiresAt == nil || ord.ExpiresAt.After(time.Now()) {
		tx.Rollback()
		return nil
	}

	ord.Status = StatusExpired
	if err := tx.Save(ord).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := s.outbox.Capture(tx, "order", ord.OrderID, events.OrderExchange, events.OrderExpired, s.orderEvent(ord, "")); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	s.metrics.IncOrderTransition(StatusExpired)
	log.Info().Str("order_id", orderID).Msg("order expired")
	return nil
}

func (s *Service) GetOrder(orderID string, userID int64) (*Order, error) {
	return s.db.GetOrderByOrderIDAndUserID(orderID, userID)
}

func (s *Service) ListOrders(userID int64, limit int) ([]Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListOrdersByUser(userID, limit)
}

// calculateExpiresAt resolves the time-in-force to an absolute expiry. DAY
// orders die at market close, rolling to the next session when created
// after hours. GTC orders never expire. IOC orders expire immediately and
// survive only as long as the execution attempt.
func (s *Service) calculateExpiresAt(tif string, now time.Time) *time.Time {
	switch tif {
	case TIFGTC:
		return nil
	case TIFIOC:
		return &now
	default:
		local := now.In(s.location)
		closeAt := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.MarketCloseHour, s.cfg.MarketCloseMinute, 0, 0, s.location)
		if !local.Before(closeAt) {
			closeAt = closeAt.AddDate(0, 0, 1)
		}
		return &closeAt
	}
}

func (s *Service) orderEvent(ord *Order, reason string) events.OrderEvent {
	return events.OrderEvent{
		OrderID:     ord.OrderID,
		UserID:      ord.UserID,
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		OrderType:   ord.OrderType,
		Quantity:    ord.Quantity,
		Price:       ord.Price,
		TotalAmount: ord.TotalAmount,
		Status:      ord.Status,
		Reason:      reason,
		OccurredAt:  time.Now(),
	}
}
