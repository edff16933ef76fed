package trade

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue represents a mock execution venue.
type Venue struct {
	ID              string
	Name            string
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, share of remaining quantity it can absorb
	SuccessRate     float64 // 0-1, probability of a successful attempt
	FeeRate         float64 // fraction of transaction value
}

var mockVenues = []*Venue{
	{
		ID:              "VENUE1",
		Name:            "Primary Exchange",
		MinLatency:      5,
		MaxLatency:      30,
		LiquidityFactor: 0.9,
		SuccessRate:     0.95,
		FeeRate:         0.001, // 0.1%
	},
	{
		ID:              "VENUE2",
		Name:            "Secondary Exchange",
		MinLatency:      10,
		MaxLatency:      50,
		LiquidityFactor: 0.7,
		SuccessRate:     0.90,
		FeeRate:         0.0008, // 0.08%
	},
	{
		ID:              "VENUE3",
		Name:            "Regional Exchange",
		MinLatency:      15,
		MaxLatency:      70,
		LiquidityFactor: 0.5,
		SuccessRate:     0.85,
		FeeRate:         0.0005, // 0.05%
	},
	{
		ID:              "VENUE4",
		Name:            "Dark Pool",
		MinLatency:      20,
		MaxLatency:      100,
		LiquidityFactor: 0.3,
		SuccessRate:     0.75,
		FeeRate:         0.0003, // 0.03%
	},
}

// Engine simulates execution of placed trades across mock venues and feeds
// the resulting fills back into the trade service.
type Engine struct {
	service *Service
	venues  []*Venue
}

func NewEngine(service *Service) *Engine {
	return &Engine{
		service: service,
		venues:  mockVenues,
	}
}

// Execute runs a placed trade to completion or failure. Up to three venue
// attempts are made; whatever quantity remains unfilled after that stays
// with the trade as a partial fill.
func (e *Engine) Execute(ctx context.Context, tradeID string) error {
	trade, err := e.service.GetTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != StatusPlaced {
		log.Info().Str("trade_id", tradeID).Str("status", trade.Status).Msg("trade not placed, skipping execution")
		return nil
	}

	logger := log.With().
		Str("trade_id", trade.TradeID).
		Str("order_id", trade.OrderID).
		Str("side", trade.Side).
		Logger()
	logger.Info().Msg("starting cross-venue execution")

	if err := e.service.MarkExecuting(ctx, tradeID); err != nil {
		return err
	}

	remaining := trade.Quantity
	filled := false

	for i := 0; i < 3 && remaining.IsPositive(); i++ {
		venue := e.bestVenue()

		fill, ok := venue.attempt(trade, remaining)
		if !ok {
			logger.Warn().Str("venue_id", venue.ID).Int("attempt", i+1).Msg("venue attempt failed")
			continue
		}

		if err := e.service.RecordFill(ctx, tradeID, fill); err != nil {
			return err
		}
		filled = true
		remaining = remaining.Sub(fill.Quantity)
	}

	if !filled {
		return e.service.MarkFailed(ctx, tradeID, "NO_LIQUIDITY")
	}
	return nil
}

// attempt simulates one venue execution: latency, a success roll, a price
// within 2% of the reference, and quantity capped by venue liquidity.
func (v *Venue) attempt(trade *Trade, remaining decimal.Decimal) (Fill, bool) {
	latency := rand.Intn(v.MaxLatency-v.MinLatency+1) + v.MinLatency
	time.Sleep(time.Duration(latency) * time.Millisecond)

	if rand.Float64() > v.SuccessRate {
		return Fill{}, false
	}

	variance := decimal.NewFromFloat(1 + (rand.Float64()*0.04 - 0.02))
	price := trade.Price.Mul(variance).Round(4)

	quantity := remaining
	if rand.Float64() > v.LiquidityFactor {
		quantity = remaining.Mul(decimal.NewFromFloat(v.LiquidityFactor)).Round(4)
		if !quantity.IsPositive() {
			return Fill{}, false
		}
	}

	feeRate := decimal.NewFromFloat(v.FeeRate)
	return Fill{
		VenueID:   v.ID,
		VenueName: v.Name,
		Quantity:  quantity,
		Price:     price,
		FeeRate:   feeRate,
		FeeAmount: price.Mul(quantity).Mul(feeRate).Round(4),
	}, true
}

// bestVenue selects a venue weighted by liquidity and success rate.
func (e *Engine) bestVenue() *Venue {
	totalWeight := 0.0
	for _, v := range e.venues {
		totalWeight += v.LiquidityFactor * v.SuccessRate
	}

	choice := rand.Float64() * totalWeight
	currentWeight := 0.0
	for _, v := range e.venues {
		currentWeight += v.LiquidityFactor * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}
	return e.venues[0]
}
