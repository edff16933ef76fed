package order

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryProcessor periodically sweeps open orders whose expiry has passed.
type ExpiryProcessor struct {
	service  *Service
	interval time.Duration
}

func NewExpiryProcessor(service *Service, interval time.Duration) *ExpiryProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryProcessor{
		service:  service,
		interval: interval,
	}
}

// Start begins the expiry sweep loop.
func (p *ExpiryProcessor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_expiry").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting order expiry processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order expiry processor")
			return
		case <-ticker.C:
			expired, err := p.service.ExpireOrders(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to expire orders")
				continue
			}
			if expired > 0 {
				logger.Info().Int("expired", expired).Msg("expired orders swept")
			}
		}
	}
}
