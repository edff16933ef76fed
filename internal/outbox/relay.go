package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/metrics"
)

// Publisher hands a captured payload to the broker. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Relay polls for unpublished outbox rows and publishes them. Marking a row
// published happens in a second, independent transaction: if the process
// dies in between, the next poll publishes the row again, which is why
// downstream consumers must be idempotent.
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
}

func NewRelay(db *gorm.DB, publisher Publisher, interval time.Duration, batchSize int, m *metrics.Metrics) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Start runs the relay loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	logger := log.With().Str("component", "outbox_relay").Logger()
	logger.Info().Dur("interval", r.interval).Int("batch_size", r.batchSize).Msg("starting outbox relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox relay")
			return
		case <-ticker.C:
			if err := r.ProcessPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process outbox batch")
			}
		}
	}
}

// ProcessPending publishes one batch of unpublished rows. Rows are ordered
// by creation time with id as tiebreak so events for one aggregate leave in
// capture order. A publish failure leaves the row unpublished for the next
// tick; there is no terminal failure state for outbox rows.
func (r *Relay) ProcessPending(ctx context.Context) error {
	logger := log.With().Str("component", "outbox_relay").Logger()

	var pending []Event
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(r.batchSize).
		Find(&pending).Error
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}

	logger.Debug().Int("pending", len(pending)).Msg("publishing outbox batch")

	for i := range pending {
		event := &pending[i]
		if err := r.publisher.Publish(ctx, event.Exchange, event.RoutingKey, []byte(event.Payload)); err != nil {
			logger.Error().
				Err(err).
				Uint("event_id", event.ID).
				Str("routing_key", event.RoutingKey).
				Msg("publish failed, will retry next tick")
			r.metrics.IncOutbox(event.Exchange, "failed")
			r.db.WithContext(ctx).Model(event).Updates(map[string]any{
				"retry_count": gorm.Expr("retry_count + 1"),
				"last_error":  err.Error(),
			})
			continue
		}

		now := time.Now()
		if err := r.db.WithContext(ctx).Model(event).Updates(map[string]any{
			"published_at": &now,
			"last_error":   "",
		}).Error; err != nil {
			// The publish went out but the row stays pending; the next
			// tick re-publishes and the consumer's idempotency absorbs it.
			logger.Error().Err(err).Uint("event_id", event.ID).Msg("failed to mark event published")
			continue
		}

		r.metrics.IncOutbox(event.Exchange, "published")
		r.metrics.ObservePublishLag(now.Sub(event.CreatedAt).Seconds())
		logger.Debug().
			Uint("event_id", event.ID).
			Str("aggregate_id", event.AggregateID).
			Str("routing_key", event.RoutingKey).
			Msg("outbox event published")
	}

	return nil
}
