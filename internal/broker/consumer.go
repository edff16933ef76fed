package broker

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/errs"
)

// HandlerFunc processes one delivery. Returning a business error from the
// errs package acknowledges the message (it will never succeed); any other
// error requeues it for another attempt.
type HandlerFunc func(ctx context.Context, routingKey string, body []byte) error

// Consume opens a dedicated channel for the queue and dispatches deliveries
// to handler until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queue string, handler HandlerFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		return err
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	logger := log.With().Str("component", "consumer").Str("queue", queue).Logger()
	logger.Info().Msg("consumer started")

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("consumer stopped")
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.Warn().Msg("delivery channel closed")
					return
				}
				b.dispatch(ctx, logger.With().Str("routing_key", d.RoutingKey).Logger(), d, handler)
			}
		}
	}()

	return nil
}

func (b *Broker) dispatch(ctx context.Context, logger zerolog.Logger, d amqp.Delivery, handler HandlerFunc) {
	err := handler(ctx, d.RoutingKey, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
		return
	}

	if isBusinessError(err) {
		// Redelivery cannot fix a business rejection; drop the message so
		// the queue keeps moving.
		logger.Warn().Err(err).Msg("message rejected by handler, dropping")
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
		return
	}

	// Transient failure: requeue. The queue TTL dead-letters messages that
	// keep failing past their lifetime.
	logger.Error().Err(err).Msg("handler failed, requeueing")
	if nackErr := d.Nack(false, true); nackErr != nil {
		logger.Error().Err(nackErr).Msg("nack failed")
	}
}

func isBusinessError(err error) bool {
	var (
		nf  *errs.NotFoundError
		is  *errs.InvalidStateError
		ins *errs.InsufficientFundsError
		val *errs.ValidationError
	)
	return errors.As(err, &nf) ||
		errors.As(err, &is) ||
		errors.As(err, &ins) ||
		errors.As(err, &val) ||
		errors.Is(err, errs.ErrDuplicateLock)
}
