// Package broker wraps the AMQP connection: topology declaration,
// persistent publishing for the outbox relay, and consumer loops for the
// saga listeners.
package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/winvest/trading-core/internal/events"
)

const (
	businessQueueTTL = int32(3_600_000)   // 1 hour
	dlqTTL           = int32(604_800_000) // 7 days
)

// Broker holds the AMQP connection and the channel used for publishing.
// Consumers open their own channels so a poisoned consumer channel cannot
// take the publisher down with it.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Connect dials the broker, retrying for a while because the broker often
// comes up after us in local compose setups.
func Connect(url string) (*Broker, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("broker connection failed, retrying in 2s")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Broker{conn: conn, channel: ch}, nil
}

// binding declares one durable queue bound to an exchange. Every business
// queue dead-letters to dlq.exchange and carries a 1-hour message TTL.
type binding struct {
	queue       string
	exchange    string
	routingKeys []string
}

var topology = []binding{
	{events.OrderValidatedFundsQueue, events.OrderExchange, []string{events.OrderValidated}},
	{events.OrderTerminalFundsQueue, events.OrderExchange, []string{events.OrderCancelled, events.OrderExpired, events.OrderRejected}},
	{events.FundsLockedOrderQueue, events.FundsExchange, []string{events.FundsLocked}},
	{events.OrderRejectedOrderQueue, events.OrderExchange, []string{events.OrderRejected}},
	{events.FundsLockedTradeQueue, events.FundsExchange, []string{events.FundsLocked}},
	{events.OrderValidatedTradeQueue, events.OrderExchange, []string{events.OrderValidated}},
	{events.TradePlacedExecutionQueue, events.TradeExchange, []string{events.TradePlaced}},
	{events.TradeExecutedOrderQueue, events.TradeExchange, []string{events.TradeExecuted}},
	{events.TradeExecutedFundsQueue, events.TradeExchange, []string{events.TradeExecuted}},
	{events.UserCreatedFundsQueue, events.UserExchange, []string{events.UserCreated}},
	{events.PaymentFundsQueue, events.PaymentExchange, []string{events.PaymentCompleted, events.PaymentFailed}},
	{events.NotificationQueue, events.OrderExchange, []string{"order.#"}},
	{events.NotificationQueue, events.FundsExchange, []string{"funds.#"}},
	{events.NotificationQueue, events.TradeExchange, []string{"trade.#"}},
	{events.NotificationQueue, events.PaymentExchange, []string{"payment.#"}},
}

// DeclareTopology declares all exchanges and queues this process touches.
// Declarations are idempotent, so every service instance can run this at
// startup regardless of which one wins the race.
func (b *Broker) DeclareTopology() error {
	exchanges := []string{
		events.OrderExchange,
		events.FundsExchange,
		events.TradeExchange,
		events.NotificationExchange,
		events.PortfolioExchange,
		events.PaymentExchange,
		events.UserExchange,
		events.DLQExchange,
	}

	for _, exchange := range exchanges {
		if err := b.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	// The DLQ itself keeps messages for 7 days for manual inspection.
	_, err := b.channel.QueueDeclare(events.DLQQueue, true, false, false, false, amqp.Table{
		"x-message-ttl": dlqTTL,
	})
	if err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := b.channel.QueueBind(events.DLQQueue, "#", events.DLQExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq queue: %w", err)
	}

	declared := make(map[string]bool)
	for _, bind := range topology {
		if !declared[bind.queue] {
			_, err := b.channel.QueueDeclare(bind.queue, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    events.DLQExchange,
				"x-dead-letter-routing-key": events.DLQRoutingKey,
				"x-message-ttl":             businessQueueTTL,
			})
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", bind.queue, err)
			}
			declared[bind.queue] = true
		}
		for _, key := range bind.routingKeys {
			if err := b.channel.QueueBind(bind.queue, key, bind.exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s with %s: %w", bind.queue, bind.exchange, key, err)
			}
		}
	}

	return nil
}

// Publish sends a persistent JSON message. Used by the outbox relay, so a
// returned error simply leaves the outbox row pending.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	err := b.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (b *Broker) Close() {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
