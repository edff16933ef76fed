// Package metrics exposes prometheus instruments shared by the saga
// participants. A nil *Metrics is safe to use everywhere, which keeps the
// services constructible in tests without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OutboxPublished   *prometheus.CounterVec
	OutboxPublishLag  prometheus.Histogram
	FundsOperations   *prometheus.CounterVec
	OrderTransitions  *prometheus.CounterVec
	TradeTransitions  *prometheus.CounterVec
	DeliveryAttempts  *prometheus.CounterVec
	DeliveriesPending prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_events_total",
				Help: "Outbox relay publish outcomes.",
			},
			[]string{"exchange", "status"},
		),
		OutboxPublishLag: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_publish_lag_seconds",
				Help:    "Time between outbox capture and publish.",
				Buckets: prometheus.DefBuckets,
			},
		),
		FundsOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_operations_total",
				Help: "Wallet ledger operations by type and outcome.",
			},
			[]string{"operation", "status"},
		),
		OrderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Order state machine transitions.",
			},
			[]string{"to"},
		),
		TradeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_transitions_total",
				Help: "Trade state machine transitions.",
			},
			[]string{"to"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_delivery_attempts_total",
				Help: "Notification delivery attempts by channel and outcome.",
			},
			[]string{"channel", "status"},
		),
		DeliveriesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "notification_deliveries_pending",
				Help: "Deliveries currently awaiting retry.",
			},
		),
	}

	registry.MustRegister(
		m.OutboxPublished,
		m.OutboxPublishLag,
		m.FundsOperations,
		m.OrderTransitions,
		m.TradeTransitions,
		m.DeliveryAttempts,
		m.DeliveriesPending,
	)
	return m
}

func (m *Metrics) IncOutbox(exchange, status string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(exchange, status).Inc()
}

func (m *Metrics) ObservePublishLag(seconds float64) {
	if m == nil {
		return
	}
	m.OutboxPublishLag.Observe(seconds)
}

func (m *Metrics) IncFundsOperation(operation, status string) {
	if m == nil {
		return
	}
	m.FundsOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncOrderTransition(to string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncTradeTransition(to string) {
	if m == nil {
		return
	}
	m.TradeTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncDeliveryAttempt(channel, status string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) SetDeliveriesPending(n float64) {
	if m == nil {
		return
	}
	m.DeliveriesPending.Set(n)
}
