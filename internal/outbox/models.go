package outbox

import (
	"time"

	"gorm.io/gorm"
)

// Event is one not-yet-published broker message. Rows are written in the
// same transaction as the business state they describe; PublishedAt stays
// NULL until the relay has handed the payload to the broker.
type Event struct {
	gorm.Model    `json:"-"`
	AggregateType string     `gorm:"index:idx_outbox_aggregate" json:"aggregate_type"`
	AggregateID   string     `gorm:"index:idx_outbox_aggregate" json:"aggregate_id"`
	Exchange      string     `json:"exchange"`
	RoutingKey    string     `json:"routing_key"`
	Payload       string     `json:"payload"`
	PublishedAt   *time.Time `gorm:"index" json:"published_at"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error"`
}

func (Event) TableName() string {
	return "outbox_events"
}
