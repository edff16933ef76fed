// Package outbox implements the transactional outbox: events are captured
// in the caller's database transaction and published asynchronously by the
// relay, so a crash between commit and publish never loses an announcement.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNoTransaction is returned when Capture is called with a database
// handle that is not inside an open transaction. Capturing outside a
// transaction would break the atomicity guarantee, so it is refused
// outright rather than silently committing on its own.
var ErrNoTransaction = errors.New("outbox capture requires an open transaction")

// Writer captures events into the outbox table.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Capture serializes the event and inserts an outbox row using tx. It never
// publishes synchronously; the relay picks the row up after the caller's
// transaction commits. If the transaction rolls back, the row vanishes with
// the business state.
func (w *Writer) Capture(tx *gorm.DB, aggregateType, aggregateID, exchange, routingKey string, event any) error {
	if _, ok := tx.Statement.ConnPool.(gorm.TxCommitter); !ok {
		return ErrNoTransaction
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	row := &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Payload:       string(payload),
	}

	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
