// Package notification turns saga events into user notifications and
// tracks per-channel delivery with retry, dead-lettering and websocket
// replay.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/config"
	"github.com/winvest/trading-core/internal/metrics"
)

// Tracker owns notification creation and the delivery attempt chain.
type Tracker struct {
	db      *Database
	hub     *Hub
	fanout  *Fanout
	senders map[string]Sender
	cfg     config.DeliveryConfig
	metrics *metrics.Metrics
}

func NewTracker(gormDB *gorm.DB, hub *Hub, fanout *Fanout, cfg config.DeliveryConfig, m *metrics.Metrics) *Tracker {
	t := &Tracker{
		db:     NewDatabase(gormDB),
		hub:    hub,
		fanout: fanout,
		senders: map[string]Sender{
			ChannelPush:  &LogSender{Channel: ChannelPush},
			ChannelEmail: &LogSender{Channel: ChannelEmail},
			ChannelSMS:   &LogSender{Channel: ChannelSMS},
		},
		cfg:     cfg,
		metrics: m,
	}

	if hub != nil {
		hub.OnConnect = t.ReplayPending
		hub.OnAck = t.ConfirmDelivery
	}
	return t
}

// SetSender swaps the transport for a channel. Used to wire real providers
// and test doubles.
func (t *Tracker) SetSender(channel string, sender Sender) {
	t.senders[channel] = sender
}

// Notify creates the notification and one delivery per resolved channel,
// then attempts each delivery immediately. Failed attempts stay PENDING
// with a retry time; the scheduler takes it from there.
func (t *Tracker) Notify(ctx context.Context, userID int64, eventType, priority, title, message string) (*Notification, error) {
	prefs, err := t.db.GetPreferences(userID)
	if err != nil {
		return nil, err
	}
	channels := resolveChannels(priority, prefs)

	n := &Notification{
		NotificationID: uuid.New().String(),
		UserID:         userID,
		EventType:      eventType,
		Priority:       priority,
		Title:          title,
		Message:        message,
	}

	deliveries := make([]*Delivery, 0, len(channels))
	tx := t.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := t.db.CreateNotification(tx, n); err != nil {
		tx.Rollback()
		return nil, err
	}
	for channel, destination := range channels {
		delivery := &Delivery{
			DeliveryID:     uuid.New().String(),
			NotificationID: n.NotificationID,
			UserID:         userID,
			Channel:        channel,
			Destination:    destination,
			Status:         DeliveryPending,
		}
		if err := t.db.CreateDelivery(tx, delivery); err != nil {
			tx.Rollback()
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	for _, delivery := range deliveries {
		t.Attempt(ctx, delivery, n)
	}
	return n, nil
}

// Attempt runs one delivery attempt. The attempt counter increments before
// the send, so the first try is attempt 1 and the backoff grows from the
// failed attempt number.
func (t *Tracker) Attempt(ctx context.Context, delivery *Delivery, n *Notification) {
	delivery.AttemptCount++

	// Mark the attempt in flight before dispatching. A crash mid-send leaves
	// an IN_PROGRESS row the stale sweep returns to the retry queue.
	delivery.Status = DeliveryInProgress
	if err := t.db.UpdateDelivery(delivery); err != nil {
		log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to mark delivery in progress")
	}

	var err error
	switch delivery.Channel {
	case ChannelWebsocket:
		err = t.sendSocket(ctx, delivery, n)
	default:
		sender, ok := t.senders[delivery.Channel]
		if !ok {
			t.fail(delivery, "no transport for channel")
			if err := t.db.UpdateDelivery(delivery); err != nil {
				log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to persist delivery state")
			}
			return
		}
		err = sender.Send(ctx, delivery, n)
	}

	now := time.Now()
	switch {
	case err == nil:
		delivery.SentAt = &now
		if delivery.Channel == ChannelWebsocket {
			// Socket deliveries stay SENT until the client acks.
			delivery.Status = DeliverySent
		} else {
			delivery.Status = DeliveryDelivered
			delivery.DeliveredAt = &now
		}
		delivery.LastError = ""
		delivery.NextRetryAt = nil
		t.metrics.IncDeliveryAttempt(delivery.Channel, "sent")

	case errors.Is(err, ErrNoSession):
		// Fire-and-forget: no session means no retry churn. Reconnect
		// replay resurrects the delivery if the user returns.
		delivery.Status = DeliverySkipped
		delivery.NextRetryAt = nil
		t.metrics.IncDeliveryAttempt(delivery.Channel, "skipped")

	default:
		t.scheduleRetry(delivery, err)
	}

	if err := t.db.UpdateDelivery(delivery); err != nil {
		log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to persist delivery state")
	}
}

func (t *Tracker) sendSocket(ctx context.Context, delivery *Delivery, n *Notification) error {
	frame, err := json.Marshal(socketFrame{
		DeliveryID:     delivery.DeliveryID,
		NotificationID: n.NotificationID,
		EventType:      n.EventType,
		Priority:       n.Priority,
		Title:          n.Title,
		Message:        n.Message,
	})
	if err != nil {
		return err
	}

	if t.fanout != nil {
		return t.fanout.Publish(ctx, delivery.UserID, frame)
	}
	if t.hub == nil || !t.hub.SendToUser(delivery.UserID, frame) {
		return ErrNoSession
	}
	return nil
}

// scheduleRetry backs off exponentially from the attempt number. Once the
// attempt count exceeds the maximum the delivery is FAILED and left for the
// dead-letter sweep.
func (t *Tracker) scheduleRetry(delivery *Delivery, cause error) {
	delivery.LastError = cause.Error()

	if delivery.AttemptCount >= t.cfg.MaxAttempts {
		t.fail(delivery, cause.Error())
		return
	}

	delay := time.Duration(float64(t.cfg.BaseDelay) * math.Pow(t.cfg.BackoffMultiplier, float64(delivery.AttemptCount)))
	next := time.Now().Add(delay)
	delivery.Status = DeliveryPending
	delivery.NextRetryAt = &next
	t.metrics.IncDeliveryAttempt(delivery.Channel, "retry_scheduled")

	log.Warn().
		Str("delivery_id", delivery.DeliveryID).
		Str("channel", delivery.Channel).
		Int("attempt", delivery.AttemptCount).
		Dur("retry_in", delay).
		Err(cause).
		Msg("delivery attempt failed, retry scheduled")
}

func (t *Tracker) fail(delivery *Delivery, reason string) {
	delivery.Status = DeliveryFailed
	delivery.LastError = reason
	delivery.NextRetryAt = nil
	t.metrics.IncDeliveryAttempt(delivery.Channel, "failed")
	log.Error().
		Str("delivery_id", delivery.DeliveryID).
		Str("channel", delivery.Channel).
		Int("attempts", delivery.AttemptCount).
		Msg("delivery failed permanently")
}

// RetryDue re-attempts pending deliveries whose retry time has passed.
// Called by the scheduler.
func (t *Tracker) RetryDue(ctx context.Context) (int, error) {
	due, err := t.db.ListDueRetries(time.Now(), t.cfg.RetryBatchSize)
	if err != nil {
		return 0, err
	}

	for i := range due {
		delivery := &due[i]
		n, err := t.db.GetNotification(delivery.NotificationID)
		if err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("orphaned delivery")
			t.fail(delivery, "notification missing")
			t.db.UpdateDelivery(delivery)
			continue
		}
		t.Attempt(ctx, delivery, n)
	}

	if pending, err := t.db.CountPending(); err == nil {
		t.metrics.SetDeliveriesPending(float64(pending))
	}
	return len(due), nil
}

// RequeueStale returns deliveries stuck mid-flight to the retry queue:
// SENT-but-unconfirmed socket deliveries, attempts left IN_PROGRESS by a
// crashed process, and PENDING rows that never got a first attempt.
func (t *Tracker) RequeueStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-t.cfg.StaleAfter)

	stale, err := t.db.ListStaleSent(cutoff, t.cfg.RetryBatchSize)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		delivery := &stale[i]
		t.scheduleRetry(delivery, ErrNoSession)
		if err := t.db.UpdateDelivery(delivery); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to requeue stale delivery")
		}
	}

	stuck, err := t.db.ListStuckInFlight(cutoff, t.cfg.RetryBatchSize)
	if err != nil {
		return len(stale), err
	}
	for i := range stuck {
		delivery := &stuck[i]
		now := time.Now()
		delivery.Status = DeliveryPending
		delivery.NextRetryAt = &now
		if err := t.db.UpdateDelivery(delivery); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.DeliveryID).Msg("failed to requeue stuck delivery")
			continue
		}
		log.Warn().
			Str("delivery_id", delivery.DeliveryID).
			Str("channel", delivery.Channel).
			Int("attempt", delivery.AttemptCount).
			Msg("interrupted delivery returned to retry queue")
	}
	return len(stale) + len(stuck), nil
}

// SweepDeadLetters archives exhausted deliveries and purges old terminal
// rows.
func (t *Tracker) SweepDeadLetters(ctx context.Context) error {
	deadLettered, err := t.db.DeadLetterFailed(time.Now().Add(-t.cfg.DeadLetterAge))
	if err != nil {
		return err
	}
	if deadLettered > 0 {
		log.Info().Int64("count", deadLettered).Msg("deliveries dead-lettered")
	}

	purged, err := t.db.PurgeOld(time.Now().Add(-t.cfg.PurgeAge))
	if err != nil {
		return err
	}
	if purged > 0 {
		log.Info().Int64("count", purged).Msg("old deliveries purged")
	}
	return nil
}

// ConfirmDelivery marks a socket delivery DELIVERED after a client ack.
func (t *Tracker) ConfirmDelivery(userID int64, deliveryID string) {
	delivery, err := t.db.GetDelivery(deliveryID)
	if err != nil || delivery.UserID != userID {
		return
	}
	if delivery.Status == DeliveryDelivered {
		return
	}

	now := time.Now()
	delivery.Status = DeliveryDelivered
	delivery.DeliveredAt = &now
	if err := t.db.UpdateDelivery(delivery); err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to confirm delivery")
	}
	t.metrics.IncDeliveryAttempt(delivery.Channel, "delivered")
}

// ReplayPending pushes undelivered socket notifications to a freshly
// connected user.
func (t *Tracker) ReplayPending(userID int64) {
	deliveries, err := t.db.ListPendingSocketDeliveries(userID, 100)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to load replayable deliveries")
		return
	}

	ctx := context.Background()
	for i := range deliveries {
		delivery := &deliveries[i]
		n, err := t.db.GetNotification(delivery.NotificationID)
		if err != nil {
			continue
		}
		t.Attempt(ctx, delivery, n)
	}
	if len(deliveries) > 0 {
		log.Info().Int64("user_id", userID).Int("count", len(deliveries)).Msg("replayed socket deliveries")
	}
}

// Read API used by the HTTP handlers.

func (t *Tracker) ListNotifications(userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return t.db.ListNotifications(userID, unreadOnly, limit)
}

func (t *Tracker) MarkRead(notificationID string, userID int64) error {
	return t.db.MarkRead(notificationID, userID)
}

func (t *Tracker) GetPreferences(userID int64) ([]ChannelPreference, error) {
	return t.db.GetPreferences(userID)
}

func (t *Tracker) SavePreference(pref *ChannelPreference) error {
	return t.db.UpsertPreference(pref)
}
