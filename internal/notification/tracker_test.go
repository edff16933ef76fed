package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/winvest/trading-core/internal/config"
)

type failingSender struct {
	calls int
}

func (f *failingSender) Send(_ context.Context, _ *Delivery, _ *Notification) error {
	f.calls++
	return errors.New("provider unavailable")
}

type okSender struct {
	calls int
}

func (o *okSender) Send(_ context.Context, _ *Delivery, _ *Notification) error {
	o.calls++
	return nil
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		RetryInterval:     30 * time.Second,
		RetryBatchSize:    50,
		StaleAfter:        5 * time.Minute,
		DeadLetterAge:     168 * time.Hour,
		PurgeAge:          720 * time.Hour,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Notification{}, &Delivery{}, &ChannelPreference{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	// No hub: websocket sends report ErrNoSession.
	return NewTracker(db, nil, nil, testDeliveryConfig(), nil), db
}

func savePref(t *testing.T, db *gorm.DB, userID int64, channel, destination string, enabled bool) {
	t.Helper()
	pref := &ChannelPreference{UserID: userID, Channel: channel, Enabled: enabled, Destination: destination}
	if err := db.Create(pref).Error; err != nil {
		t.Fatalf("create preference: %v", err)
	}
}

func TestNotifyLowPrioritySocketOnlySkippedWithoutSession(t *testing.T) {
	tracker, db := newTestTracker(t)

	n, err := tracker.Notify(context.Background(), 1, "order.created", PriorityLow, "Order received", "hi")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var deliveries []Delivery
	db.Where("notification_id = ?", n.NotificationID).Find(&deliveries)
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1 (websocket only)", len(deliveries))
	}
	if deliveries[0].Channel != ChannelWebsocket {
		t.Errorf("channel = %s, want WEBSOCKET", deliveries[0].Channel)
	}
	if deliveries[0].Status != DeliverySkipped {
		t.Errorf("status = %s, want SKIPPED with no session", deliveries[0].Status)
	}
	if deliveries[0].AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", deliveries[0].AttemptCount)
	}
}

func TestCriticalPriorityOverridesOptOut(t *testing.T) {
	tracker, db := newTestTracker(t)
	savePref(t, db, 1, ChannelEmail, "alice@example.com", false)
	savePref(t, db, 1, ChannelSMS, "+919876543210", false)
	savePref(t, db, 1, ChannelPush, "token-abcdef123", true)

	n, err := tracker.Notify(context.Background(), 1, "order.rejected", PriorityCritical, "Order rejected", "sorry")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var deliveries []Delivery
	db.Where("notification_id = ?", n.NotificationID).Find(&deliveries)
	channels := map[string]Delivery{}
	for _, d := range deliveries {
		channels[d.Channel] = d
	}

	for _, want := range []string{ChannelWebsocket, ChannelPush, ChannelEmail, ChannelSMS} {
		if _, ok := channels[want]; !ok {
			t.Errorf("missing %s delivery for CRITICAL notification", want)
		}
	}

	// Destinations are stored masked.
	if got := channels[ChannelEmail].Destination; got != "a***@example.com" {
		t.Errorf("email destination = %q, want masked", got)
	}
	if got := channels[ChannelSMS].Destination; got != "******3210" {
		t.Errorf("sms destination = %q, want masked", got)
	}
}

func TestMediumPriorityRespectsOptOut(t *testing.T) {
	tracker, db := newTestTracker(t)
	savePref(t, db, 1, ChannelPush, "token-abcdef123", false)

	n, err := tracker.Notify(context.Background(), 1, "order.cancelled", PriorityMedium, "Order cancelled", "ok")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var count int64
	db.Model(&Delivery{}).Where("notification_id = ? AND channel = ?", n.NotificationID, ChannelPush).Count(&count)
	if count != 0 {
		t.Errorf("push delivery created despite opt-out")
	}
}

func TestFailedAttemptSchedulesExponentialBackoff(t *testing.T) {
	tracker, db := newTestTracker(t)
	savePref(t, db, 1, ChannelEmail, "alice@example.com", true)
	sender := &failingSender{}
	tracker.SetSender(ChannelEmail, sender)

	n, err := tracker.Notify(context.Background(), 1, "order.filled", PriorityHigh, "Order filled", "done")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var delivery Delivery
	db.Where("notification_id = ? AND channel = ?", n.NotificationID, ChannelEmail).First(&delivery)
	if delivery.Status != DeliveryPending {
		t.Fatalf("status = %s, want PENDING after first failure", delivery.Status)
	}
	if delivery.NextRetryAt == nil {
		t.Fatal("expected a retry time")
	}
	// First failure backs off baseDelay * 2^1 = 2s.
	if got := time.Until(*delivery.NextRetryAt); got < 1500*time.Millisecond {
		t.Errorf("first backoff = %v, want about 2s", got)
	}

	// Drive three more failing attempts.
	notification, _ := tracker.db.GetNotification(n.NotificationID)
	for i := 0; i < 3; i++ {
		tracker.Attempt(context.Background(), &delivery, notification)
	}
	if delivery.AttemptCount != 4 {
		t.Fatalf("attempts = %d, want 4", delivery.AttemptCount)
	}
	// Fourth failure backs off at least 8s.
	if got := time.Until(*delivery.NextRetryAt); got < 8*time.Second {
		t.Errorf("fourth backoff = %v, want >= 8s", got)
	}

	// Fifth failure exhausts the attempts.
	tracker.Attempt(context.Background(), &delivery, notification)
	if delivery.Status != DeliveryFailed {
		t.Errorf("status = %s, want FAILED after max attempts", delivery.Status)
	}
	if delivery.NextRetryAt != nil {
		t.Error("failed delivery should have no retry time")
	}
}

func TestRetryDuePicksOnlyDueDeliveries(t *testing.T) {
	tracker, db := newTestTracker(t)
	savePref(t, db, 1, ChannelEmail, "alice@example.com", true)
	sender := &failingSender{}
	tracker.SetSender(ChannelEmail, sender)

	n, err := tracker.Notify(context.Background(), 1, "order.filled", PriorityHigh, "Order filled", "done")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	callsAfterNotify := sender.calls

	// Not yet due: the retry pass must leave it alone.
	if _, err := tracker.RetryDue(context.Background()); err != nil {
		t.Fatalf("RetryDue: %v", err)
	}
	if sender.calls != callsAfterNotify {
		t.Errorf("retry ran before the backoff elapsed")
	}

	// Force the retry time into the past.
	past := time.Now().Add(-time.Second)
	db.Model(&Delivery{}).
		Where("notification_id = ? AND channel = ?", n.NotificationID, ChannelEmail).
		Update("next_retry_at", &past)

	retried, err := tracker.RetryDue(context.Background())
	if err != nil {
		t.Fatalf("RetryDue: %v", err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1", retried)
	}
	if sender.calls != callsAfterNotify+1 {
		t.Errorf("sender calls = %d, want %d", sender.calls, callsAfterNotify+1)
	}
}

func TestInterruptedAttemptsRecoveredByStaleSweep(t *testing.T) {
	tracker, db := newTestTracker(t)
	sender := &okSender{}
	tracker.SetSender(ChannelEmail, sender)

	n := &Notification{NotificationID: "n-1", UserID: 1, EventType: "order.filled", Priority: PriorityHigh, Title: "Order filled", Message: "done"}
	if err := db.Create(n).Error; err != nil {
		t.Fatalf("create notification: %v", err)
	}

	// A crash after Notify's commit but before the first attempt leaves
	// PENDING with no retry time; a crash mid-send leaves IN_PROGRESS.
	// Neither is visible to the due-retry query on its own.
	stranded := &Delivery{DeliveryID: "d-1", NotificationID: "n-1", UserID: 1, Channel: ChannelEmail, Status: DeliveryPending}
	interrupted := &Delivery{DeliveryID: "d-2", NotificationID: "n-1", UserID: 1, Channel: ChannelEmail, Status: DeliveryInProgress, AttemptCount: 1}
	active := &Delivery{DeliveryID: "d-3", NotificationID: "n-1", UserID: 1, Channel: ChannelEmail, Status: DeliveryInProgress, AttemptCount: 1}
	for _, d := range []*Delivery{stranded, interrupted, active} {
		if err := db.Create(d).Error; err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}
	past := time.Now().Add(-10 * time.Minute)
	db.Model(&Delivery{}).Where("delivery_id IN ?", []string{"d-1", "d-2"}).UpdateColumn("updated_at", past)

	retried, err := tracker.RetryDue(context.Background())
	if err != nil {
		t.Fatalf("RetryDue: %v", err)
	}
	if retried != 0 || sender.calls != 0 {
		t.Fatalf("due-retry pass picked up %d deliveries, want 0 before the stale sweep", retried)
	}

	requeued, err := tracker.RequeueStale(context.Background())
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if requeued != 2 {
		t.Errorf("requeued = %d, want 2", requeued)
	}

	if _, err := tracker.RetryDue(context.Background()); err != nil {
		t.Fatalf("RetryDue after sweep: %v", err)
	}
	if sender.calls != 2 {
		t.Errorf("sender calls = %d, want 2", sender.calls)
	}
	for _, id := range []string{"d-1", "d-2"} {
		var delivery Delivery
		db.Where("delivery_id = ?", id).First(&delivery)
		if delivery.Status != DeliveryDelivered {
			t.Errorf("delivery %s status = %s, want DELIVERED", id, delivery.Status)
		}
	}

	// The attempt still inside the staleness window is left alone.
	var fresh Delivery
	db.Where("delivery_id = ?", "d-3").First(&fresh)
	if fresh.Status != DeliveryInProgress {
		t.Errorf("fresh in-flight delivery status = %s, want IN_PROGRESS", fresh.Status)
	}
}

func TestSkippedSocketDeliveryReplayedOnReconnect(t *testing.T) {
	db := newTestDB(t)
	hub := NewHub()
	tracker := NewTracker(db, hub, nil, testDeliveryConfig(), nil)

	// Nobody connected: the socket delivery is skipped, not failed.
	n, err := tracker.Notify(context.Background(), 1, "order.filled", PriorityLow, "Order filled", "done")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var delivery Delivery
	db.Where("notification_id = ? AND channel = ?", n.NotificationID, ChannelWebsocket).First(&delivery)
	if delivery.Status != DeliverySkipped {
		t.Fatalf("status = %s, want SKIPPED with no session", delivery.Status)
	}

	// The user reconnects. Attaching triggers the replay, which must push
	// the skipped frame down the fresh session.
	s := &session{hub: hub, userID: 1, send: make(chan []byte, 8)}
	hub.attach(s)

	select {
	case payload := <-s.send:
		var frame socketFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.DeliveryID != delivery.DeliveryID {
			t.Errorf("replayed delivery = %s, want %s", frame.DeliveryID, delivery.DeliveryID)
		}
	default:
		t.Fatal("no frame replayed to the reconnected session")
	}

	db.Where("delivery_id = ?", delivery.DeliveryID).First(&delivery)
	if delivery.Status != DeliverySent {
		t.Errorf("status = %s, want SENT awaiting ack", delivery.Status)
	}

	// The client ack closes the loop.
	hub.OnAck(1, delivery.DeliveryID)
	db.Where("delivery_id = ?", delivery.DeliveryID).First(&delivery)
	if delivery.Status != DeliveryDelivered {
		t.Errorf("status = %s, want DELIVERED after ack", delivery.Status)
	}
}

func TestSuccessfulChannelDeliveryIsDelivered(t *testing.T) {
	tracker, db := newTestTracker(t)
	savePref(t, db, 1, ChannelEmail, "alice@example.com", true)

	n, err := tracker.Notify(context.Background(), 1, "order.filled", PriorityHigh, "Order filled", "done")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var delivery Delivery
	db.Where("notification_id = ? AND channel = ?", n.NotificationID, ChannelEmail).First(&delivery)
	if delivery.Status != DeliveryDelivered {
		t.Errorf("status = %s, want DELIVERED", delivery.Status)
	}
	if delivery.DeliveredAt == nil || delivery.SentAt == nil {
		t.Error("expected sent and delivered timestamps")
	}
}

func TestSweepDeadLettersArchivesExhaustedDeliveries(t *testing.T) {
	tracker, db := newTestTracker(t)

	old := time.Now().Add(-200 * time.Hour)
	delivery := &Delivery{
		DeliveryID:     "d-1",
		NotificationID: "n-1",
		UserID:         1,
		Channel:        ChannelEmail,
		Status:         DeliveryFailed,
		AttemptCount:   5,
	}
	if err := db.Create(delivery).Error; err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	db.Model(delivery).UpdateColumn("updated_at", old)

	if err := tracker.SweepDeadLetters(context.Background()); err != nil {
		t.Fatalf("SweepDeadLetters: %v", err)
	}

	var updated Delivery
	db.Where("delivery_id = ?", "d-1").First(&updated)
	if updated.Status != DeliveryDeadLetter {
		t.Errorf("status = %s, want DEAD_LETTER", updated.Status)
	}
}

func TestMarkReadScopedToOwner(t *testing.T) {
	tracker, _ := newTestTracker(t)

	n, err := tracker.Notify(context.Background(), 1, "order.created", PriorityLow, "Order received", "hi")
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if err := tracker.MarkRead(n.NotificationID, 2); err == nil {
		t.Error("expected error marking another user's notification read")
	}
	if err := tracker.MarkRead(n.NotificationID, 1); err != nil {
		t.Errorf("MarkRead: %v", err)
	}

	list, err := tracker.ListNotifications(1, true, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("unread notifications = %d, want 0", len(list))
	}
}
