package notification

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/errs"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateNotification(tx *gorm.DB, n *Notification) error {
	return tx.Create(n).Error
}

func (d *Database) CreateDelivery(tx *gorm.DB, delivery *Delivery) error {
	return tx.Create(delivery).Error
}

func (d *Database) Begin() *gorm.DB {
	return d.db.Begin()
}

func (d *Database) GetDelivery(deliveryID string) (*Delivery, error) {
	var delivery Delivery
	if err := d.db.Where("delivery_id = ?", deliveryID).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "delivery", Key: deliveryID}
		}
		return nil, err
	}
	return &delivery, nil
}

func (d *Database) UpdateDelivery(delivery *Delivery) error {
	return d.db.Save(delivery).Error
}

// ListDueRetries returns pending deliveries whose retry time has passed,
// oldest first.
func (d *Database) ListDueRetries(now time.Time, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	err := d.db.Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", DeliveryPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// ListStuckInFlight returns deliveries whose attempt never finished: rows
// left IN_PROGRESS by a crashed process, and PENDING rows that never got a
// first attempt so no retry time was ever set.
func (d *Database) ListStuckInFlight(olderThan time.Time, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	err := d.db.Where("(status = ? OR (status = ? AND next_retry_at IS NULL)) AND updated_at <= ?",
		DeliveryInProgress, DeliveryPending, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// ListStaleSent returns deliveries stuck in SENT without confirmation past
// the staleness window.
func (d *Database) ListStaleSent(olderThan time.Time, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	err := d.db.Where("status = ? AND sent_at IS NOT NULL AND sent_at <= ?", DeliverySent, olderThan).
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// DeadLetterFailed moves FAILED deliveries older than the cutoff to
// DEAD_LETTER.
func (d *Database) DeadLetterFailed(cutoff time.Time) (int64, error) {
	result := d.db.Model(&Delivery{}).
		Where("status = ? AND updated_at <= ?", DeliveryFailed, cutoff).
		Update("status", DeliveryDeadLetter)
	return result.RowsAffected, result.Error
}

// PurgeOld hard-deletes terminal deliveries older than the cutoff.
func (d *Database) PurgeOld(cutoff time.Time) (int64, error) {
	result := d.db.Unscoped().
		Where("status IN ? AND updated_at <= ?", []string{DeliveryDelivered, DeliverySkipped, DeliveryDeadLetter}, cutoff).
		Delete(&Delivery{})
	return result.RowsAffected, result.Error
}

func (d *Database) CountPending() (int64, error) {
	var count int64
	err := d.db.Model(&Delivery{}).Where("status = ?", DeliveryPending).Count(&count).Error
	return count, err
}

// ListPendingSocketDeliveries returns undelivered websocket payloads for a
// user, used to replay missed notifications on reconnect.
func (d *Database) ListPendingSocketDeliveries(userID int64, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	err := d.db.Where("user_id = ? AND channel = ? AND status IN ?", userID, ChannelWebsocket, []string{DeliveryPending, DeliverySkipped}).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (d *Database) GetNotification(notificationID string) (*Notification, error) {
	var n Notification
	if err := d.db.Where("notification_id = ?", notificationID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Entity: "notification", Key: notificationID}
		}
		return nil, err
	}
	return &n, nil
}

func (d *Database) ListNotifications(userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	q := d.db.Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var notifications []Notification
	err := q.Order("created_at DESC").Limit(limit).Find(&notifications).Error
	return notifications, err
}

func (d *Database) MarkRead(notificationID string, userID int64) error {
	result := d.db.Model(&Notification{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &errs.NotFoundError{Entity: "notification", Key: notificationID}
	}
	return nil
}

func (d *Database) GetPreferences(userID int64) ([]ChannelPreference, error) {
	var prefs []ChannelPreference
	err := d.db.Where("user_id = ?", userID).Find(&prefs).Error
	return prefs, err
}

func (d *Database) UpsertPreference(pref *ChannelPreference) error {
	var existing ChannelPreference
	err := d.db.Where("user_id = ? AND channel = ?", pref.UserID, pref.Channel).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(pref).Error
	}
	if err != nil {
		return err
	}
	existing.Enabled = pref.Enabled
	existing.Destination = pref.Destination
	return d.db.Save(&existing).Error
}
