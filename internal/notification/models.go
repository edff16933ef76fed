package notification

import (
	"time"

	"gorm.io/gorm"
)

// Delivery channels.
const (
	ChannelWebsocket = "WEBSOCKET"
	ChannelPush      = "PUSH"
	ChannelEmail     = "EMAIL"
	ChannelSMS       = "SMS"
)

// Priorities, in ascending order of urgency.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Delivery statuses. PENDING deliveries are eligible for (re)attempts;
// IN_PROGRESS marks an attempt in flight so a crashed process leaves a
// trace the stale sweep can recover; SKIPPED records a websocket delivery
// that found no live session; FAILED deliveries exhausted their attempts
// and wait for dead-lettering.
const (
	DeliveryPending    = "PENDING"
	DeliveryInProgress = "IN_PROGRESS"
	DeliverySent       = "SENT"
	DeliveryDelivered  = "DELIVERED"
	DeliverySkipped    = "SKIPPED"
	DeliveryFailed     = "FAILED"
	DeliveryDeadLetter = "DEAD_LETTER"
)

// Notification is the user-facing message derived from a saga event.
type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string `gorm:"uniqueIndex" json:"notification_id"`
	UserID         int64  `gorm:"index" json:"user_id"`
	EventType      string `json:"event_type"`
	Priority       string `json:"priority"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Read           bool   `gorm:"index" json:"read"`
}

// Delivery tracks one channel attempt chain for a notification.
// Destination is stored masked; raw addresses never land in this table.
type Delivery struct {
	gorm.Model     `json:"-"`
	DeliveryID     string     `gorm:"uniqueIndex" json:"delivery_id"`
	NotificationID string     `gorm:"index" json:"notification_id"`
	UserID         int64      `gorm:"index" json:"user_id"`
	Channel        string     `json:"channel"`
	Destination    string     `json:"destination"`
	Status         string     `gorm:"index" json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	NextRetryAt    *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// ChannelPreference is a user's opt-in and destination for one channel.
// Websocket needs no destination; push holds a device token, email and SMS
// hold addresses.
type ChannelPreference struct {
	gorm.Model  `json:"-"`
	UserID      int64  `gorm:"index:idx_pref_user_channel,unique" json:"user_id"`
	Channel     string `gorm:"index:idx_pref_user_channel,unique" json:"channel"`
	Enabled     bool   `json:"enabled"`
	Destination string `json:"-"`
}
