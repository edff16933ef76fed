package notification

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/winvest/trading-core/pkg/middleware"
	"github.com/winvest/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for notification endpoints.
type GinHandlers struct {
	tracker *Tracker
}

func NewGinHandlers(tracker *Tracker) *GinHandlers {
	return &GinHandlers{
		tracker: tracker,
	}
}

// ListNotificationsHandler handles GET requests for the caller's
// notifications. Query parameters: unread (bool), limit.
func (h *GinHandlers) ListNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		unreadOnly := c.Query("unread") == "true"
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		notifications, err := h.tracker.ListNotifications(userID, unreadOnly, limit)
		response.Handle(c, notifications, err)
	}
}

// MarkReadHandler handles POST requests to mark a notification read.
// URL parameter: notification_id
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		notificationID := c.Param("notification_id")
		err := h.tracker.MarkRead(notificationID, userID)
		response.Handle(c, gin.H{"notification_id": notificationID, "read": true}, err)
	}
}

type preferenceRequest struct {
	Channel     string `json:"channel" binding:"required"`
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination"`
}

// GetPreferencesHandler handles GET requests for channel preferences.
func (h *GinHandlers) GetPreferencesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		prefs, err := h.tracker.GetPreferences(userID)
		response.Handle(c, prefs, err)
	}
}

// SavePreferenceHandler handles PUT requests to set a channel preference.
func (h *GinHandlers) SavePreferenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req preferenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		switch req.Channel {
		case ChannelWebsocket, ChannelPush, ChannelEmail, ChannelSMS:
		default:
			response.BadRequest(c, "Unknown channel")
			return
		}

		pref := &ChannelPreference{
			UserID:      userID,
			Channel:     req.Channel,
			Enabled:     req.Enabled,
			Destination: req.Destination,
		}
		err := h.tracker.SavePreference(pref)
		response.Handle(c, gin.H{"channel": req.Channel, "enabled": req.Enabled}, err)
	}
}
