package notification

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const socketFanoutChannel = "notifications.socket"

// fanoutFrame wraps a socket payload with its target user for cross-instance
// delivery.
type fanoutFrame struct {
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// Fanout distributes websocket payloads across service instances through
// redis pub/sub, so a notification lands on whichever instance holds the
// user's session.
type Fanout struct {
	client *redis.Client
	hub    *Hub
}

func NewFanout(client *redis.Client, hub *Hub) *Fanout {
	return &Fanout{client: client, hub: hub}
}

// Publish broadcasts a socket payload to all instances. The local hub is
// reached through the same subscription as everyone else, keeping delivery
// order uniform.
func (f *Fanout) Publish(ctx context.Context, userID int64, payload []byte) error {
	frame, err := json.Marshal(fanoutFrame{UserID: userID, Payload: payload})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, socketFanoutChannel, frame).Err()
}

// Subscribe consumes fanout frames and hands them to the local hub until
// ctx is cancelled.
func (f *Fanout) Subscribe(ctx context.Context) {
	sub := f.client.Subscribe(ctx, socketFanoutChannel)
	defer sub.Close()

	logger := log.With().Str("component", "notification_fanout").Logger()
	logger.Info().Msg("subscribed to socket fanout")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down socket fanout")
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn().Msg("fanout subscription closed")
				return
			}
			var frame fanoutFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Error().Err(err).Msg("malformed fanout frame")
				continue
			}
			f.hub.SendToUser(frame.UserID, frame.Payload)
		}
	}
}
