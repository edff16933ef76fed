package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoSession is returned by the websocket sender when the user has no
// live connection. The delivery is marked SKIPPED rather than retried;
// reconnect replay picks it up if the user comes back.
var ErrNoSession = errors.New("no active websocket session")

// Sender pushes one notification over one channel.
type Sender interface {
	Send(ctx context.Context, delivery *Delivery, n *Notification) error
}

// channelPlan holds the channels a priority fans out to. CRITICAL overrides
// user opt-outs: every channel with a known destination is used.
var channelPlan = map[string][]string{
	PriorityLow:      {ChannelWebsocket},
	PriorityMedium:   {ChannelWebsocket, ChannelPush},
	PriorityHigh:     {ChannelWebsocket, ChannelPush, ChannelEmail},
	PriorityCritical: {ChannelWebsocket, ChannelPush, ChannelEmail, ChannelSMS},
}

// resolveChannels maps a priority and the user's preferences to the
// concrete deliveries to create. Websocket needs no preference; other
// channels need an enabled preference with a destination, except under
// CRITICAL where a destination alone suffices.
func resolveChannels(priority string, prefs []ChannelPreference) map[string]string {
	plan, ok := channelPlan[priority]
	if !ok {
		plan = channelPlan[PriorityLow]
	}

	byChannel := make(map[string]ChannelPreference, len(prefs))
	for _, p := range prefs {
		byChannel[p.Channel] = p
	}

	critical := priority == PriorityCritical
	selected := make(map[string]string)
	for _, channel := range plan {
		if channel == ChannelWebsocket {
			selected[channel] = ""
			continue
		}
		pref, ok := byChannel[channel]
		if !ok || pref.Destination == "" {
			continue
		}
		if !pref.Enabled && !critical {
			continue
		}
		selected[channel] = maskDestination(channel, pref.Destination)
	}
	return selected
}

// maskDestination redacts the stored destination so delivery rows never
// expose a full address.
func maskDestination(channel, destination string) string {
	switch channel {
	case ChannelEmail:
		at := strings.Index(destination, "@")
		if at <= 1 {
			return "***"
		}
		return destination[:1] + "***" + destination[at:]
	case ChannelSMS:
		if len(destination) <= 4 {
			return "***"
		}
		return "******" + destination[len(destination)-4:]
	case ChannelPush:
		if len(destination) <= 6 {
			return "***"
		}
		return destination[:6] + "***"
	default:
		return destination
	}
}

// LogSender is the development transport for push, email and SMS: it logs
// the send instead of calling a provider.
type LogSender struct {
	Channel string
}

func (s *LogSender) Send(_ context.Context, delivery *Delivery, n *Notification) error {
	log.Info().
		Str("channel", s.Channel).
		Str("delivery_id", delivery.DeliveryID).
		Str("destination", delivery.Destination).
		Str("title", n.Title).
		Msg("notification dispatched")
	return nil
}
