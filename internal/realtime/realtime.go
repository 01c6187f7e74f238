// Package realtime pushes membership and inbox events to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventMembershipUpdated      = "membership.updated"
	EventNotificationCreated    = "notification.created"
	EventAcknowledgementUpdated = "acknowledgement.updated"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

// Notifier fans events out to per-user channels. Publish is fire-and-forget:
// delivery failures are logged and never surface to the caller.
type Notifier interface {
	Publish(ctx context.Context, channel, event string, payload any)
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// ChannelForUser is the channel a user's clients listen on.
func ChannelForUser(userID string) string {
	return "user:" + userID
}
