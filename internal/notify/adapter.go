// Package notify tells session watchers about completed actions on a chat
// platform (Slack, Discord).
package notify

import "context"

// Adapter is implemented by each platform. Adapters are send-only.
type Adapter interface {
	// Platform names the adapter, e.g. "slack".
	Platform() string

	// Connect authenticates with the platform. It is idempotent.
	Connect(ctx context.Context) error

	// Send delivers one message.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close releases the connection.
	Close() error
}

// OutboundMessage is a message to a watcher's channel.
type OutboundMessage struct {
	ChannelID string           // target channel or DM
	Text      string           // fallback text
	Events    []FormattedEvent // structured attachments
}

// FormattedEvent is an action event laid out for chat display.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info, warning, error, success
	Color    string // sidebar color hint, e.g. "#36a64f"
	Fields   []Field
}

// Field is a key-value pair shown in an attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}
