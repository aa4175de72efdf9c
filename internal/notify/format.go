package notify

import (
	"fmt"
	"time"

	"github.com/zulandar/memorybridge/internal/models"
)

// Severity colors.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
)

// FormatCompleted lays out a completed action.
func FormatCompleted(a models.Action) FormattedEvent {
	text := a.Text
	if a.ModifiedText != "" {
		text = a.ModifiedText
	}
	fields := []Field{{Name: "Type", Value: a.Type, Short: true}}
	if a.Assignee != "" {
		fields = append(fields, Field{Name: "Assignee", Value: a.Assignee, Short: true})
	}
	if a.DueDate != nil {
		fields = append(fields, Field{Name: "Due", Value: a.DueDate.Format(time.RFC1123), Short: true})
	} else if a.DueContext != "" {
		fields = append(fields, Field{Name: "Due", Value: a.DueContext, Short: true})
	}
	if a.CompletedAt != nil {
		fields = append(fields, Field{Name: "Completed", Value: a.CompletedAt.Format(time.RFC1123), Short: true})
	}
	return FormattedEvent{
		Title:    "Done: " + text,
		Body:     a.Notes,
		Severity: "success",
		Color:    ColorSuccess,
		Fields:   fields,
	}
}

// CompletedMessage builds the message sent to one watcher channel.
func CompletedMessage(channelID string, a models.Action) OutboundMessage {
	ev := FormatCompleted(a)
	return OutboundMessage{
		ChannelID: channelID,
		Text:      fmt.Sprintf("%s (%s)", ev.Title, a.Type),
		Events:    []FormattedEvent{ev},
	}
}
