package chat

import (
	"fmt"
	"time"

	"github.com/realtime-chat-go/internal/models"
)

const systemColor = "#888888"

// DefaultFallback returns the records shown when the store is unreachable
// and nothing has been cached yet.
func DefaultFallback(now time.Time) []models.ChatRecord {
	return StaticFallback(
		"Chat is offline. Messages will appear once the connection is back.",
		"Welcome to the chat room.",
	)(now)
}

// StaticFallback builds a FallbackFunc from system messages, newest first.
func StaticFallback(messages ...string) FallbackFunc {
	return func(now time.Time) []models.ChatRecord {
		records := make([]models.ChatRecord, 0, len(messages))
		for i, message := range messages {
			ts := now.Add(-time.Duration(i) * time.Minute).UnixMilli()
			records = append(records, models.ChatRecord{
				ID:         models.LocalID(fmt.Sprintf("fallback-%d", i+1)),
				Name:       "System",
				Color:      systemColor,
				Message:    message,
				ServerTime: ts,
				ClientTime: ts,
				IsSystem:   true,
			})
		}
		return records
	}
}
