package session

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 15 * time.Second

// StartHeartbeat launches a goroutine that periodically refreshes the
// session's heartbeat. It returns a channel that receives an error if the
// session is no longer active; it stops silently when ctx is cancelled.
func StartHeartbeat(ctx context.Context, db *gorm.DB, id string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := Heartbeat(db, id); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}
