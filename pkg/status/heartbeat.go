package status

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatInterval matches the daemon's status refresh period.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat stamps LastCheck on sink immediately and then every interval
// until ctx is cancelled.
func Heartbeat(ctx context.Context, sink Sink, interval time.Duration) {
	logger := slog.Default().With("component", "heartbeat")
	beat := func() {
		if err := sink.Update(ctx, Patch{LastCheck: Time(time.Now().UTC())}); err != nil {
			logger.WarnContext(ctx, "heartbeat update failed", "error", err)
		}
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
