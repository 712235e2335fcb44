package cache

import (
	"context"
	"time"
)

const defaultSweepInterval = time.Hour

// StartJanitor runs ClearExpired every interval until ctx is cancelled.
// The returned channel is closed once the janitor has stopped.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Debug("Janitor started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				m.logger.Debug("Janitor stopped")
				return
			case <-ticker.C:
				m.ClearExpired(ctx)
			}
		}
	}()
	return done
}
