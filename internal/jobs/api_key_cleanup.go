// api_key_cleanup.go implements the APIKeyCleanup background job, which periodically
// deletes API keys past their expiry. Expired keys are already rejected at
// authentication time; this only keeps the table from accumulating dead rows.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// ExpiredKeyDeleter removes expired API keys.
type ExpiredKeyDeleter interface {
	DeleteExpiredKeys(ctx context.Context) (int64, error)
}

// APIKeyCleanup periodically purges expired API keys.
type APIKeyCleanup struct {
	repo     ExpiredKeyDeleter
	interval time.Duration
	stopChan chan struct{}
}

// NewAPIKeyCleanup creates a new APIKeyCleanup. A non-positive interval defaults to 1h.
func NewAPIKeyCleanup(repo ExpiredKeyDeleter, interval time.Duration) *APIKeyCleanup {
	if interval <= 0 {
		interval = time.Hour
	}
	return &APIKeyCleanup{
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs a cleanup immediately, then repeats on the configured interval.
// The loop exits when ctx is cancelled or Stop() is called.
func (c *APIKeyCleanup) Start(ctx context.Context) {
	if c.repo == nil {
		slog.Info("API key cleanup: disabled (no key repository)")
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	slog.Info("API key cleanup started", "interval", c.interval)

	c.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			c.runCleanup(ctx)
		case <-c.stopChan:
			slog.Info("API key cleanup stopped")
			return
		case <-ctx.Done():
			slog.Info("API key cleanup context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (c *APIKeyCleanup) Stop() {
	close(c.stopChan)
}

func (c *APIKeyCleanup) runCleanup(ctx context.Context) int64 {
	n, err := c.repo.DeleteExpiredKeys(ctx)
	if err != nil {
		slog.Error("API key cleanup: failed to delete expired keys", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("API key cleanup: deleted expired keys", "count", n)
	}
	return n
}
