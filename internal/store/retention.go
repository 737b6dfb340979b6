package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/policy-assistant/internal/shared"
)

// DefaultRetentionInterval is how often the retention worker sweeps.
const DefaultRetentionInterval = 5 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically prunes
// call records older than retention. It stops when ctx is done. A
// non-positive retention would prune everything, so no worker is started.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Warn("Retention worker not started", "retention", retention)
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneExpiredCalls(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneExpiredCalls(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := pruneCallsWithRetry(ctx, repo, retention)
	if err != nil {
		slog.Error("Retention worker failed to prune call records", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned call records", "count", deleted)
	}
}

// pruneCallsWithRetry retries PruneCalls while the database is locked.
// A prune interrupted by shutdown is not an error.
func pruneCallsWithRetry(ctx context.Context, repo Repository, retention time.Duration) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "prune_calls", 3, 100*time.Millisecond, func() error {
		var err error
		deleted, err = repo.PruneCalls(ctx, retention)
		return err
	})
	if err != nil && ctx.Err() != nil {
		slog.Debug("Retention worker: context canceled during prune", "error", err)
		return 0, nil
	}
	return deleted, err
}
