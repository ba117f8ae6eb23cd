package lifecycle

import (
	"context"
	"time"

	"github.com/lvbu1984/chunkd/internal/logging"
)

// Reaper discards an upload's chunks and ledger entry if, once it holds the
// upload's lock, the upload is still idle since cutoff.
type Reaper interface {
	Expire(ctx context.Context, uploadID string, cutoff time.Time) (bool, error)
}

type staleLister interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StartExpirationScheduler abandons uploads idle for longer than staleAfter,
// checking every interval until ctx is done. It blocks; run it in a goroutine.
func StartExpirationScheduler(ctx context.Context, store staleLister, reaper Reaper, staleAfter, interval time.Duration, logger logging.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			SweepOnce(ctx, store, reaper, time.Now().Add(-staleAfter), logger)
		}
	}
}

// SweepOnce abandons every upload idle since cutoff and returns how many were
// removed.
func SweepOnce(ctx context.Context, store staleLister, reaper Reaper, cutoff time.Time, logger logging.Logger) int {
	ids, err := store.ListStale(ctx, cutoff)
	if err != nil {
		logger.Error("failed to list stale uploads", "error", err)
		return 0
	}

	removed := 0
	for _, id := range ids {
		expired, err := reaper.Expire(ctx, id, cutoff)
		if err != nil {
			logger.Warn("failed to expire stale upload", "upload_id", id, "error", err)
			continue
		}
		if expired {
			logger.Info("expired stale upload", "upload_id", id)
			removed++
		}
	}
	return removed
}
