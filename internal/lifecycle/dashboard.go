package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type DashboardStats struct {
	ActiveUploads  int64 `json:"active_uploads"`
	MergingUploads int64 `json:"merging_uploads"`
	StoredChunks   int64 `json:"stored_chunks"`
	StoredBytes    int64 `json:"stored_bytes"`
	StaleUploads   int64 `json:"stale_uploads"`
	UploadsToday   int64 `json:"uploads_today"`
}

// GetDashboardStats summarises the ledger. Uploads idle since staleCutoff
// count as stale.
func (s *SQLiteStore) GetDashboardStats(ctx context.Context, staleCutoff time.Time) (*DashboardStats, error) {
	today := s.now().UTC().Truncate(24 * time.Hour)
	stats := &DashboardStats{}

	counts := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&stats.ActiveUploads, `SELECT COUNT(*) FROM uploads`, nil},
		{&stats.MergingUploads, `SELECT COUNT(*) FROM uploads WHERE status = ?`, []any{string(StatusMerging)}},
		{&stats.StoredChunks, `SELECT COUNT(*) FROM chunks`, nil},
		{&stats.StoredBytes, `SELECT COALESCE(SUM(size_bytes),0) FROM chunks`, nil},
		{&stats.StaleUploads, `SELECT COUNT(*) FROM uploads WHERE updated_at <= ?`, []any{iso(staleCutoff)}},
		{&stats.UploadsToday, `SELECT COUNT(*) FROM uploads WHERE created_at >= ?`, []any{iso(today)}},
	}

	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, errors.Wrap(err, "failed to compute dashboard stats")
		}
	}

	return stats, nil
}
