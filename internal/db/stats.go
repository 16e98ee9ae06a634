package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// LedgerStats is a point-in-time count of ledger rows.
type LedgerStats struct {
	Pending      int64
	ActiveGrants int64
}

// StatsSink receives every successful sample.
type StatsSink interface {
	ObserveLedger(LedgerStats)
}

// StartStatsCollector samples the number of pending requests and active
// grants every interval until ctx is cancelled. It never writes; grant expiry
// stays a read-time computation.
func StartStatsCollector(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	clock func() time.Time,
	sink StatsSink,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var st LedgerStats
				err := db.QueryRowContext(ctx, `
                    SELECT
                        (SELECT COUNT(*) FROM access_requests WHERE status = 'pending'),
                        (SELECT COUNT(*) FROM access_grants WHERE expires_at > $1)
                `, clock()).Scan(&st.Pending, &st.ActiveGrants)
				if err != nil {
					log.Error("failed to sample ledger stats", zap.Error(err))
					continue
				}
				sink.ObserveLedger(st)
			}
		}
	}()
}
