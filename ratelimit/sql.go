package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQL keeps counters in the rate_limit table so every instance sharing the
// database sees the same windows. Increment and read happen in one statement.
type SQL struct {
	db     *sql.DB
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSQL(db *sql.DB, limit int, window time.Duration) *SQL {
	return &SQL{db: db, limit: limit, window: window, now: time.Now}
}

func (s *SQL) CheckLimit(ctx context.Context, key string) (Decision, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	expiredBefore := nowMs - s.window.Milliseconds()

	var count int
	var startMs int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit (key, window_start, count) VALUES ($1, $2, 1)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_limit.window_start <= $3 THEN 1 ELSE rate_limit.count + 1 END,
			window_start = CASE WHEN rate_limit.window_start <= $3 THEN $2 ELSE rate_limit.window_start END
		RETURNING count, window_start`,
		key,
		nowMs,
		expiredBefore,
	).Scan(&count, &startMs)
	if err != nil {
		return Decision{}, errors.Wrap(err, "upsert rate_limit")
	}

	return decide(s.limit, count, time.UnixMilli(startMs), s.window), nil
}
