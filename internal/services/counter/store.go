// Package counter provides atomic, period-bucketed usage counters with
// TTLs aligned to the bucket boundary.
package counter

import (
	"context"
	"fmt"
	"time"
)

// Period selects the bucket granularity of a counter key.
type Period int

const (
	Hour Period = iota
	Day
	Month
	Total
)

func (p Period) String() string {
	switch p {
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Total:
		return "total"
	default:
		return "unknown"
	}
}

// Bucket formats the UTC bucket label for the period containing now.
func (p Period) Bucket(now time.Time) string {
	now = now.UTC()
	switch p {
	case Hour:
		return now.Format("2006-01-02%15")
	case Day:
		return now.Format("2006-01-02")
	case Month:
		return now.Format("2006-01")
	default:
		return "total"
	}
}

// TTL returns the time remaining until the period boundary after now.
// Total buckets never expire.
func (p Period) TTL(now time.Time) time.Duration {
	now = now.UTC()
	switch p {
	case Hour:
		next := now.Truncate(time.Hour).Add(time.Hour)
		return next.Sub(now)
	case Day:
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return next.Sub(now)
	case Month:
		next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return next.Sub(now)
	default:
		return 0
	}
}

// Key builds the counter key for a tenant metric in the period containing now.
func Key(period Period, tenant, metric string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", tenant, metric, period.Bucket(now))
}

// Store is the atomic increment-and-read contract. Implementations must
// guarantee that concurrent increments sum exactly; callers never
// read-then-write.
type Store interface {
	// Increment atomically adds delta to the current bucket and returns the
	// post-increment value. The bucket TTL is set on first increment only.
	Increment(ctx context.Context, period Period, tenant, metric string, delta float64) (float64, error)

	// Get returns the current bucket value; ok is false when the key is
	// absent or expired.
	Get(ctx context.Context, period Period, tenant, metric string) (value float64, ok bool, err error)
}
