package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore backs counters with Redis INCRBYFLOAT. The bucket TTL is set
// with EXPIRE NX so later increments never extend it.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.Named("counter"),
		now:    time.Now,
	}
}

func (s *RedisStore) Increment(ctx context.Context, period Period, tenant, metric string, delta float64) (float64, error) {
	now := s.now()
	key := Key(period, tenant, metric, now)

	value, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	if ttl := period.TTL(now); ttl > 0 {
		// NX keeps the expiry anchored to the first increment of the bucket.
		if err := s.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
			s.logger.Warn("Failed to set counter TTL",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	return value, nil
}

func (s *RedisStore) Get(ctx context.Context, period Period, tenant, metric string) (float64, bool, error) {
	key := Key(period, tenant, metric, s.now())

	value, err := s.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return value, true, nil
}
