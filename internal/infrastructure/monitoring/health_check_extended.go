package monitoring

import (
	"context"
	"fmt"
	"time"

	"livesignal/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck verifies the stream store answers queries.
func (h *HealthChecker) AddRepositoryCheck(repo ports.StreamRepository, interval, timeout time.Duration) {
	h.AddCheck("stream_store", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListLive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCapacityCheck reports unhealthy once used reaches limit. A zero limit
// never fails.
func (h *HealthChecker) AddCapacityCheck(name string, used func() int, limit int, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if limit > 0 && used() >= limit {
			return false, fmt.Errorf("%s at capacity (%d/%d)", name, used(), limit)
		}
		return true, nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
