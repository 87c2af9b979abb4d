package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// renewScript extends the lease only while holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only if holder owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LeaseManager hands out exclusive, self-renewing leases stored in Redis.
// A lease outlives a crashed holder by at most its TTL.
type LeaseManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]context.CancelFunc // key + holder -> renewal stop
}

func NewLeaseManager(client *redis.Client, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		held:   make(map[string]context.CancelFunc),
	}
}

func heldKey(key, holder string) string {
	return key + "\x00" + holder
}

// Acquire takes the lease on key for holder. It reports false when another
// holder owns it. Acquiring a lease the holder already owns succeeds.
func (m *LeaseManager) Acquire(ctx context.Context, key, holder string) (bool, error) {
	full := m.prefix + key

	acquired, err := m.client.SetNX(ctx, full, holder, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !acquired {
		owner, err := m.client.Get(ctx, full).Result()
		if err == redis.Nil {
			// Expired between the two calls; let the caller retry.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read lease %s: %w", key, err)
		}
		if owner != holder {
			return false, nil
		}
	}

	m.mu.Lock()
	if _, ok := m.held[heldKey(key, holder)]; !ok {
		renewCtx, cancel := context.WithCancel(context.Background())
		m.held[heldKey(key, holder)] = cancel
		go m.renew(renewCtx, full, holder)
	}
	m.mu.Unlock()
	return true, nil
}

// Release gives up the lease if holder still owns it.
func (m *LeaseManager) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	if cancel, ok := m.held[heldKey(key, holder)]; ok {
		cancel()
		delete(m.held, heldKey(key, holder))
	}
	m.mu.Unlock()

	if err := releaseScript.Run(ctx, m.client, []string{m.prefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Close stops every renewal. Leases are left to expire.
func (m *LeaseManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, cancel := range m.held {
		cancel()
		delete(m.held, k)
	}
}

func (m *LeaseManager) renew(ctx context.Context, key, holder string) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, m.ttl/3)
			n, err := renewScript.Run(opCtx, m.client, []string{key}, holder, m.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				m.logger.Warnw("lease renewal failed", "key", key, "error", err)
			case n == 0:
				m.logger.Warnw("lease lost", "key", key, "holder", holder)
				return
			}
		}
	}
}
