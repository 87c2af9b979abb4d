package redis

import (
	"context"
	"fmt"
	"time"

	"livesignal/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions configures the shared Redis client.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// Connect bounds the initial ping; transient failures are retried with
	// backoff until it expires.
	Connect retry.Config
}

// NewRedisClient connects to Redis, retrying the first ping, and brings the
// key schema up to date.
func NewRedisClient(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: min(2, opts.PoolSize),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	attempt := 0
	_, err := retry.Do(pingCtx, opts.Connect, func() (struct{}, error) {
		attempt++
		err := client.Ping(pingCtx).Err()
		if err != nil && logger != nil {
			logger.Debugw("redis ping failed", "address", opts.Address, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(pingCtx, client, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}

	return client, nil
}

// CloseRedisClient closes client if it is non-nil.
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
