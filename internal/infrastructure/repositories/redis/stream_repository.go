package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "livesignal:stream:"

// recordPeakScript raises the stored peak for a stream to ARGV[2] when it is
// higher. Returns -1 if the descriptor does not exist.
var recordPeakScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local current = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
local peak = tonumber(ARGV[2])
if peak > current then
	redis.call("HSET", KEYS[2], ARGV[1], peak)
	return peak
end
return current
`)

type RedisStreamRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisStreamRepository(client *redis.Client) ports.StreamRepository {
	return &RedisStreamRepository{
		client: client,
		prefix: keyPrefix,
	}
}

func (r *RedisStreamRepository) streamKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *RedisStreamRepository) liveStreamsKey() string {
	return r.prefix + "live"
}

func (r *RedisStreamRepository) peaksKey() string {
	return r.prefix + "peaks"
}

func (r *RedisStreamRepository) GetDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error) {
	pipe := r.client.Pipeline()
	dataCmd := pipe.Get(ctx, r.streamKey(id))
	peakCmd := pipe.HGet(ctx, r.peaksKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	data, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var d domain.StreamDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}

	if peak, err := peakCmd.Int(); err == nil && peak > d.PeakViewers {
		d.PeakViewers = peak
	}

	return &d, nil
}

func (r *RedisStreamRepository) SaveDescriptor(ctx context.Context, descriptor *domain.StreamDescriptor) error {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.streamKey(descriptor.StreamID), data, 0)
		if descriptor.Status == domain.StatusLive {
			pipe.SAdd(ctx, r.liveStreamsKey(), string(descriptor.StreamID))
		} else {
			pipe.SRem(ctx, r.liveStreamsKey(), string(descriptor.StreamID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save stream in Redis: %w", err)
	}

	if descriptor.PeakViewers > 0 {
		return r.RecordPeak(ctx, descriptor.StreamID, descriptor.PeakViewers)
	}
	return nil
}

// UpdateStatus rewrites the stored descriptor under WATCH so a concurrent
// SaveDescriptor is not overwritten with stale fields.
func (r *RedisStreamRepository) UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus) error {
	key := r.streamKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		var d domain.StreamDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal stream: %w", err)
		}
		d.Status = status
		d.UpdatedAt = time.Now()

		updated, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("failed to marshal stream: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if status == domain.StatusLive {
				pipe.SAdd(ctx, r.liveStreamsKey(), string(id))
			} else {
				pipe.SRem(ctx, r.liveStreamsKey(), string(id))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrStreamNotFound) {
			return fmt.Errorf("failed to update stream status in Redis: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to update stream status in Redis: %w", redis.TxFailedErr)
}

func (r *RedisStreamRepository) RecordPeak(ctx context.Context, id domain.StreamID, peak int) error {
	res, err := recordPeakScript.Run(ctx, r.client,
		[]string{r.streamKey(id), r.peaksKey()},
		string(id), peak,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to record peak in Redis: %w", err)
	}
	if res < 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func (r *RedisStreamRepository) ListLive(ctx context.Context) ([]*domain.StreamDescriptor, error) {
	ids, err := r.client.SMembers(ctx, r.liveStreamsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live streams from Redis: %w", err)
	}

	var streams []*domain.StreamDescriptor
	for _, id := range ids {
		d, err := r.GetDescriptor(ctx, domain.StreamID(id))
		if err != nil {
			// Skip streams that no longer exist
			continue
		}
		if d.Status == domain.StatusLive {
			streams = append(streams, d)
		}
	}

	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })
	return streams, nil
}
