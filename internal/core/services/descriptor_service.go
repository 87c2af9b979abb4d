package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/pkg/cache"
	"livesignal/pkg/circuitbreaker"
	"livesignal/pkg/retry"
	"livesignal/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DescriptorOptions configures DescriptorService.
type DescriptorOptions struct {
	CacheTTL          time.Duration
	DefaultICEServers []webrtc.ICEServer
	Retry             retry.Config
	CircuitBreaker    circuitbreaker.Config
}

// DescriptorService serves stream descriptors from the stream repository with
// caching, retries and a circuit breaker. It implements ports.DescriptorProvider.
type DescriptorService struct {
	repo    ports.StreamRepository
	cache   *cache.Cache[*domain.StreamDescriptor]
	breaker *circuitbreaker.CircuitBreaker
	opts    DescriptorOptions
	logger  *zap.SugaredLogger
}

func NewDescriptorService(repo ports.StreamRepository, opts DescriptorOptions, logger *zap.SugaredLogger) *DescriptorService {
	opts.Retry.NonRetryableErrors = append(opts.Retry.NonRetryableErrors,
		domain.ErrStreamNotFound, context.Canceled, context.DeadlineExceeded, circuitbreaker.ErrOpen)
	opts.CircuitBreaker.IgnoredErrors = append(opts.CircuitBreaker.IgnoredErrors,
		domain.ErrStreamNotFound, context.Canceled)

	s := &DescriptorService{
		repo:    repo,
		cache:   cache.New[*domain.StreamDescriptor](opts.CacheTTL),
		breaker: circuitbreaker.New("stream-descriptor", opts.CircuitBreaker),
		opts:    opts,
		logger:  logger,
	}
	s.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return s
}

func descriptorKey(id domain.StreamID) string {
	return "descriptor:" + string(id)
}

// GetStreamDescriptor returns the descriptor for id. The caller bounds the
// lookup through ctx; an expired deadline is reported as
// domain.ErrDescriptorTimeout.
func (s *DescriptorService) GetStreamDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error) {
	ctx, span := tracing.StartSpan(ctx, "descriptor.get")
	defer span.End()
	span.SetAttributes(tracing.StreamIDKey.String(string(id)))

	start := time.Now()
	d, err := s.cache.GetOrLoad(ctx, descriptorKey(id), func(ctx context.Context) (*domain.StreamDescriptor, error) {
		return retry.Do(ctx, s.opts.Retry, func() (*domain.StreamDescriptor, error) {
			return circuitbreaker.Call(ctx, s.breaker, func() (*domain.StreamDescriptor, error) {
				return s.repo.GetDescriptor(ctx, id)
			})
		})
	})
	span.SetAttributes(attribute.Int64("descriptor.lookup_ms", time.Since(start).Milliseconds()))

	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("stream %s: %w", id, domain.ErrDescriptorTimeout)
		}
		return nil, err
	}

	return s.withDefaults(d), nil
}

// Cached returns the descriptor for id only if it is already cached.
func (s *DescriptorService) Cached(id domain.StreamID) (*domain.StreamDescriptor, bool) {
	d, ok := s.cache.Get(descriptorKey(id))
	if !ok {
		return nil, false
	}
	return s.withDefaults(d), true
}

// SaveDescriptor stores d and drops any cached copy.
func (s *DescriptorService) SaveDescriptor(ctx context.Context, d *domain.StreamDescriptor) error {
	if d.Status == "" {
		d.Status = domain.StatusPending
	}
	d.UpdatedAt = time.Now()
	if err := s.repo.SaveDescriptor(ctx, d); err != nil {
		return fmt.Errorf("failed to save descriptor: %w", err)
	}
	s.cache.Delete(descriptorKey(d.StreamID))
	return nil
}

// UpdateStatus mirrors a session status change into the stream store.
func (s *DescriptorService) UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus) error {
	defer s.cache.Delete(descriptorKey(id))
	return s.repo.UpdateStatus(ctx, id, status)
}

// ListLive returns the descriptors the store reports as live, across all
// broker instances sharing it.
func (s *DescriptorService) ListLive(ctx context.Context) ([]*domain.StreamDescriptor, error) {
	return s.repo.ListLive(ctx)
}

func (s *DescriptorService) Invalidate(id domain.StreamID) {
	s.cache.Delete(descriptorKey(id))
}

// DefaultICEServers returns the configured fallback ICE servers.
func (s *DescriptorService) DefaultICEServers() []webrtc.ICEServer {
	return s.opts.DefaultICEServers
}

// BreakerStats reports the descriptor store circuit breaker.
func (s *DescriptorService) BreakerStats() circuitbreaker.Stats {
	return s.breaker.Stats()
}

func (s *DescriptorService) Stop() {
	s.cache.Stop()
}

// withDefaults returns a copy of d with the fallback ICE servers filled in.
// Cached descriptors are shared and never mutated.
func (s *DescriptorService) withDefaults(d *domain.StreamDescriptor) *domain.StreamDescriptor {
	out := *d
	if len(out.ICEServers) == 0 {
		out.ICEServers = s.opts.DefaultICEServers
	}
	return &out
}
