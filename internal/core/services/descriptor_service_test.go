package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/infrastructure/repositories/memory"
	"livesignal/pkg/circuitbreaker"
	"livesignal/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errStoreDown = errors.New("store down")

// flakyRepository fails the first failures lookups, or blocks until the
// context expires when hang is set.
type flakyRepository struct {
	ports.StreamRepository
	calls    atomic.Int32
	failures int32
	hang     bool
}

func (r *flakyRepository) GetDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error) {
	n := r.calls.Add(1)
	if r.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= r.failures {
		return nil, errStoreDown
	}
	return r.StreamRepository.GetDescriptor(ctx, id)
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func newDescriptorService(t *testing.T, repo ports.StreamRepository, rc retry.Config, cb circuitbreaker.Config) *DescriptorService {
	t.Helper()
	svc := NewDescriptorService(repo, DescriptorOptions{
		CacheTTL:          time.Minute,
		DefaultICEServers: defaultICE,
		Retry:             rc,
		CircuitBreaker:    cb,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(svc.Stop)
	return svc
}

func seededRepository(t *testing.T) ports.StreamRepository {
	t.Helper()
	repo := memory.NewMemoryStreamRepository()
	require.NoError(t, repo.SaveDescriptor(context.Background(), &domain.StreamDescriptor{
		StreamID: "stream-42",
		Owner:    "0xB0B",
		Status:   domain.StatusPending,
	}))
	return repo
}

func TestDescriptorService_CachesAndFillsDefaults(t *testing.T) {
	repo := &flakyRepository{StreamRepository: seededRepository(t)}
	svc := newDescriptorService(t, repo, retry.Config{}, circuitbreaker.DefaultConfig())
	ctx := context.Background()

	_, ok := svc.Cached("stream-42")
	assert.False(t, ok)

	d, err := svc.GetStreamDescriptor(ctx, "stream-42")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("0xB0B"), d.Owner)
	assert.Equal(t, defaultICE, d.ICEServers)

	_, err = svc.GetStreamDescriptor(ctx, "stream-42")
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.calls.Load())

	cached, ok := svc.Cached("stream-42")
	require.True(t, ok)
	assert.Equal(t, defaultICE, cached.ICEServers)

	// Mutating a returned copy leaves the cache alone.
	d.ICEServers = nil
	again, _ := svc.Cached("stream-42")
	assert.NotEmpty(t, again.ICEServers)
}

func TestDescriptorService_NotFound(t *testing.T) {
	repo := &flakyRepository{StreamRepository: memory.NewMemoryStreamRepository()}
	svc := newDescriptorService(t, repo, retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, circuitbreaker.DefaultConfig())

	_, err := svc.GetStreamDescriptor(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.Equal(t, int32(1), repo.calls.Load(), "not found is never retried")
	assert.Equal(t, circuitbreaker.StateClosed, svc.BreakerStats().State)
}

func TestDescriptorService_RetriesTransientFailures(t *testing.T) {
	repo := &flakyRepository{StreamRepository: seededRepository(t), failures: 2}
	svc := newDescriptorService(t, repo, retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, circuitbreaker.DefaultConfig())

	d, err := svc.GetStreamDescriptor(context.Background(), "stream-42")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("stream-42"), d.StreamID)
	assert.Equal(t, int32(3), repo.calls.Load())
}

func TestDescriptorService_TimeoutIsReported(t *testing.T) {
	repo := &flakyRepository{StreamRepository: seededRepository(t), hang: true}
	svc := newDescriptorService(t, repo, retry.Config{}, circuitbreaker.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.GetStreamDescriptor(ctx, "stream-42")
	assert.ErrorIs(t, err, domain.ErrDescriptorTimeout)
}

func TestDescriptorService_BreakerOpens(t *testing.T) {
	repo := &flakyRepository{StreamRepository: seededRepository(t), failures: 100}
	svc := newDescriptorService(t, repo, retry.Config{}, circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.GetStreamDescriptor(ctx, "stream-42")
		assert.ErrorIs(t, err, errStoreDown)
	}
	assert.Equal(t, circuitbreaker.StateOpen, svc.BreakerStats().State)

	_, err := svc.GetStreamDescriptor(ctx, "stream-42")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), repo.calls.Load())
}

func TestDescriptorService_WritesInvalidateCache(t *testing.T) {
	repo := &flakyRepository{StreamRepository: seededRepository(t)}
	svc := newDescriptorService(t, repo, retry.Config{}, circuitbreaker.DefaultConfig())
	ctx := context.Background()

	_, err := svc.GetStreamDescriptor(ctx, "stream-42")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, "stream-42", domain.StatusLive))
	_, ok := svc.Cached("stream-42")
	assert.False(t, ok)

	d, err := svc.GetStreamDescriptor(ctx, "stream-42")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, d.Status)

	live, err := svc.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)

	require.NoError(t, svc.SaveDescriptor(ctx, &domain.StreamDescriptor{StreamID: "stream-42", Owner: "0xB0B", Title: "retitled"}))
	d, err = svc.GetStreamDescriptor(ctx, "stream-42")
	require.NoError(t, err)
	assert.Equal(t, "retitled", d.Title)
	assert.Equal(t, domain.StatusPending, d.Status)
}
