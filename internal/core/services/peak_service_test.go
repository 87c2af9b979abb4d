package services

import (
	"context"
	"testing"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPeakService_MergesAndPersists(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewMemoryStreamRepository()
	require.NoError(t, repo.SaveDescriptor(ctx, &domain.StreamDescriptor{StreamID: "stream-42", Owner: "0xB"}))
	require.NoError(t, repo.SaveDescriptor(ctx, &domain.StreamDescriptor{StreamID: "stream-7", Owner: "0xC", PeakViewers: 10}))

	svc := NewPeakService(repo, 100, time.Hour, zaptest.NewLogger(t).Sugar())

	svc.RecordPeakViewers(ctx, "stream-42", 3)
	svc.RecordPeakViewers(ctx, "stream-42", 7)
	svc.RecordPeakViewers(ctx, "stream-42", 5)
	svc.RecordPeakViewers(ctx, "stream-7", 4)
	svc.RecordPeakViewers(ctx, "stream-42", 0)

	// Stop flushes what is pending.
	svc.Stop()

	d, err := repo.GetDescriptor(ctx, "stream-42")
	require.NoError(t, err)
	assert.Equal(t, 7, d.PeakViewers)

	d, err = repo.GetDescriptor(ctx, "stream-7")
	require.NoError(t, err)
	assert.Equal(t, 10, d.PeakViewers, "stored peaks never decrease")
}

func TestPeakService_FlushesOnBatchSize(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewMemoryStreamRepository()
	require.NoError(t, repo.SaveDescriptor(ctx, &domain.StreamDescriptor{StreamID: "stream-42", Owner: "0xB"}))

	svc := NewPeakService(repo, 2, time.Hour, zaptest.NewLogger(t).Sugar())
	defer svc.Stop()

	svc.RecordPeakViewers(ctx, "stream-42", 1)
	svc.RecordPeakViewers(ctx, "stream-42", 2)

	assert.Eventually(t, func() bool {
		d, err := repo.GetDescriptor(ctx, "stream-42")
		return err == nil && d.PeakViewers == 2
	}, time.Second, 10*time.Millisecond)
}
