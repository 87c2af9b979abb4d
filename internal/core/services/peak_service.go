package services

import (
	"context"
	"errors"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/pkg/batch"

	"go.uber.org/zap"
)

type peakSample struct {
	streamID domain.StreamID
	peak     int
}

// PeakService buffers peak viewer counts and writes them to the stream
// repository in batches. Samples for the same stream within one batch are
// merged to their maximum. It implements ports.PeakRecorder.
type PeakService struct {
	repo    ports.StreamRepository
	batcher *batch.Batcher[peakSample]
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewPeakService(repo ports.StreamRepository, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *PeakService {
	s := &PeakService{
		repo:    repo,
		timeout: 5 * time.Second,
		logger:  logger,
	}
	s.batcher = batch.NewBatcher[peakSample](batchSize, interval,
		batch.ProcessorFunc[peakSample](s.flush),
		func(err error) {
			logger.Warnw("failed to persist peak viewers", "error", err)
		},
	)
	return s
}

// RecordPeakViewers queues a peak sample. It never blocks on storage.
func (s *PeakService) RecordPeakViewers(ctx context.Context, id domain.StreamID, peak int) {
	if peak <= 0 {
		return
	}
	s.batcher.Add(peakSample{streamID: id, peak: peak})
}

func (s *PeakService) flush(ctx context.Context, samples []peakSample) error {
	merged := make(map[domain.StreamID]int, len(samples))
	for _, sample := range samples {
		if sample.peak > merged[sample.streamID] {
			merged[sample.streamID] = sample.peak
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs []error
	for id, peak := range merged {
		if err := s.repo.RecordPeak(ctx, id, peak); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debugw("peak viewers recorded", "stream_id", id, "peak", peak)
	}
	return errors.Join(errs...)
}

// Stop writes any pending samples.
func (s *PeakService) Stop() {
	s.batcher.Stop()
}
