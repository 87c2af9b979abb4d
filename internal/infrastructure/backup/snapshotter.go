package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/pkg/backup"

	"go.uber.org/zap"
)

// DescriptorStore is the slice of the in-process stream repository the
// snapshotter reads from and restores into.
type DescriptorStore interface {
	ListAll(ctx context.Context) ([]*domain.StreamDescriptor, error)
	SaveDescriptor(ctx context.Context, descriptor *domain.StreamDescriptor) error
}

type Config struct {
	Interval time.Duration
	Keep     int
}

// Snapshotter periodically persists stream descriptors so an instance
// without Redis keeps its registered streams across restarts.
type Snapshotter struct {
	snapshots *backup.Service
	store     DescriptorStore
	interval  time.Duration
	keep      int
	logger    *zap.SugaredLogger
}

func NewSnapshotter(snapshots *backup.Service, store DescriptorStore, cfg Config, logger *zap.SugaredLogger) *Snapshotter {
	if cfg.Keep < 1 {
		cfg.Keep = 1
	}
	return &Snapshotter{
		snapshots: snapshots,
		store:     store,
		interval:  cfg.Interval,
		keep:      cfg.Keep,
		logger:    logger,
	}
}

// Restore loads the newest snapshot into the store. Streams that were live
// come back pending: no broadcaster survives a restart. It returns the
// number of descriptors restored; a missing snapshot is not an error.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	var descriptors []*domain.StreamDescriptor
	env, name, err := s.snapshots.LoadLatest(ctx, &descriptors)
	if errors.Is(err, backup.ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	for _, d := range descriptors {
		if d == nil || d.StreamID == "" {
			continue
		}
		if d.Status == domain.StatusLive {
			d.Status = domain.StatusPending
		}
		if err := s.store.SaveDescriptor(ctx, d); err != nil {
			return 0, fmt.Errorf("restore %s: %w", d.StreamID, err)
		}
	}

	s.logger.Infow("restored stream descriptors",
		"snapshot", name,
		"taken_at", env.Timestamp,
		"count", len(descriptors),
	)
	return len(descriptors), nil
}

// Snapshot writes the current descriptors and prunes old snapshots.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	descriptors, err := s.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list descriptors: %w", err)
	}

	name, err := s.snapshots.Save(ctx, descriptors)
	if err != nil {
		return err
	}

	pruned, err := s.snapshots.Prune(ctx, s.keep)
	if err != nil {
		s.logger.Warnw("failed to prune snapshots", "error", err)
	}
	s.logger.Debugw("stream descriptors snapshotted",
		"snapshot", name,
		"count", len(descriptors),
		"pruned", pruned,
	)
	return nil
}

// Start snapshots on every tick until ctx is done or the returned stop
// function is called, then takes one final snapshot.
func (s *Snapshotter) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Snapshot(ctx); err != nil {
					s.logger.Warnw("scheduled snapshot failed", "error", err)
				}
			case <-ctx.Done():
				final, cancelFinal := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.Snapshot(final); err != nil {
					s.logger.Warnw("final snapshot failed", "error", err)
				}
				cancelFinal()
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
