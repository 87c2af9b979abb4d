package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
)

type MemoryStreamRepository struct {
	streams map[domain.StreamID]*domain.StreamDescriptor
	mu      sync.RWMutex
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamID]*domain.StreamDescriptor),
	}
}

func (r *MemoryStreamRepository) GetDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	out := *d
	return &out, nil
}

func (r *MemoryStreamRepository) SaveDescriptor(ctx context.Context, descriptor *domain.StreamDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *descriptor
	if existing, ok := r.streams[descriptor.StreamID]; ok && existing.PeakViewers > stored.PeakViewers {
		stored.PeakViewers = existing.PeakViewers
	}
	r.streams[descriptor.StreamID] = &stored
	return nil
}

func (r *MemoryStreamRepository) UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.streams[id]
	if !exists {
		return domain.ErrStreamNotFound
	}

	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryStreamRepository) RecordPeak(ctx context.Context, id domain.StreamID, peak int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.streams[id]
	if !exists {
		return domain.ErrStreamNotFound
	}

	if peak > d.PeakViewers {
		d.PeakViewers = peak
	}
	return nil
}

func (r *MemoryStreamRepository) ListLive(ctx context.Context) ([]*domain.StreamDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.StreamDescriptor
	for _, d := range r.streams {
		if d.Status == domain.StatusLive {
			out := *d
			live = append(live, &out)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].StreamID < live[j].StreamID })
	return live, nil
}

// ListAll returns every stored descriptor ordered by stream id.
func (r *MemoryStreamRepository) ListAll(ctx context.Context) ([]*domain.StreamDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.StreamDescriptor, 0, len(r.streams))
	for _, d := range r.streams {
		out := *d
		all = append(all, &out)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].StreamID < all[j].StreamID })
	return all, nil
}
