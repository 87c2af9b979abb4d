package ports

import (
	"context"

	"livesignal/internal/core/domain"
)

// StreamRepository persists stream descriptors and viewer peaks outside the
// broker process.
type StreamRepository interface {
	GetDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error)
	SaveDescriptor(ctx context.Context, descriptor *domain.StreamDescriptor) error
	UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus) error
	// RecordPeak stores peak only if it is greater than the stored value.
	RecordPeak(ctx context.Context, id domain.StreamID, peak int) error
	ListLive(ctx context.Context) ([]*domain.StreamDescriptor, error)
}
