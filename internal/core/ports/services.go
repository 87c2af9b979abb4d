package ports

import (
	"context"

	"livesignal/internal/core/domain"
)

type DescriptorProvider interface {
	GetStreamDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error)
}

type SessionValidator interface {
	ValidateSession(token string) (domain.Identity, error)
}

// PeakRecorder accepts peak viewer counts for external persistence. Calls
// must not block the caller on storage.
type PeakRecorder interface {
	RecordPeakViewers(ctx context.Context, id domain.StreamID, peak int)
}

type EventPublisher interface {
	Publish(ctx context.Context, event *domain.SessionEvent) error
}

// StatusRecorder mirrors session status transitions into the stream store.
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus) error
}
