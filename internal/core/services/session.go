package services

import (
	"sync"
	"time"

	"livesignal/internal/core/domain"
)

// StreamSession is the live membership of one stream. Readers may use the
// exported accessors from any goroutine; only SessionRegistry mutates it.
type StreamSession struct {
	ID        domain.StreamID
	CreatedAt time.Time

	mu          sync.RWMutex
	status      domain.StreamStatus
	broadcaster *domain.Connection
	viewers     map[domain.ConnectionID]*domain.Connection
	peak        int
	liveAt      time.Time
	endedAt     time.Time
}

func newStreamSession(id domain.StreamID, now time.Time) *StreamSession {
	return &StreamSession{
		ID:        id,
		CreatedAt: now,
		status:    domain.StatusPending,
		viewers:   make(map[domain.ConnectionID]*domain.Connection),
	}
}

func (s *StreamSession) Status() domain.StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *StreamSession) Broadcaster() *domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcaster
}

func (s *StreamSession) ViewerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

func (s *StreamSession) PeakViewers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peak
}

// Viewer returns the attached viewer with the given connection id.
func (s *StreamSession) Viewer(id domain.ConnectionID) (*domain.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.viewers[id]
	return c, ok
}

// ViewersByIdentity returns every attached connection of a wallet. A wallet
// watching from several tabs has several connections.
func (s *StreamSession) ViewersByIdentity(identity domain.Identity) []*domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Connection
	for _, c := range s.viewers {
		if c.Identity == identity {
			out = append(out, c)
		}
	}
	return out
}

func (s *StreamSession) Viewers() []*domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Connection, 0, len(s.viewers))
	for _, c := range s.viewers {
		out = append(out, c)
	}
	return out
}

// Has reports whether conn is currently attached to this session.
func (s *StreamSession) Has(conn *domain.Connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if conn.Role == domain.RoleBroadcaster {
		return s.broadcaster == conn
	}
	return s.viewers[conn.ID] == conn
}

func (s *StreamSession) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *StreamSession) snapshotLocked() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		StreamID:    s.ID,
		Status:      s.status,
		ViewerCount: len(s.viewers),
		PeakViewers: s.peak,
		CreatedAt:   s.CreatedAt,
	}
	if s.broadcaster != nil {
		snap.Broadcaster = s.broadcaster.Identity
	}
	if !s.liveAt.IsZero() {
		liveAt := s.liveAt
		snap.LiveAt = &liveAt
	}
	return snap
}
