package services

import (
	"sync"
	"time"

	"livesignal/internal/core/domain"
)

// RegistryOptions bounds the registry's memory footprint. Zero means unbounded.
type RegistryOptions struct {
	MaxStreams          int
	MaxViewersPerStream int
}

// AttachResult describes the session state right after a viewer attach.
type AttachResult struct {
	Session       *StreamSession
	Added         bool
	ViewerCount   int
	PeakViewers   int
	PeakIncreased bool
}

type DetachResult struct {
	Session     *StreamSession
	Removed     bool
	ViewerCount int
}

// EndResult carries everyone that was attached when a session ended.
type EndResult struct {
	Broadcaster *domain.Connection
	Viewers     []*domain.Connection
	PeakViewers int
}

// SessionRegistry is the single source of truth for which connection is
// attached to which stream. The registry lock guards only the map; each
// session guards its own membership.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.StreamID]*StreamSession
	opts     RegistryOptions

	now func() time.Time
}

func NewSessionRegistry(opts RegistryOptions) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[domain.StreamID]*StreamSession),
		opts:     opts,
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, creating a pending one if none
// exists. Concurrent callers always receive the same object.
func (r *SessionRegistry) GetOrCreate(id domain.StreamID) (*StreamSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if r.opts.MaxStreams > 0 && len(r.sessions) >= r.opts.MaxStreams {
		return nil, domain.ErrStreamLimitReached
	}

	s = newStreamSession(id, r.now())
	r.sessions[id] = s
	return s, nil
}

func (r *SessionRegistry) Get(id domain.StreamID) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// AttachBroadcaster makes conn the broadcaster of id and moves the session to
// live. A second broadcaster is rejected; the incumbent stays attached.
func (r *SessionRegistry) AttachBroadcaster(id domain.StreamID, conn *domain.Connection) (*StreamSession, error) {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.status == domain.StatusEnded:
		return nil, domain.ErrSessionEnded
	case s.broadcaster == conn:
		return s, nil
	case s.broadcaster != nil:
		return nil, domain.ErrAlreadyLive
	}

	s.broadcaster = conn
	s.status = domain.StatusLive
	s.liveAt = r.now()
	return s, nil
}

// AttachViewer adds conn to the viewer set of id. Attaching an already
// attached connection is a no-op that still reports current counts.
func (r *SessionRegistry) AttachViewer(id domain.StreamID, conn *domain.Connection) (AttachResult, error) {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return AttachResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusEnded {
		return AttachResult{}, domain.ErrSessionEnded
	}

	res := AttachResult{Session: s}
	if _, exists := s.viewers[conn.ID]; !exists {
		if r.opts.MaxViewersPerStream > 0 && len(s.viewers) >= r.opts.MaxViewersPerStream {
			return AttachResult{}, domain.ErrViewerLimitReached
		}
		s.viewers[conn.ID] = conn
		res.Added = true
	}

	res.ViewerCount = len(s.viewers)
	if res.ViewerCount > s.peak {
		s.peak = res.ViewerCount
		res.PeakIncreased = true
	}
	res.PeakViewers = s.peak
	return res, nil
}

// Detach removes conn from its session. It is idempotent: detaching a
// connection that is not attached changes nothing.
func (r *SessionRegistry) Detach(id domain.StreamID, conn *domain.Connection) DetachResult {
	s, ok := r.Get(id)
	if !ok {
		return DetachResult{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := DetachResult{Session: s}
	switch conn.Role {
	case domain.RoleBroadcaster:
		if s.broadcaster == conn {
			s.broadcaster = nil
			res.Removed = true
		}
	case domain.RoleViewer:
		if cur, exists := s.viewers[conn.ID]; exists && cur == conn {
			delete(s.viewers, conn.ID)
			res.Removed = true
		}
	}
	res.ViewerCount = len(s.viewers)
	return res
}

// Snapshot returns the counters of id in O(1).
func (r *SessionRegistry) Snapshot(id domain.StreamID) (domain.SessionSnapshot, bool) {
	s, ok := r.Get(id)
	if !ok {
		return domain.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}

// End moves s to ended and releases every attached connection. When by is
// non-nil the session is only ended if by is still its broadcaster. Only the
// first caller gets ok=true.
func (r *SessionRegistry) End(s *StreamSession, by *domain.Connection) (EndResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusEnded {
		return EndResult{}, false
	}
	if by != nil && s.broadcaster != by {
		return EndResult{}, false
	}
	return r.endLocked(s), true
}

// EndPending ends s only if it is still pending and was created before
// cutoff. A session that went live in the meantime is left alone.
func (r *SessionRegistry) EndPending(s *StreamSession, cutoff time.Time) (EndResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusPending || !s.CreatedAt.Before(cutoff) {
		return EndResult{}, false
	}
	return r.endLocked(s), true
}

func (r *SessionRegistry) endLocked(s *StreamSession) EndResult {
	res := EndResult{
		Broadcaster: s.broadcaster,
		Viewers:     make([]*domain.Connection, 0, len(s.viewers)),
		PeakViewers: s.peak,
	}
	for _, c := range s.viewers {
		res.Viewers = append(res.Viewers, c)
	}

	s.status = domain.StatusEnded
	s.endedAt = r.now()
	s.broadcaster = nil
	s.viewers = make(map[domain.ConnectionID]*domain.Connection)
	return res
}

// Destroy removes s from the registry if it is ended and still registered
// under its id. A newer session for the same id is never removed.
func (r *SessionRegistry) Destroy(s *StreamSession) bool {
	if s.Status() != domain.StatusEnded {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Sessions returns the registered sessions in no particular order.
func (r *SessionRegistry) Sessions() []*StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) List() []domain.SessionSnapshot {
	sessions := r.Sessions()
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
