package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/core/services"
	"livesignal/pkg/logger"
	"livesignal/pkg/tracing"

	"golang.org/x/sync/errgroup"
)

const (
	sideEffectTimeout = 5 * time.Second
	fanOutLimit       = 64
)

// Supervisor owns session teardown: disconnects, explicit ends, silent
// connections and pending sessions nobody came back to.
type Supervisor struct {
	registry   *services.SessionRegistry
	router     *Router
	handshakes *handshakeTracker
	statuses   ports.StatusRecorder
	peaks      ports.PeakRecorder
	events     ports.EventPublisher
	leases     BroadcastLeases
	metrics    Metrics
	log        *logger.ContextLogger
	opts       Options

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*domain.Connection

	// bg tracks store writes and event publishes running off the hot path.
	bg sync.WaitGroup

	// statusWriters holds one writer per stream with a status write in
	// flight. statusMu guards the map only, never a store call.
	statusMu      sync.Mutex
	statusWriters map[domain.StreamID]*statusWriter

	now func() time.Time
}

func (s *Supervisor) track(conn *domain.Connection) {
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()
}

func (s *Supervisor) untrack(conn *domain.Connection) {
	s.mu.Lock()
	delete(s.conns, conn.ID)
	s.mu.Unlock()
}

func (s *Supervisor) connections() []*domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of open connections on this instance.
func (s *Supervisor) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HandleDisconnect applies the role's teardown for conn. Safe to call more
// than once and concurrently with the sweeps.
func (s *Supervisor) HandleDisconnect(ctx context.Context, conn *domain.Connection, cause string) {
	switch conn.Role {
	case domain.RoleBroadcaster:
		session, ok := s.registry.Get(conn.StreamID)
		if !ok {
			return
		}
		s.EndSession(ctx, session, conn, cause)

	case domain.RoleViewer:
		s.handshakes.forget(conn.ID)
		res := s.registry.Detach(conn.StreamID, conn)
		if !res.Removed {
			return
		}
		s.log.Sugar(ctx).Debugw("viewer detached", "viewer_count", res.ViewerCount, "cause", cause)
		s.router.BroadcastViewerCount(ctx, res.Session)
		s.publish(&domain.SessionEvent{
			Type:         domain.EventViewerLeft,
			StreamID:     conn.StreamID,
			ConnectionID: conn.ID,
			Identity:     conn.Identity,
			ViewerCount:  res.ViewerCount,
			PeakViewers:  res.Session.PeakViewers(),
		})
	}
}

// EndSession ends session if by is still its broadcaster, or unconditionally
// when by is nil. It reports whether this call performed the teardown.
func (s *Supervisor) EndSession(ctx context.Context, session *services.StreamSession, by *domain.Connection, cause string) bool {
	res, ok := s.registry.End(session, by)
	if !ok {
		return false
	}
	s.teardown(ctx, session, res, cause)
	return true
}

func (s *Supervisor) teardown(ctx context.Context, session *services.StreamSession, res services.EndResult, cause string) {
	ctx, span := tracing.TraceSessionOperation(ctx, "end", string(session.ID))
	defer span.End()

	end := domain.NewMessage(domain.MessageStreamEnd, session.ID, domain.StreamEndData{Reason: cause})

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, viewer := range res.Viewers {
		viewer := viewer
		g.Go(func() error {
			s.router.deliver(ctx, viewer, end)
			return nil
		})
	}
	g.Wait()

	if res.Broadcaster != nil && cause == CauseStreamEnd {
		s.router.deliver(ctx, res.Broadcaster, end)
	}

	s.registry.Destroy(session)
	s.metrics.SessionEnded(cause)

	s.log.Sugar(ctx).Infow("stream ended",
		"stream_id", session.ID,
		"cause", cause,
		"viewers", len(res.Viewers),
		"peak_viewers", res.PeakViewers,
	)

	if res.PeakViewers > 0 {
		s.peaks.RecordPeakViewers(ctx, session.ID, res.PeakViewers)
	}
	if res.Broadcaster != nil {
		s.releaseLease(res.Broadcaster)
	}

	// A session that never went live has nothing to mirror. Only an explicit
	// end closes the stream; any other loss of the broadcaster leaves it
	// open for a reconnect.
	if res.Broadcaster != nil {
		status := domain.StatusPending
		if cause == CauseStreamEnd {
			status = domain.StatusEnded
		}
		s.recordStatus(session.ID, status)
	}

	event := &domain.SessionEvent{
		Type:        domain.EventStreamEnded,
		StreamID:    session.ID,
		PeakViewers: res.PeakViewers,
	}
	if res.Broadcaster != nil {
		event.ConnectionID = res.Broadcaster.ID
		event.Identity = res.Broadcaster.Identity
	}
	s.publish(event)
}

// statusWriter serializes status writes for one stream. Only the latest
// status is kept while a write is running; intermediate ones are skipped.
type statusWriter struct {
	next  domain.StreamStatus
	dirty bool
}

// recordStatus mirrors status into the store without blocking the caller.
// Writes for one stream land in call order; a slow write delays only its
// own stream.
func (s *Supervisor) recordStatus(id domain.StreamID, status domain.StreamStatus) {
	s.statusMu.Lock()
	w, running := s.statusWriters[id]
	if !running {
		w = &statusWriter{}
		s.statusWriters[id] = w
	}
	w.next, w.dirty = status, true
	s.statusMu.Unlock()

	if running {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.drainStatus(id, w)
	}()
}

func (s *Supervisor) drainStatus(id domain.StreamID, w *statusWriter) {
	for {
		s.statusMu.Lock()
		if !w.dirty {
			delete(s.statusWriters, id)
			s.statusMu.Unlock()
			return
		}
		status := w.next
		w.dirty = false
		s.statusMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		err := s.statuses.UpdateStatus(ctx, id, status)
		if err != nil && !errors.Is(err, domain.ErrStreamNotFound) {
			s.log.Sugar(ctx).Warnw("failed to record stream status",
				"stream_id", id,
				"status", status,
				"error", err,
			)
		}
		cancel()
	}
}

func (s *Supervisor) publish(event *domain.SessionEvent) {
	s.background(func(ctx context.Context) {
		if err := s.events.Publish(ctx, event); err != nil {
			s.log.Sugar(ctx).Warnw("failed to publish session event",
				"event_type", event.Type,
				"stream_id", event.StreamID,
				"error", err,
			)
		}
	})
}

func (s *Supervisor) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func leaseKey(id domain.StreamID) string {
	return "broadcaster:" + string(id)
}

// acquireLease claims the stream's broadcaster lease for conn. An unreachable
// lease store does not block broadcasting.
func (s *Supervisor) acquireLease(ctx context.Context, conn *domain.Connection) *rejection {
	leaseCtx, cancel := context.WithTimeout(ctx, s.opts.DescriptorTimeout)
	defer cancel()

	ok, err := s.leases.Acquire(leaseCtx, leaseKey(conn.StreamID), string(conn.ID))
	switch {
	case err != nil:
		s.log.Sugar(ctx).Warnw("broadcaster lease unavailable, admitting anyway", "error", err)
		return nil
	case !ok:
		return &rejection{CodeAlreadyLive, "stream is live on another broker instance"}
	}
	return nil
}

func (s *Supervisor) releaseLease(conn *domain.Connection) {
	s.background(func(ctx context.Context) {
		if err := s.leases.Release(ctx, leaseKey(conn.StreamID), string(conn.ID)); err != nil {
			s.log.Sugar(ctx).Warnw("failed to release broadcaster lease",
				"stream_id", conn.StreamID,
				"connection_id", conn.ID,
				"error", err,
			)
		}
	})
}

// Start runs the heartbeat and pending sweeps every SweepInterval until ctx
// is done or the returned stop function is called.
func (s *Supervisor) Start(ctx context.Context) func() {
	if s.opts.SweepInterval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(s.opts.SweepInterval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Sweep runs one pass of both sweeps and refreshes the registry gauges.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now()
	s.sweepHeartbeats(ctx, now)
	s.sweepPending(ctx, now)
	s.observeRegistry()
}

func (s *Supervisor) sweepHeartbeats(ctx context.Context, now time.Time) {
	if s.opts.HeartbeatTimeout <= 0 {
		return
	}
	for _, conn := range s.connections() {
		silent := now.Sub(conn.LastHeartbeat())
		if silent <= s.opts.HeartbeatTimeout {
			continue
		}
		connCtx := logger.WithConnection(ctx, string(conn.StreamID), string(conn.ID))
		s.log.Sugar(connCtx).Infow("heartbeat timeout", "role", conn.Role, "silent_for", silent)
		s.HandleDisconnect(connCtx, conn, CauseHeartbeatTimeout)
		conn.Close("heartbeat timeout")
	}
}

func (s *Supervisor) sweepPending(ctx context.Context, now time.Time) {
	if s.opts.PendingGrace <= 0 {
		return
	}
	cutoff := now.Add(-s.opts.PendingGrace)
	for _, session := range s.registry.Sessions() {
		if res, ok := s.registry.EndPending(session, cutoff); ok {
			s.teardown(ctx, session, res, CausePendingTimeout)
		}
	}
}

func (s *Supervisor) observeRegistry() {
	var pending, live, viewers int
	for _, snap := range s.registry.List() {
		switch snap.Status {
		case domain.StatusPending:
			pending++
		case domain.StatusLive:
			live++
		}
		viewers += snap.ViewerCount
	}
	s.metrics.ObserveRegistry(pending, live, viewers)
}

// Shutdown ends every session, closes every connection and waits for
// pending store writes until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, session := range s.registry.Sessions() {
		s.EndSession(ctx, session, nil, CauseShutdown)
	}
	for _, conn := range s.connections() {
		conn.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
