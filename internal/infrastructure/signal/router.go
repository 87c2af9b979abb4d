package signal

import (
	"context"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/services"
	"livesignal/pkg/logger"
	"livesignal/pkg/tracing"
)

// Drop reasons reported to Metrics.MessageDropped.
const (
	dropNotAttached    = "not_attached"
	dropWrongRole      = "wrong_role"
	dropNoTarget       = "no_target"
	dropTargetAbsent   = "target_absent"
	dropStreamMismatch = "stream_mismatch"
	dropClientOrigin   = "client_originated"
	dropUnknownType    = "unknown_type"
	dropSendFailed     = "send_failed"
	dropRateLimited    = "rate_limited"
	dropMalformed      = "malformed"
)

// Router delivers inbound signaling messages to the right peers of the
// sender's session. It never inspects Data.
type Router struct {
	registry   *services.SessionRegistry
	handshakes *handshakeTracker
	supervisor *Supervisor
	metrics    Metrics
	log        *logger.ContextLogger

	ackHeartbeats bool

	// rejoin attaches a connected but detached viewer again.
	rejoin func(ctx context.Context, conn *domain.Connection)
}

func newRouter(registry *services.SessionRegistry, handshakes *handshakeTracker, metrics Metrics, log *logger.ContextLogger, ackHeartbeats bool) *Router {
	return &Router{
		registry:      registry,
		handshakes:    handshakes,
		metrics:       metrics,
		log:           log,
		ackHeartbeats: ackHeartbeats,
	}
}

// Dispatch handles one message from conn.
func (r *Router) Dispatch(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(conn.StreamID), string(conn.ID))
	defer span.End()

	if msg.StreamID != "" && msg.StreamID != conn.StreamID {
		r.drop(ctx, msg, dropStreamMismatch)
		return
	}

	switch msg.Type {
	case domain.MessageHeartbeat:
		// Liveness is already recorded by the read loop.
		if r.ackHeartbeats {
			r.deliver(ctx, conn, domain.NewMessage(domain.MessageHeartbeat, conn.StreamID, nil))
		}
	case domain.MessageViewerJoin:
		r.handleViewerJoin(ctx, conn, msg)
	case domain.MessageOffer:
		r.handleOffer(ctx, conn, msg)
	case domain.MessageAnswer:
		r.handleAnswer(ctx, conn, msg)
	case domain.MessageICECandidate:
		r.handleICECandidate(ctx, conn, msg)
	case domain.MessageStreamEnd:
		r.handleStreamEnd(ctx, conn, msg)
	case domain.MessageViewerCount, domain.MessageStreamInfo, domain.MessageError:
		r.drop(ctx, msg, dropClientOrigin)
	default:
		r.drop(ctx, msg, dropUnknownType)
	}
}

func (r *Router) handleViewerJoin(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	if conn.Role != domain.RoleViewer {
		r.drop(ctx, msg, dropWrongRole)
		return
	}
	s, ok := r.attachedSession(conn)
	if !ok {
		if r.rejoin != nil {
			r.rejoin(ctx, conn)
		}
		return
	}
	// Already attached: repeat the announcements, change nothing.
	r.announceViewer(ctx, s, conn)
	r.BroadcastViewerCount(ctx, s)
}

func (r *Router) handleOffer(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	if conn.Role != domain.RoleBroadcaster {
		r.drop(ctx, msg, dropWrongRole)
		return
	}
	s, ok := r.attachedSession(conn)
	if !ok {
		r.drop(ctx, msg, dropNotAttached)
		return
	}
	targets, reason := r.viewerTargets(s, msg)
	if len(targets) == 0 {
		r.drop(ctx, msg, reason)
		return
	}

	for _, viewer := range targets {
		if !r.forward(ctx, conn, viewer, msg) {
			continue
		}
		if r.handshakes.offerSent(viewer.ID) {
			r.metrics.HandshakeFailed()
			r.log.Sugar(ctx).Infow("viewer left offers unanswered",
				"viewer_connection_id", viewer.ID,
				"unanswered", r.handshakes.unanswered(viewer.ID),
			)
			r.deliver(ctx, conn, errorMessage(conn.StreamID, domain.ErrorData{
				Code:         CodeHandshakeFailed,
				Message:      "viewer did not answer repeated offers",
				ConnectionID: viewer.ID,
				Wallet:       viewer.Identity,
			}))
		}
	}
}

func (r *Router) handleAnswer(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	if conn.Role != domain.RoleViewer {
		r.drop(ctx, msg, dropWrongRole)
		return
	}
	s, ok := r.attachedSession(conn)
	if !ok {
		r.drop(ctx, msg, dropNotAttached)
		return
	}
	broadcaster := s.Broadcaster()
	if broadcaster == nil {
		r.drop(ctx, msg, dropTargetAbsent)
		return
	}
	if r.forward(ctx, conn, broadcaster, msg) {
		r.handshakes.answered(conn.ID)
	}
}

func (r *Router) handleICECandidate(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	s, ok := r.attachedSession(conn)
	if !ok {
		r.drop(ctx, msg, dropNotAttached)
		return
	}

	if conn.Role == domain.RoleViewer {
		broadcaster := s.Broadcaster()
		if broadcaster == nil {
			r.drop(ctx, msg, dropTargetAbsent)
			return
		}
		r.forward(ctx, conn, broadcaster, msg)
		return
	}

	targets, reason := r.viewerTargets(s, msg)
	if len(targets) == 0 {
		r.drop(ctx, msg, reason)
		return
	}
	for _, viewer := range targets {
		r.forward(ctx, conn, viewer, msg)
	}
}

func (r *Router) handleStreamEnd(ctx context.Context, conn *domain.Connection, msg *domain.Message) {
	if conn.Role != domain.RoleBroadcaster {
		r.drop(ctx, msg, dropWrongRole)
		return
	}
	s, ok := r.attachedSession(conn)
	if !ok {
		r.drop(ctx, msg, dropNotAttached)
		return
	}
	r.supervisor.EndSession(ctx, s, conn, CauseStreamEnd)
}

// viewerTargets resolves the addressed viewers of a broadcaster message.
// toConnection wins over toWallet; a wallet may map to several tabs.
func (r *Router) viewerTargets(s *services.StreamSession, msg *domain.Message) ([]*domain.Connection, string) {
	switch {
	case msg.ToConnection != "":
		viewer, ok := s.Viewer(msg.ToConnection)
		if !ok || (msg.ToWallet != "" && viewer.Identity != msg.ToWallet) {
			return nil, dropTargetAbsent
		}
		return []*domain.Connection{viewer}, ""
	case msg.ToWallet != "":
		viewers := s.ViewersByIdentity(msg.ToWallet)
		if len(viewers) == 0 {
			return nil, dropTargetAbsent
		}
		return viewers, ""
	default:
		return nil, dropNoTarget
	}
}

// attachedSession returns the session conn currently belongs to. A viewer
// that survived a teardown is connected but attached nowhere.
func (r *Router) attachedSession(conn *domain.Connection) (*services.StreamSession, bool) {
	s, ok := r.registry.Get(conn.StreamID)
	if !ok || !s.Has(conn) {
		return nil, false
	}
	return s, true
}

// forward relays msg from one peer to another with the sender fields
// stamped by the broker. Client supplied from* values are overwritten.
func (r *Router) forward(ctx context.Context, from, to *domain.Connection, msg *domain.Message) bool {
	out := &domain.Message{
		Type:           msg.Type,
		StreamID:       from.StreamID,
		FromWallet:     from.Identity,
		FromConnection: from.ID,
		ToWallet:       to.Identity,
		ToConnection:   to.ID,
		Data:           msg.Data,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	return r.deliver(ctx, to, out)
}

func (r *Router) deliver(ctx context.Context, to *domain.Connection, msg *domain.Message) bool {
	if err := to.Send(msg); err != nil {
		r.log.Sugar(ctx).Debugw("failed to deliver message",
			"message_type", msg.Type,
			"to_connection_id", to.ID,
			"error", err,
		)
		r.metrics.MessageDropped(string(msg.Type), dropSendFailed)
		return false
	}
	r.metrics.MessageRouted(string(msg.Type))
	return true
}

func (r *Router) drop(ctx context.Context, msg *domain.Message, reason string) {
	r.log.Sugar(ctx).Debugw("dropping message", "message_type", msg.Type, "reason", reason)
	r.metrics.MessageDropped(string(msg.Type), reason)
}

// announceViewer tells the broadcaster of s that viewer is waiting for an offer.
func (r *Router) announceViewer(ctx context.Context, s *services.StreamSession, viewer *domain.Connection) {
	broadcaster := s.Broadcaster()
	if broadcaster == nil {
		return
	}
	msg := domain.NewMessage(domain.MessageViewerJoin, s.ID, domain.ViewerJoinData{
		ConnectionID: viewer.ID,
		Wallet:       viewer.Identity,
	})
	msg.FromWallet = viewer.Identity
	msg.FromConnection = viewer.ID
	msg.ToWallet = broadcaster.Identity
	msg.ToConnection = broadcaster.ID
	r.deliver(ctx, broadcaster, msg)
}

// BroadcastViewerCount sends the current counts to every participant of s.
func (r *Router) BroadcastViewerCount(ctx context.Context, s *services.StreamSession) {
	snap := s.Snapshot()
	if snap.Status == domain.StatusEnded {
		return
	}
	msg := domain.NewMessage(domain.MessageViewerCount, s.ID, domain.ViewerCountData{
		Count: snap.ViewerCount,
		Peak:  snap.PeakViewers,
	})

	recipients := s.Viewers()
	if b := s.Broadcaster(); b != nil {
		recipients = append(recipients, b)
	}
	for _, conn := range recipients {
		r.deliver(ctx, conn, msg)
	}
}

func errorMessage(streamID domain.StreamID, data domain.ErrorData) *domain.Message {
	return domain.NewMessage(domain.MessageError, streamID, data)
}
