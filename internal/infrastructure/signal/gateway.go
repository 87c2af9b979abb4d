package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/core/services"
	"livesignal/pkg/logger"
	"livesignal/pkg/utils"
	"livesignal/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DescriptorSource is what the gateway needs from the descriptor service.
type DescriptorSource interface {
	ports.DescriptorProvider
	ports.StatusRecorder
	Cached(id domain.StreamID) (*domain.StreamDescriptor, bool)
	SaveDescriptor(ctx context.Context, d *domain.StreamDescriptor) error
	DefaultICEServers() []webrtc.ICEServer
}

// BroadcastLeases arbitrates the broadcaster of a stream across broker
// instances sharing one stream store. *distributed.LeaseManager satisfies it.
type BroadcastLeases interface {
	Acquire(ctx context.Context, key, holder string) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// Deps are the collaborators of a Gateway. Metrics, Peaks, Events and Leases
// may be nil.
type Deps struct {
	Registry    *services.SessionRegistry
	Descriptors DescriptorSource
	Validator   ports.SessionValidator
	Peaks       ports.PeakRecorder
	Events      ports.EventPublisher
	Leases      BroadcastLeases
	Metrics     Metrics
}

// Gateway accepts websocket connections, authenticates them and attaches
// them to stream sessions. Inbound traffic goes to the Router; teardown
// belongs to the Supervisor.
type Gateway struct {
	registry    *services.SessionRegistry
	descriptors DescriptorSource
	validator   ports.SessionValidator
	peaks       ports.PeakRecorder
	metrics     Metrics

	router     *Router
	supervisor *Supervisor

	upgrader websocket.Upgrader
	sem      *semaphore.Weighted
	opts     Options

	logger *zap.SugaredLogger
	log    *logger.ContextLogger
}

func NewGateway(deps Deps, opts Options, zl *zap.Logger) *Gateway {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Peaks == nil {
		deps.Peaks = nopPeaks{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	if deps.Leases == nil {
		deps.Leases = nopLeases{}
	}

	log := logger.NewContextLogger(zl)
	handshakes := newHandshakeTracker(opts.MaxUnansweredOffers)
	router := newRouter(deps.Registry, handshakes, deps.Metrics, log, opts.AckHeartbeats)
	supervisor := &Supervisor{
		registry:   deps.Registry,
		router:     router,
		handshakes: handshakes,
		statuses:   deps.Descriptors,
		peaks:      deps.Peaks,
		events:     deps.Events,
		leases:     deps.Leases,
		metrics:    deps.Metrics,
		log:        log,
		opts:       opts,
		conns:      make(map[domain.ConnectionID]*domain.Connection),
		now:        time.Now,

		statusWriters: make(map[domain.StreamID]*statusWriter),
	}
	router.supervisor = supervisor

	g := &Gateway{
		registry:    deps.Registry,
		descriptors: deps.Descriptors,
		validator:   deps.Validator,
		peaks:       deps.Peaks,
		metrics:     deps.Metrics,
		router:      router,
		supervisor:  supervisor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Idle viewers hold no write buffer between messages.
			WriteBufferPool: &sync.Pool{},
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		opts:   opts,
		logger: zl.Sugar(),
		log:    log,
	}
	if opts.MaxConnections > 0 {
		g.sem = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	router.rejoin = g.rejoinViewer
	return g
}

func (g *Gateway) Supervisor() *Supervisor {
	return g.supervisor
}

func (g *Gateway) Router() *Router {
	return g.router
}

// Handle serves the websocket endpoint under gin.
func (g *Gateway) Handle(c *gin.Context) {
	g.ServeHTTP(c.Writer, c.Request)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.sem != nil {
		if !g.sem.TryAcquire(1) {
			g.metrics.ConnectionRejected(CodeCapacity)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer g.sem.Release(1)
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debugw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(ws, g.opts, g.logger)
	go client.writePump()

	g.serve(r, ws, client)
}

type joinParams struct {
	streamID domain.StreamID
	wallet   domain.Identity
	role     domain.Role
	token    string
}

func parseJoinParams(r *http.Request) (joinParams, error) {
	q := r.URL.Query()
	p := joinParams{
		streamID: domain.StreamID(q.Get("streamId")),
		wallet:   domain.Identity(q.Get("walletAddress")),
		role:     domain.Role(q.Get("clientType")),
		token:    q.Get("sessionToken"),
	}
	if p.token == "" {
		p.token = r.Header.Get("Authorization")
	}

	if err := validation.ValidateStreamID(string(p.streamID)); err != nil {
		return p, err
	}
	if err := validation.ValidateRole(string(p.role)); err != nil {
		return p, err
	}
	if p.wallet != "" {
		if err := validation.ValidateWallet(string(p.wallet)); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (g *Gateway) serve(r *http.Request, ws *websocket.Conn, client *Client) {
	ctx := r.Context()

	params, err := parseJoinParams(r)
	if err != nil {
		g.reject(ctx, client, params.streamID, &rejection{CodeInvalidRequest, err.Error()})
		return
	}

	identity, err := g.validator.ValidateSession(params.token)
	if err != nil {
		g.logger.Debugw("session validation failed", "stream_id", params.streamID, "error", err)
		g.reject(ctx, client, params.streamID, &rejection{CodeUnauthorized, "invalid or missing session token"})
		return
	}
	if params.wallet != "" && params.wallet != identity {
		g.reject(ctx, client, params.streamID, &rejection{CodeUnauthorized, "wallet does not match session"})
		return
	}

	conn := domain.NewConnection(domain.ConnectionID(utils.NewConnectionID()), params.role, identity, params.streamID, client)
	ctx = logger.WithConnection(ctx, string(conn.StreamID), string(conn.ID))

	var rj *rejection
	if conn.Role == domain.RoleBroadcaster {
		rj = g.admitBroadcaster(ctx, conn)
	} else {
		rj = g.admitViewer(ctx, conn)
	}
	if rj != nil {
		g.reject(ctx, client, conn.StreamID, rj)
		return
	}

	g.metrics.ConnectionOpened(string(conn.Role))
	g.supervisor.track(conn)
	g.log.Sugar(ctx).Infow("connection attached", "role", conn.Role, "wallet", conn.Identity)

	cause := g.readLoop(ctx, ws, client, conn)

	g.supervisor.HandleDisconnect(ctx, conn, cause)
	g.supervisor.untrack(conn)
	client.Close(cause)

	g.metrics.ConnectionClosed(string(conn.Role), time.Since(conn.ConnectedAt))
	g.log.Sugar(ctx).Infow("connection closed", "role", conn.Role, "cause", cause)
}

// admitBroadcaster runs the broadcaster join: descriptor checks, then the
// attach that moves the session to live.
func (g *Gateway) admitBroadcaster(ctx context.Context, conn *domain.Connection) *rejection {
	// The session exists from here on, even if the descriptor lookup fails.
	if _, err := g.registry.GetOrCreate(conn.StreamID); err != nil {
		return rejectionFor(err)
	}

	desc, rj := g.broadcasterDescriptor(ctx, conn)
	if rj != nil {
		return rj
	}

	if rj := g.supervisor.acquireLease(ctx, conn); rj != nil {
		return rj
	}

	session, err := g.registry.AttachBroadcaster(conn.StreamID, conn)
	if err != nil {
		g.supervisor.releaseLease(conn)
		return rejectionFor(err)
	}

	g.router.deliver(ctx, conn, domain.NewMessage(domain.MessageStreamInfo, conn.StreamID, domain.StreamInfoData{
		ConnectionID: conn.ID,
		Role:         conn.Role,
		Status:       domain.StatusLive,
		ViewerCount:  session.ViewerCount(),
		ICEServers:   domain.ICEServersToDTO(desc.ICEServers),
	}))

	g.supervisor.recordStatus(conn.StreamID, domain.StatusLive)
	g.supervisor.publish(&domain.SessionEvent{
		Type:         domain.EventStreamLive,
		StreamID:     conn.StreamID,
		ConnectionID: conn.ID,
		Identity:     conn.Identity,
		ViewerCount:  session.ViewerCount(),
		PeakViewers:  session.PeakViewers(),
	})

	// Viewers that waited on the pending session need offers now.
	for _, viewer := range session.Viewers() {
		g.router.announceViewer(ctx, session, viewer)
	}
	g.router.BroadcastViewerCount(ctx, session)
	return nil
}

func (g *Gateway) broadcasterDescriptor(ctx context.Context, conn *domain.Connection) (*domain.StreamDescriptor, *rejection) {
	fetchCtx, cancel := context.WithTimeout(ctx, g.opts.DescriptorTimeout)
	defer cancel()

	desc, err := g.fetchDescriptor(fetchCtx, conn.StreamID)
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		if !g.opts.AllowUnregistered {
			return nil, &rejection{CodeStreamNotFound, "stream is not registered"}
		}
		desc = &domain.StreamDescriptor{
			StreamID: conn.StreamID,
			Owner:    conn.Identity,
			Status:   domain.StatusPending,
		}
		if err := g.descriptors.SaveDescriptor(fetchCtx, desc); err != nil {
			g.log.Sugar(ctx).Warnw("failed to register stream", "error", err)
		}
		desc.ICEServers = g.descriptors.DefaultICEServers()
		return desc, nil

	case err != nil:
		g.log.Sugar(ctx).Warnw("stream descriptor unavailable", "error", err)
		return nil, &rejection{CodeDescriptorUnavailable, "stream descriptor unavailable, retry later"}
	}

	if desc.Owner != "" && desc.Owner != conn.Identity {
		return nil, &rejection{CodeForbidden, "wallet does not own this stream"}
	}
	if desc.Status == domain.StatusEnded {
		return nil, &rejection{CodeStreamNotLive, "stream has ended"}
	}
	return desc, nil
}

func (g *Gateway) admitViewer(ctx context.Context, conn *domain.Connection) *rejection {
	desc, registered := g.viewerDescriptor(ctx, conn.StreamID)
	if !registered && !g.opts.AllowUnregistered {
		// No broadcaster could ever start this stream.
		if snap, ok := g.registry.Snapshot(conn.StreamID); !ok || snap.Status != domain.StatusLive {
			return &rejection{CodeStreamNotFound, "stream is not registered"}
		}
	}
	if desc != nil && desc.Status == domain.StatusEnded {
		if snap, ok := g.registry.Snapshot(conn.StreamID); !ok || snap.Status != domain.StatusLive {
			return &rejection{CodeStreamNotLive, "stream has ended"}
		}
	}

	res, err := g.registry.AttachViewer(conn.StreamID, conn)
	if err != nil {
		return rejectionFor(err)
	}

	ice := g.descriptors.DefaultICEServers()
	if desc != nil {
		ice = desc.ICEServers
	}
	g.router.deliver(ctx, conn, domain.NewMessage(domain.MessageStreamInfo, conn.StreamID, domain.StreamInfoData{
		ConnectionID: conn.ID,
		Role:         conn.Role,
		Status:       res.Session.Status(),
		ViewerCount:  res.ViewerCount,
		ICEServers:   domain.ICEServersToDTO(ice),
	}))

	if res.PeakIncreased {
		g.peaks.RecordPeakViewers(ctx, conn.StreamID, res.PeakViewers)
	}
	if res.Added {
		g.supervisor.publish(&domain.SessionEvent{
			Type:         domain.EventViewerJoined,
			StreamID:     conn.StreamID,
			ConnectionID: conn.ID,
			Identity:     conn.Identity,
			ViewerCount:  res.ViewerCount,
			PeakViewers:  res.PeakViewers,
		})
	}

	g.router.announceViewer(ctx, res.Session, conn)
	g.router.BroadcastViewerCount(ctx, res.Session)
	return nil
}

// rejoinViewer attaches a viewer that outlived its session to the current
// one. The connection stays open on refusal.
func (g *Gateway) rejoinViewer(ctx context.Context, conn *domain.Connection) {
	if rj := g.admitViewer(ctx, conn); rj != nil {
		g.router.deliver(ctx, conn, errorMessage(conn.StreamID, domain.ErrorData{Code: rj.code, Message: rj.message}))
	}
}

// viewerDescriptor returns the descriptor used for a viewer's ICE servers,
// or nil when none could be had in time. registered is false only when the
// store answered that the stream does not exist; an unavailable store
// counts as registered.
func (g *Gateway) viewerDescriptor(ctx context.Context, id domain.StreamID) (desc *domain.StreamDescriptor, registered bool) {
	if d, ok := g.descriptors.Cached(id); ok {
		return d, true
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.opts.DescriptorTimeout)
	defer cancel()

	d, err := g.fetchDescriptor(fetchCtx, id)
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		return nil, false
	case err != nil:
		g.log.Sugar(ctx).Debugw("using default ICE servers", "error", err)
		return nil, true
	}
	return d, true
}

func (g *Gateway) fetchDescriptor(ctx context.Context, id domain.StreamID) (*domain.StreamDescriptor, error) {
	start := time.Now()
	d, err := g.descriptors.GetStreamDescriptor(ctx, id)
	observed := err
	if errors.Is(err, domain.ErrStreamNotFound) {
		observed = nil
	}
	g.metrics.ObserveDescriptorFetch(time.Since(start), observed)
	return d, err
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, client *Client, conn *domain.Connection) string {
	cause := CauseViewerDisconnect
	if conn.Role == domain.RoleBroadcaster {
		cause = CauseBroadcasterDisconnect
	}

	if g.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(g.opts.MaxMessageSize)
	}
	if g.opts.PongTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
			return nil
		})
	}

	messageChan := make(chan *domain.Message, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			if g.opts.PongTimeout > 0 {
				ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
			}

			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				g.log.Sugar(ctx).Debugw("ignoring malformed message", "error", err)
				g.metrics.MessageDropped("", dropMalformed)
				continue
			}
			select {
			case messageChan <- &msg:
			case <-client.Done():
				return
			}
		}
	}()

	var limiter *rate.Limiter
	if g.opts.MessagesPerSecond > 0 {
		burst := g.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.opts.MessagesPerSecond), burst)
	}
	warned := false

	for {
		select {
		case msg := <-messageChan:
			conn.Touch(time.Now())
			if limiter != nil && !limiter.Allow() {
				g.router.drop(ctx, msg, dropRateLimited)
				if !warned {
					warned = true
					g.router.deliver(ctx, conn, errorMessage(conn.StreamID, domain.ErrorData{
						Code:    CodeRateLimited,
						Message: "message rate exceeded, messages are being dropped",
					}))
				}
				continue
			}
			g.router.Dispatch(ctx, conn, msg)

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Sugar(ctx).Infow("connection read failed", "error", err)
			}
			return cause

		case <-client.Done():
			g.log.Sugar(ctx).Debugw("connection closed by broker", "reason", client.CloseReason())
			return cause
		}
	}
}

type rejection struct {
	code    string
	message string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.code, r.message)
}

func rejectionFor(err error) *rejection {
	switch {
	case errors.Is(err, domain.ErrAlreadyLive):
		return &rejection{CodeAlreadyLive, "stream already has a broadcaster"}
	case errors.Is(err, domain.ErrSessionEnded):
		return &rejection{CodeStreamNotLive, "stream is ending, retry shortly"}
	case errors.Is(err, domain.ErrViewerLimitReached):
		return &rejection{CodeViewerLimit, "stream is full"}
	default:
		return &rejection{CodeCapacity, err.Error()}
	}
}

// reject reports rj to the client and closes the connection. The error
// message is flushed ahead of the close frame.
func (g *Gateway) reject(ctx context.Context, client *Client, streamID domain.StreamID, rj *rejection) {
	g.metrics.ConnectionRejected(rj.code)
	g.log.Sugar(ctx).Infow("connection rejected", "stream_id", streamID, "code", rj.code, "reason", rj.message)

	client.Send(errorMessage(streamID, domain.ErrorData{Code: rj.code, Message: rj.message}))
	client.CloseWith(closeCodeFor(rj.code), rj.code)
}

func closeCodeFor(code string) int {
	switch code {
	case CodeCapacity, CodeViewerLimit, CodeDescriptorUnavailable:
		return websocket.CloseTryAgainLater
	default:
		return websocket.ClosePolicyViolation
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Shutdown ends all sessions and closes every connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.supervisor.Shutdown(ctx)
}

type nopPeaks struct{}

func (nopPeaks) RecordPeakViewers(context.Context, domain.StreamID, int) {}

type nopLeases struct{}

func (nopLeases) Acquire(context.Context, string, string) (bool, error) { return true, nil }
func (nopLeases) Release(context.Context, string, string) error { return nil }

type nopEvents struct{}

func (nopEvents) Publish(context.Context, *domain.SessionEvent) error { return nil }
