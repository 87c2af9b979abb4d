package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode[T any](t *testing.T, msg *domain.Message) T {
	t.Helper()
	var v T
	require.NoError(t, msg.DecodeData(&v))
	return v
}

// expectRejected reads the error envelope and the close frame that follows it.
func expectRejected(t *testing.T, ws *websocket.Conn, code string, closeCode int) {
	t.Helper()
	errMsg := readUntil(t, ws, domain.MessageError)
	assert.Equal(t, code, decode[domain.ErrorData](t, errMsg).Code)

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, closeCode, ce.Code)
}

func TestGateway_StreamLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	info := decode[domain.StreamInfoData](t, readUntil(t, b, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusLive, info.Status)
	assert.Equal(t, domain.RoleBroadcaster, info.Role)
	require.Len(t, info.ICEServers, 1)
	assert.Equal(t, "stun:stun.example.com:3478", info.ICEServers[0].URLs[0])

	v := dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, "0xA11CE"))
	vinfo := decode[domain.StreamInfoData](t, readUntil(t, v, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusLive, vinfo.Status)
	assert.Equal(t, 1, vinfo.ViewerCount)

	join := readUntil(t, b, domain.MessageViewerJoin)
	assert.Equal(t, domain.Identity("0xA11CE"), join.FromWallet)
	assert.Equal(t, vinfo.ConnectionID, decode[domain.ViewerJoinData](t, join).ConnectionID)

	count := decode[domain.ViewerCountData](t, readUntil(t, b, domain.MessageViewerCount))
	assert.Equal(t, 1, count.Count)

	send(t, b, &domain.Message{
		Type:     domain.MessageOffer,
		StreamID: "stream-42",
		ToWallet: "0xA11CE",
		Data:     json.RawMessage(`{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`),
	})
	offer := readUntil(t, v, domain.MessageOffer)
	assert.Equal(t, domain.Identity("0xB0B"), offer.FromWallet)
	assert.JSONEq(t, `{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`, string(offer.Data))

	send(t, v, &domain.Message{Type: domain.MessageAnswer, StreamID: "stream-42", ToWallet: "0xB0B", Data: json.RawMessage(`{"sdp":"answer"}`)})
	answer := readUntil(t, b, domain.MessageAnswer)
	assert.Equal(t, domain.Identity("0xA11CE"), answer.FromWallet)

	send(t, v, &domain.Message{Type: domain.MessageICECandidate, StreamID: "stream-42", Data: json.RawMessage(`{"candidate":"c"}`)})
	ice := readUntil(t, b, domain.MessageICECandidate)
	assert.Equal(t, vinfo.ConnectionID, ice.FromConnection)

	// A second viewer raises count and peak to two.
	v2 := dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, "0xC0DE"))
	v2info := decode[domain.StreamInfoData](t, readUntil(t, v2, domain.MessageStreamInfo))
	assert.Equal(t, 2, v2info.ViewerCount)
	two := readCount(t, b, 2)
	assert.Equal(t, 2, two.Peak)

	// The first viewer leaves; the count drops and the peak holds.
	require.NoError(t, v.Close())
	one := readCount(t, v2, 1)
	assert.Equal(t, 2, one.Peak)
	snap, ok := h.registry.Snapshot("stream-42")
	require.True(t, ok)
	assert.Equal(t, 1, snap.ViewerCount)
	assert.Equal(t, 2, snap.PeakViewers)

	send(t, b, &domain.Message{Type: domain.MessageStreamEnd, StreamID: "stream-42"})
	end := readUntil(t, v2, domain.MessageStreamEnd)
	assert.Equal(t, CauseStreamEnd, decode[domain.StreamEndData](t, end).Reason)

	assert.Eventually(t, func() bool {
		_, ok := h.registry.Get("stream-42")
		return !ok
	}, 2*time.Second, 20*time.Millisecond, "session destroyed after stream-end")
	assert.Eventually(t, func() bool {
		d, err := h.repo.GetDescriptor(context.Background(), "stream-42")
		return err == nil && d.Status == domain.StatusEnded
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return h.peaks.get("stream-42") == 2 }, time.Second, 10*time.Millisecond)
}

// hangingRepository never answers descriptor lookups before the deadline.
type hangingRepository struct {
	ports.StreamRepository
}

func (hangingRepository) GetDescriptor(ctx context.Context, _ domain.StreamID) (*domain.StreamDescriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGateway_DescriptorTimeoutLeavesSessionPending(t *testing.T) {
	repo := hangingRepository{StreamRepository: memory.NewMemoryStreamRepository()}
	h := newHarnessWithRepo(t, repo, func(o *Options) { o.DescriptorTimeout = 100 * time.Millisecond })
	srv := h.serve(t)

	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	expectRejected(t, b, CodeDescriptorUnavailable, websocket.CloseTryAgainLater)

	snap, ok := h.registry.Snapshot("stream-42")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, snap.Status)
	assert.Empty(t, snap.Broadcaster)
}

func TestGateway_RejectsViewerOfUnregisteredStream(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.serve(t)

	v := dial(t, srv, "never-registered", domain.RoleViewer, h.token(t, "0xA11CE"))
	expectRejected(t, v, CodeStreamNotFound, websocket.ClosePolicyViolation)

	_, ok := h.registry.Get("never-registered")
	assert.False(t, ok, "no session is created for an unknown stream")
}

func TestGateway_ViewerOfUnregisteredStreamWaitsWhenAllowed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AllowUnregistered = true })
	srv := h.serve(t)

	v := dial(t, srv, "stream-new", domain.RoleViewer, h.token(t, "0xA11CE"))
	info := decode[domain.StreamInfoData](t, readUntil(t, v, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusPending, info.Status)
}

func TestGateway_RejectsInvalidSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	ws := dial(t, srv, "stream-42", domain.RoleBroadcaster, "not-a-token")
	expectRejected(t, ws, CodeUnauthorized, websocket.ClosePolicyViolation)

	_, ok := h.registry.Get("stream-42")
	assert.False(t, ok, "rejected connections never touch the registry")
}

func TestGateway_RejectsInvalidParams(t *testing.T) {
	h := newHarness(t, nil)
	srv := h.serve(t)

	ws := dial(t, srv, "stream-42", "moderator", h.token(t, "0xB0B"))
	expectRejected(t, ws, CodeInvalidRequest, websocket.ClosePolicyViolation)
}

func TestGateway_RejectsWalletMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?streamId=stream-42&clientType=viewer&walletAddress=0xEVE&sessionToken=" + h.token(t, "0xA11CE")
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer ws.Close()

	expectRejected(t, ws, CodeUnauthorized, websocket.ClosePolicyViolation)
}

func TestGateway_ConflictingBroadcaster(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	first := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	readUntil(t, first, domain.MessageStreamInfo)

	second := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	expectRejected(t, second, CodeAlreadyLive, websocket.ClosePolicyViolation)

	// The incumbent keeps the stream.
	v := dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, "0xA11CE"))
	readUntil(t, v, domain.MessageStreamInfo)
	readUntil(t, first, domain.MessageViewerJoin)
}

func TestGateway_BroadcasterDescriptorChecks(t *testing.T) {
	tests := []struct {
		name       string
		allowUnreg bool
		stored     *domain.StreamDescriptor
		wallet     domain.Identity
		wantCode   string
	}{
		{
			name:     "not the owner",
			stored:   &domain.StreamDescriptor{StreamID: "stream-42", Owner: "0xB0B", Status: domain.StatusPending},
			wallet:   "0xEVE",
			wantCode: CodeForbidden,
		},
		{
			name:     "stream ended",
			stored:   &domain.StreamDescriptor{StreamID: "stream-42", Owner: "0xB0B", Status: domain.StatusEnded},
			wallet:   "0xB0B",
			wantCode: CodeStreamNotLive,
		},
		{
			name:     "unregistered",
			wallet:   "0xB0B",
			wantCode: CodeStreamNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.AllowUnregistered = tt.allowUnreg })
			if tt.stored != nil {
				require.NoError(t, h.repo.SaveDescriptor(context.Background(), tt.stored))
			}
			srv := h.serve(t)

			ws := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, tt.wallet))
			expectRejected(t, ws, tt.wantCode, websocket.ClosePolicyViolation)
		})
	}
}

func TestGateway_AllowUnregisteredRegistersStream(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AllowUnregistered = true })
	srv := h.serve(t)

	b := dial(t, srv, "fresh-stream", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	info := decode[domain.StreamInfoData](t, readUntil(t, b, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusLive, info.Status)
	assert.NotEmpty(t, info.ICEServers)

	assert.Eventually(t, func() bool {
		d, err := h.repo.GetDescriptor(context.Background(), "fresh-stream")
		return err == nil && d.Owner == "0xB0B" && d.Status == domain.StatusLive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_ViewerWaitsForBroadcaster(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	v := dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, "0xA11CE"))
	info := decode[domain.StreamInfoData](t, readUntil(t, v, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusPending, info.Status)

	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	binfo := decode[domain.StreamInfoData](t, readUntil(t, b, domain.MessageStreamInfo))
	assert.Equal(t, 1, binfo.ViewerCount)

	join := readUntil(t, b, domain.MessageViewerJoin)
	assert.Equal(t, info.ConnectionID, join.FromConnection)
}

func TestGateway_BroadcasterDisconnectAndRejoin(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	readUntil(t, b, domain.MessageStreamInfo)

	viewers := make([]*websocket.Conn, 3)
	for i, wallet := range []domain.Identity{"0xV1", "0xV2", "0xV3"} {
		viewers[i] = dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, wallet))
		readUntil(t, viewers[i], domain.MessageStreamInfo)
	}

	b.Close()
	for _, v := range viewers {
		end := readUntil(t, v, domain.MessageStreamEnd)
		assert.Equal(t, CauseBroadcasterDisconnect, decode[domain.StreamEndData](t, end).Reason)
	}
	assert.Eventually(t, func() bool {
		_, ok := h.registry.Get("stream-42")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// The broadcaster comes back and a surviving viewer asks to rejoin.
	b2 := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	readUntil(t, b2, domain.MessageStreamInfo)

	send(t, viewers[0], &domain.Message{Type: domain.MessageViewerJoin, StreamID: "stream-42"})
	info := decode[domain.StreamInfoData](t, readUntil(t, viewers[0], domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusLive, info.Status)

	join := readUntil(t, b2, domain.MessageViewerJoin)
	assert.Equal(t, domain.Identity("0xV1"), join.FromWallet)
}

func TestGateway_ConnectionCap(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConnections = 1 })
	h.register(t, "stream-42", "0xB0B")
	srv := h.serve(t)

	first := dial(t, srv, "stream-42", domain.RoleViewer, h.token(t, "0xV1"))
	readUntil(t, first, domain.MessageStreamInfo)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?streamId=stream-42&clientType=viewer&sessionToken=" + h.token(t, "0xV2")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")))
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker([]string{"*"})(req("https://anything.example")))
}

// memoryLeases models a lease store shared by several broker instances.
type memoryLeases struct {
	mu     sync.Mutex
	owners map[string]string
	err    error
}

func (l *memoryLeases) Acquire(_ context.Context, key, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if owner, ok := l.owners[key]; ok && owner != holder {
		return false, nil
	}
	l.owners[key] = holder
	return true, nil
}

func (l *memoryLeases) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] == holder {
		delete(l.owners, key)
	}
	return nil
}

func (l *memoryLeases) owner(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[key]
}

func TestGateway_BroadcasterLease(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	leases := &memoryLeases{owners: map[string]string{"broadcaster:stream-42": "other-instance-conn"}}
	h.gw.supervisor.leases = leases
	srv := h.serve(t)

	// Another instance holds the stream.
	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	expectRejected(t, b, CodeAlreadyLive, websocket.ClosePolicyViolation)
	snap, ok := h.registry.Snapshot("stream-42")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, snap.Status)

	// Once it lets go, this instance takes over and releases on disconnect.
	require.NoError(t, leases.Release(context.Background(), "broadcaster:stream-42", "other-instance-conn"))
	b = dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	readUntil(t, b, domain.MessageStreamInfo)
	assert.NotEmpty(t, leases.owner("broadcaster:stream-42"))

	b.Close()
	assert.Eventually(t, func() bool { return leases.owner("broadcaster:stream-42") == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_LeaseStoreDownDoesNotBlockBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "stream-42", "0xB0B")
	h.gw.supervisor.leases = &memoryLeases{owners: map[string]string{}, err: errors.New("redis: connection refused")}
	srv := h.serve(t)

	b := dial(t, srv, "stream-42", domain.RoleBroadcaster, h.token(t, "0xB0B"))
	info := decode[domain.StreamInfoData](t, readUntil(t, b, domain.MessageStreamInfo))
	assert.Equal(t, domain.StatusLive, info.Status)
}
