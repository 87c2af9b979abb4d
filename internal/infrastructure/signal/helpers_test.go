package signal

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/core/services"
	"livesignal/internal/infrastructure/repositories/memory"
	"livesignal/pkg/circuitbreaker"
	"livesignal/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

// recordingSender stands in for a websocket client in router and
// supervisor tests.
type recordingSender struct {
	mu       sync.Mutex
	msgs     []*domain.Message
	closed   bool
	reason   string
	failSend bool
}

func (s *recordingSender) Send(msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failSend {
		return ErrClientClosed
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *recordingSender) ofType(t domain.MessageType) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) last(t domain.MessageType) *domain.Message {
	msgs := s.ofType(t)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (s *recordingSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*domain.SessionEvent
}

func (r *recordingEvents) Publish(_ context.Context, e *domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) count(t domain.SessionEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recordingPeaks struct {
	mu    sync.Mutex
	peaks map[domain.StreamID]int
}

func (r *recordingPeaks) RecordPeakViewers(_ context.Context, id domain.StreamID, peak int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peaks == nil {
		r.peaks = make(map[domain.StreamID]int)
	}
	if peak > r.peaks[id] {
		r.peaks[id] = peak
	}
}

func (r *recordingPeaks) get(id domain.StreamID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peaks[id]
}

type harness struct {
	gw          *Gateway
	registry    *services.SessionRegistry
	repo        ports.StreamRepository
	descriptors *services.DescriptorService
	auth        services.AuthService
	events      *recordingEvents
	peaks       *recordingPeaks
}

var testICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	return newHarnessWithRepo(t, memory.NewMemoryStreamRepository(), mutate)
}

func newHarnessWithRepo(t *testing.T, repo ports.StreamRepository, mutate func(*Options)) *harness {
	t.Helper()

	descriptors := services.NewDescriptorService(repo, services.DescriptorOptions{
		CacheTTL:          time.Minute,
		DefaultICEServers: testICE,
		Retry:             retry.Config{Enabled: false},
		CircuitBreaker:    circuitbreaker.DefaultConfig(),
	}, zap.NewNop().Sugar())
	t.Cleanup(descriptors.Stop)

	opts := DefaultOptions()
	opts.PingInterval = time.Second
	opts.PongTimeout = 5 * time.Second
	opts.WriteTimeout = time.Second
	opts.DescriptorTimeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}

	h := &harness{
		registry:    services.NewSessionRegistry(services.RegistryOptions{}),
		repo:        repo,
		descriptors: descriptors,
		auth:        services.NewAuthService(testSecret, time.Hour, "livesignal"),
		events:      &recordingEvents{},
		peaks:       &recordingPeaks{},
	}
	h.gw = NewGateway(Deps{
		Registry:    h.registry,
		Descriptors: descriptors,
		Validator:   h.auth,
		Peaks:       h.peaks,
		Events:      h.events,
	}, opts, zap.NewNop())
	return h
}

func (h *harness) register(t *testing.T, id domain.StreamID, owner domain.Identity) {
	t.Helper()
	require.NoError(t, h.repo.SaveDescriptor(context.Background(), &domain.StreamDescriptor{
		StreamID: id,
		Owner:    owner,
		Status:   domain.StatusPending,
	}))
}

func (h *harness) token(t *testing.T, wallet domain.Identity) string {
	t.Helper()
	token, err := h.auth.GenerateToken(wallet)
	require.NoError(t, err)
	return token
}

// attach puts a fake connection straight into the registry.
func (h *harness) attach(t *testing.T, role domain.Role, identity domain.Identity, id domain.StreamID) (*domain.Connection, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	conn := domain.NewConnection(domain.ConnectionID(identity+"-"+domain.Identity(role)), role, identity, id, sender)
	if role == domain.RoleBroadcaster {
		_, err := h.registry.AttachBroadcaster(id, conn)
		require.NoError(t, err)
	} else {
		_, err := h.registry.AttachViewer(id, conn)
		require.NoError(t, err)
	}
	h.gw.supervisor.track(conn)
	return conn, sender
}

func (h *harness) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h.gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.gw.Shutdown(ctx)
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, streamID domain.StreamID, role domain.Role, token string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("streamId", string(streamID))
	q.Set("clientType", string(role))
	q.Set("sessionToken", token)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readCount reads viewer-count messages until one reports want viewers.
func readCount(t *testing.T, ws *websocket.Conn, want int) domain.ViewerCountData {
	t.Helper()
	for {
		msg := readUntil(t, ws, domain.MessageViewerCount)
		var data domain.ViewerCountData
		require.NoError(t, msg.DecodeData(&data))
		if data.Count == want {
			return data
		}
	}
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want domain.MessageType) *domain.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var msg domain.Message
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", want)
		if msg.Type == want {
			return &msg
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg *domain.Message) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}
