package signal

import (
	"sync"

	"livesignal/internal/core/domain"
)

// handshakeTracker counts offers a viewer has not answered. Connection ids
// are unique across streams, so one table serves every session.
type handshakeTracker struct {
	mu      sync.Mutex
	max     int
	pending map[domain.ConnectionID]int
}

func newHandshakeTracker(max int) *handshakeTracker {
	return &handshakeTracker{
		max:     max,
		pending: make(map[domain.ConnectionID]int),
	}
}

// offerSent records an offer to viewer and reports whether it just reached
// the unanswered limit. The limit fires once per run of unanswered offers.
func (h *handshakeTracker) offerSent(viewer domain.ConnectionID) bool {
	if h.max <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending[viewer]++
	return h.pending[viewer] == h.max
}

func (h *handshakeTracker) answered(viewer domain.ConnectionID) {
	h.forget(viewer)
}

func (h *handshakeTracker) forget(viewer domain.ConnectionID) {
	h.mu.Lock()
	delete(h.pending, viewer)
	h.mu.Unlock()
}

func (h *handshakeTracker) unanswered(viewer domain.ConnectionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[viewer]
}
