package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type StreamID string
type ConnectionID string
type Identity string

// StreamStatus is the lifecycle state of a live stream session.
type StreamStatus string

const (
	StatusPending StreamStatus = "pending"
	StatusLive    StreamStatus = "live"
	StatusEnded   StreamStatus = "ended"
)

// StreamDescriptor is what the external stream store knows about a broadcast.
type StreamDescriptor struct {
	StreamID    StreamID           `json:"stream_id"`
	Owner       Identity           `json:"owner"`
	Title       string             `json:"title,omitempty"`
	Status      StreamStatus       `json:"status"`
	ICEServers  []webrtc.ICEServer `json:"ice_servers"`
	PeakViewers int                `json:"peak_viewers"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// SessionSnapshot is a point-in-time copy of a session's counters.
type SessionSnapshot struct {
	StreamID    StreamID     `json:"stream_id"`
	Status      StreamStatus `json:"status"`
	Broadcaster Identity     `json:"broadcaster,omitempty"`
	ViewerCount int          `json:"viewer_count"`
	PeakViewers int          `json:"peak_viewers"`
	CreatedAt   time.Time    `json:"created_at"`
	LiveAt      *time.Time   `json:"live_at,omitempty"`
}

// ICEServersToDTO flattens pion ICE servers into the browser shape. Only
// password credentials are forwarded; OAuth credentials are dropped.
func ICEServersToDTO(servers []webrtc.ICEServer) []ICEServerDTO {
	out := make([]ICEServerDTO, 0, len(servers))
	for _, s := range servers {
		dto := ICEServerDTO{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			dto.Credential = cred
		}
		out = append(out, dto)
	}
	return out
}
