package domain

import "time"

// SessionEventType names lifecycle transitions published to other instances.
type SessionEventType string

const (
	EventStreamLive   SessionEventType = "stream.live"
	EventStreamEnded  SessionEventType = "stream.ended"
	EventViewerJoined SessionEventType = "viewer.joined"
	EventViewerLeft   SessionEventType = "viewer.left"
)

type SessionEvent struct {
	Type         SessionEventType `json:"type"`
	InstanceID   string           `json:"instance_id"`
	Timestamp    time.Time        `json:"timestamp"`
	StreamID     StreamID         `json:"stream_id"`
	ConnectionID ConnectionID     `json:"connection_id,omitempty"`
	Identity     Identity         `json:"identity,omitempty"`
	ViewerCount  int              `json:"viewer_count"`
	PeakViewers  int              `json:"peak_viewers"`
}
