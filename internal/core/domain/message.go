package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageViewerJoin   MessageType = "viewer-join"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageViewerCount  MessageType = "viewer-count"
	MessageStreamEnd    MessageType = "stream-end"
	MessageHeartbeat    MessageType = "heartbeat"

	// Server-originated only.
	MessageStreamInfo MessageType = "stream-info"
	MessageError      MessageType = "error"
)

// Message is the signaling envelope exchanged with browsers. Data is opaque
// to the broker: SDP and ICE payloads are forwarded byte for byte.
type Message struct {
	Type           MessageType     `json:"type"`
	StreamID       StreamID        `json:"streamId"`
	FromWallet     Identity        `json:"fromWallet,omitempty"`
	ToWallet       Identity        `json:"toWallet,omitempty"`
	FromConnection ConnectionID    `json:"fromConnection,omitempty"`
	ToConnection   ConnectionID    `json:"toConnection,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

type ViewerCountData struct {
	Count int `json:"count"`
	Peak  int `json:"peak"`
}

type StreamInfoData struct {
	ConnectionID ConnectionID   `json:"connectionId"`
	Role         Role           `json:"role"`
	Status       StreamStatus   `json:"status"`
	ViewerCount  int            `json:"viewerCount"`
	ICEServers   []ICEServerDTO `json:"iceServers,omitempty"`
}

// ICEServerDTO is the browser RTCIceServer shape.
type ICEServerDTO struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ViewerJoinData struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Wallet       Identity     `json:"wallet"`
}

type StreamEndData struct {
	Reason string `json:"reason"`
}

// ErrorData reports a refused request. ConnectionID and Wallet name the
// peer the error concerns, when there is one.
type ErrorData struct {
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	ConnectionID ConnectionID `json:"connectionId,omitempty"`
	Wallet       Identity     `json:"wallet,omitempty"`
}

// NewMessage builds a server-originated envelope stamped with the current time.
// A nil payload leaves Data empty.
func NewMessage(t MessageType, streamID StreamID, payload interface{}) *Message {
	msg := &Message{
		Type:      t,
		StreamID:  streamID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			msg.Data = raw
		}
	}
	return msg
}

// DecodeData unmarshals the message payload into v.
func (m *Message) DecodeData(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
