package signal

import (
	"time"

	"livesignal/pkg/config"
)

// Wire error codes carried in ErrorData.Code.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeUnauthorized          = "unauthorized"
	CodeForbidden             = "forbidden"
	CodeAlreadyLive           = "already_live"
	CodeStreamNotLive         = "stream_not_live"
	CodeStreamNotFound        = "stream_not_found"
	CodeDescriptorUnavailable = "descriptor_unavailable"
	CodeViewerLimit           = "viewer_limit_reached"
	CodeCapacity              = "capacity_exceeded"
	CodeHandshakeFailed       = "handshake_failed"
	CodeRateLimited           = "rate_limited"
)

// Teardown causes. They double as the reason sent in stream-end.
const (
	CauseStreamEnd             = "stream_end"
	CauseBroadcasterDisconnect = "broadcaster_disconnect"
	CauseViewerDisconnect      = "viewer_disconnect"
	CauseHeartbeatTimeout      = "heartbeat_timeout"
	CausePendingTimeout        = "pending_timeout"
	CauseShutdown              = "server_shutdown"
)

type Options struct {
	PingInterval        time.Duration
	PongTimeout         time.Duration
	WriteTimeout        time.Duration
	HeartbeatTimeout    time.Duration
	SweepInterval       time.Duration
	PendingGrace        time.Duration
	DescriptorTimeout   time.Duration
	MaxUnansweredOffers int
	OutboundQueueSize   int
	MaxMessageSize      int64

	// MaxConnections caps concurrent websocket connections. Zero disables the cap.
	MaxConnections int

	// MessagesPerSecond limits inbound messages per connection. Zero disables it.
	MessagesPerSecond float64
	MessageBurst      int

	AllowedOrigins    []string
	AllowUnregistered bool
	InstanceID        string

	// AckHeartbeats echoes each client heartbeat back to its sender.
	AckHeartbeats bool
}

func DefaultOptions() Options {
	return Options{
		PingInterval:        30 * time.Second,
		PongTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		HeartbeatTimeout:    90 * time.Second,
		SweepInterval:       15 * time.Second,
		PendingGrace:        5 * time.Minute,
		DescriptorTimeout:   5 * time.Second,
		MaxUnansweredOffers: 3,
		OutboundQueueSize:   64,
		MaxMessageSize:      64 * 1024,
		AllowedOrigins:      []string{"*"},
	}
}

// OptionsFromConfig maps the signal, descriptor and websocket rate limit
// sections of cfg onto broker options.
func OptionsFromConfig(cfg *config.Config, instanceID string) Options {
	opts := Options{
		PingInterval:        cfg.Signal.PingInterval,
		PongTimeout:         cfg.Signal.PongTimeout,
		WriteTimeout:        cfg.Signal.WriteTimeout,
		HeartbeatTimeout:    cfg.Signal.HeartbeatTimeout,
		SweepInterval:       cfg.Signal.SweepInterval,
		PendingGrace:        cfg.Signal.PendingGrace,
		DescriptorTimeout:   cfg.Signal.DescriptorTimeout,
		MaxUnansweredOffers: cfg.Signal.MaxUnansweredOffers,
		OutboundQueueSize:   cfg.Signal.OutboundQueueSize,
		MaxMessageSize:      cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections:      cfg.RateLimiting.WebSocket.MaxConcurrent,
		AllowedOrigins:      cfg.Signal.AllowedOrigins,
		AllowUnregistered:   cfg.Descriptor.AllowUnregistered,
		InstanceID:          instanceID,
		AckHeartbeats:       cfg.Signal.AckHeartbeats,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}
