package utils

import (
	"github.com/google/uuid"
)

// NewConnectionID returns a fresh id for one transport connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewInstanceID identifies this broker process on the event bus.
func NewInstanceID() string {
	return "broker-" + uuid.NewString()[:8]
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
