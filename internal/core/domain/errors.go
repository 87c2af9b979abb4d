package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrAlreadyLive        = errors.New("stream already has a broadcaster")
	ErrSessionEnded       = errors.New("stream session ended")
	ErrDescriptorTimeout  = errors.New("stream descriptor provider timed out")
	ErrViewerLimitReached = errors.New("viewer limit reached")
	ErrStreamLimitReached = errors.New("stream limit reached")
	ErrForbidden          = errors.New("identity not allowed to broadcast this stream")
	ErrInvalidSession     = errors.New("invalid session token")
)
