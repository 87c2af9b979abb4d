package domain

import (
	"errors"
	"sync/atomic"
	"time"
)

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is one of the known client roles.
func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

var ErrNoSender = errors.New("connection has no sender")

// Sender delivers outbound envelopes to the remote end of a connection.
type Sender interface {
	Send(msg *Message) error
	Close(reason string)
}

// Connection is one authenticated transport connection attached to a stream.
// Role, Identity and StreamID never change after construction.
type Connection struct {
	ID          ConnectionID
	Role        Role
	Identity    Identity
	StreamID    StreamID
	ConnectedAt time.Time

	lastHeartbeat atomic.Int64
	sender        Sender
}

func NewConnection(id ConnectionID, role Role, identity Identity, streamID StreamID, sender Sender) *Connection {
	now := time.Now()
	c := &Connection{
		ID:          id,
		Role:        role,
		Identity:    identity,
		StreamID:    streamID,
		ConnectedAt: now,
		sender:      sender,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) Send(msg *Message) error {
	if c.sender == nil {
		return ErrNoSender
	}
	return c.sender.Send(msg)
}

func (c *Connection) Close(reason string) {
	if c.sender != nil {
		c.sender.Close(reason)
	}
}
