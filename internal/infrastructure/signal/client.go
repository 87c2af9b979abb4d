package signal

import (
	"errors"
	"sync"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSlowConsumer = errors.New("outbound queue full")
)

// maxCloseReason keeps close frame payloads under the 125 byte control limit.
const maxCloseReason = 120

// Client owns the write side of one websocket. Every frame goes through
// writePump, so the connection has exactly one writer.
type Client struct {
	ws   *websocket.Conn
	send chan *domain.Message

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	writerDone chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func newClient(ws *websocket.Conn, opts Options, logger *zap.SugaredLogger) *Client {
	queue := opts.OutboundQueueSize
	if queue <= 0 {
		queue = 64
	}
	return &Client{
		ws:           ws,
		send:         make(chan *domain.Message, queue),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}
}

// Send queues msg without blocking. A peer that cannot keep up with its
// queue is disconnected rather than allowed to stall the router.
func (c *Client) Send(msg *domain.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.logger.Warnw("outbound queue full, closing connection", "message_type", msg.Type)
		c.CloseWith(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

func (c *Client) Close(reason string) {
	c.CloseWith(websocket.CloseNormalClosure, reason)
}

// CloseWith stops the client. Queued messages are flushed before the close
// frame. Only the first call has any effect.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = utils.TruncateString(reason, maxCloseReason)
		close(c.done)
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseReason is valid once Done is closed.
func (c *Client) CloseReason() string {
	<-c.done
	return c.closeReason
}

func (c *Client) writePump() {
	interval := c.pingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debugw("write failed", "error", err)
				c.CloseWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				c.CloseWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-c.done:
			c.drain()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			}
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg *domain.Message) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}
