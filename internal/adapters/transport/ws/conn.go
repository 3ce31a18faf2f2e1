// Package ws carries the measurement protocol over websocket connections.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/vouch/internal/domain/protocol"
	"github.com/okian/vouch/pkg/logger"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// A 1 MiB probe grows by a third in base64 plus the envelope.
	defaultReadLimit = 4 << 20
	defaultInboxSize = 8
	closeGrace       = time.Second
)

// frame is one decoded inbound message or the error that ended reading.
type frame struct {
	msg protocol.Message
	err error
}

// Conn adapts a websocket connection to protocol.Channel. A single reader
// goroutine decodes frames into an inbox so Receive can honour ctx.
type Conn struct {
	conn *websocket.Conn

	writeTimeout time.Duration
	readLimit    int64
	inboxSize    int

	writeMu   sync.Mutex
	inbox     chan frame
	closed    chan struct{}
	closeOnce sync.Once

	logger logger.Logger
}

var _ protocol.Channel = (*Conn)(nil)

// NewConn wraps conn and starts its reader.
func NewConn(conn *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		inboxSize:    defaultInboxSize,
		closed:       make(chan struct{}),
		logger:       logger.Get().Named("ws"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inbox = make(chan frame, c.inboxSize)
	c.conn.SetReadLimit(c.readLimit)
	// Sessions outlive the HTTP server's request deadlines.
	_ = c.conn.SetReadDeadline(time.Time{})
	go c.readLoop()
	return c
}

// Send implements protocol.Channel.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return protocol.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)
	}
	return nil
}

// Receive implements protocol.Channel.
func (c *Conn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case f, ok := <-c.inbox:
		if !ok {
			return nil, protocol.ErrDisconnected
		}
		return f.msg, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, protocol.ErrDisconnected
	}
}

// Close sends a normal closure and releases the connection. Calling Close
// twice is a no-op.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with a websocket close code and reason.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(context.Background(), "read ended", logger.Error(err))
			}
			c.push(frame{err: fmt.Errorf("%w: %w", protocol.ErrDisconnected, err)})
			return
		}
		msg, err := protocol.Decode(data)
		if !c.push(frame{msg: msg, err: err}) {
			return
		}
	}
}

// push delivers f unless the connection closes first.
func (c *Conn) push(f frame) bool {
	select {
	case c.inbox <- f:
		return true
	case <-c.closed:
		return false
	}
}
