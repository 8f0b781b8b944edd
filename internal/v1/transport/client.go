// Package transport owns the WebSocket edge: the upgrade handshake, the
// per-connection read/write pumps, and the dispatcher that routes inbound
// events into the session layer.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/protocol"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// wsConnection is the slice of *websocket.Conn the client needs; tests
// substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// Client is one live WebSocket connection. It implements types.ClientConn:
// Send never blocks, and Close drains queued frames before the close frame
// goes out, so a terminal sessionTerminated is always delivered first.
type Client struct {
	conn       wsConnection
	socketID   types.SocketIDType
	userID     types.UserIDType
	remoteIP   string
	dispatcher *Dispatcher
	hub        *Hub

	inactivityTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	send chan []byte
}

// SocketID returns the connection's unique id.
func (c *Client) SocketID() types.SocketIDType { return c.socketID }

// UserID returns the authenticated user bound to this connection.
func (c *Client) UserID() types.UserIDType { return c.userID }

// Send encodes an outbound frame and queues it. Frames are dropped with a
// log line when the client cannot drain its queue.
func (c *Client) Send(event types.EventType, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := protocol.Encode(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode outbound frame",
			zap.String("event", string(event)), zap.Error(err))
		return
	}

	// The pump may close the channel between the flag check and here.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Dropped frame for closing client",
				zap.String("socket_id", string(c.socketID)))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send queue full, dropping frame",
			zap.String("socket_id", string(c.socketID)),
			zap.String("event", string(event)))
	}
}

// Close marks the client closed and hands the rest to the write pump, which
// drains the queue, writes the close frame, and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
}

// readPump consumes inbound frames until the connection dies or goes silent
// past the inactivity timeout.
func (c *Client) readPump() {
	defer func() {
		c.dispatcher.HandleDisconnect(context.Background(), c)
		_ = c.conn.Close()
		metrics.DecConnection()
		if c.hub != nil {
			c.hub.releaseIP(c.remoteIP)
		}
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.inactivityTimeout))

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.dispatcher.HandleFrame(context.Background(), c, data)
	}
}

// writePump serializes all writes to the socket. A closed send channel means
// the client is done: write the close frame and let the reader unblock.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Error(context.Background(), "Error writing frame",
				zap.String("socket_id", string(c.socketID)), zap.Error(err))
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
