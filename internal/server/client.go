// Package server manages individual WebSocket connections, handling
// read/write pumps and lifecycle control for each client.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// pongWait is how long a connection may stay silent before the read
	// deadline expires; pings are answered by resetting it.
	pongWait = 60 * time.Second
	// pingInterval must be shorter than pongWait.
	pingInterval = 54 * time.Second
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second
)

// Client represents one WebSocket connection in the relay. It carries the
// connection's opaque handle, the buffered send channel the hub delivers
// into, and the transport state for the read/write pumps.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	handle         Handle
	addr           string
	closed         bool
	maxMessageSize int64
	logger         *zap.Logger
}

// NewClient creates a Client for the given connection with a freshly
// assigned handle. The send channel is buffered per the hub's limits so
// delivery stays fire-and-forget.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(hub.limits.MaxMessageSize)
	}

	handle := Handle(uuid.NewString())
	return &Client{
		conn:           conn,
		send:           make(chan []byte, hub.limits.SendBuffer),
		hub:            hub,
		handle:         handle,
		addr:           addr,
		maxMessageSize: hub.limits.MaxMessageSize,
		logger:         hub.logger.With(zap.String("handle", string(handle)), zap.String("addr", addr)),
	}
}

// Handle returns the connection's opaque identifier.
func (c *Client) Handle() Handle {
	return c.handle
}

// setupReadConnection configures read deadlines and the pong handler for the
// WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("inbound frame exceeded maximum size",
			zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// processFrame decodes one raw frame into an event envelope and forwards it
// to the hub's run loop. Frames that are not valid envelopes are rejected
// with an error event to this connection only.
func (c *Client) processFrame(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.logger.Warn("invalid frame", zap.Error(err))
		c.hub.Deliver(c.handle, EventError, ErrorEvent{
			Message: "frames must be {\"event\": name, \"data\": payload}",
		})
		return
	}

	select {
	case c.hub.inbound <- inboundEvent{client: c, event: env.Event, payload: env.Data}:
	case <-c.hub.ctx.Done():
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			// The hub loop has exited; shutdownClients owns the cleanup.
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeFrame(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// closeConnection safely closes the WebSocket connection.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", zap.Error(err))
	}
}

// writeFrame writes one outbound frame, or the close message when the send
// channel has been closed. Each frame is its own WebSocket message so
// receivers can decode them independently. Returns false when the pump
// should stop.
func (c *Client) writeFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", zap.Error(err))
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing frame", zap.Error(err))
		}
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing ping message", zap.Error(err))
		}
		return false
	}
	return true
}
