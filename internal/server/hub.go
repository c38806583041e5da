// Package server coordinates connection registration, event dispatch, and
// broadcast delivery for the relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomrelay/roomrelay/internal/config"
)

// inboundEvent carries one decoded frame from a client into the hub's run
// loop.
type inboundEvent struct {
	client  *Client
	event   string
	payload json.RawMessage
}

// Hub is the connection gateway of the relay. It owns every live client,
// serializes inbound events into the Router through a single run loop, and
// implements Sender for outbound delivery. All map access is mutex-guarded so
// delivery snapshots taken outside the loop remain safe.
type Hub struct {
	clients    map[Handle]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	router     *Router
	limits     config.LimitsConfig
	logger     *zap.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub with a fresh session registry and room directory wired
// into its router. The returned Hub is ready once Run is started.
func NewHub(limits config.LimitsConfig, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[Handle]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent),
		limits:     limits,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = NewRouter(NewSessionRegistry(), NewRoomDirectory(), h, logger)
	return h
}

// Run starts the hub's main event loop, handling client registration,
// teardown, and inbound event dispatch. Events are processed to completion
// one at a time, so router state never sees interleaved mutations. This
// method should be called in a separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.handle] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client connected",
				zap.String("handle", string(client.handle)),
				zap.String("addr", client.addr),
				zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.teardown(client)

		case ev := <-h.inbound:
			h.dispatch(ev)
		}
	}
}

// dispatch decodes an inbound frame's payload and hands it to the router.
// Malformed payloads are rejected with an error event to the sender only.
func (h *Hub) dispatch(ev inboundEvent) {
	switch ev.event {
	case EventJoinRoom:
		var req JoinRequest
		if err := json.Unmarshal(ev.payload, &req); err != nil {
			h.rejectMalformed(ev, err)
			return
		}
		h.router.HandleJoin(ev.client.handle, req)

	case EventSendMessage:
		var req SendMessageRequest
		if err := json.Unmarshal(ev.payload, &req); err != nil {
			h.rejectMalformed(ev, err)
			return
		}
		h.router.HandleMessage(ev.client.handle, req)

	default:
		h.logger.Warn("ignoring unknown event",
			zap.String("handle", string(ev.client.handle)),
			zap.String("event", ev.event))
	}
}

func (h *Hub) rejectMalformed(ev inboundEvent, err error) {
	h.logger.Warn("malformed event payload",
		zap.String("handle", string(ev.client.handle)),
		zap.String("event", ev.event),
		zap.Error(err))
	h.Deliver(ev.client.handle, EventError, ErrorEvent{
		Message: "malformed " + ev.event + " payload",
	})
}

// teardown removes a client from the hub and runs the router's disconnect
// sequence. The router broadcast goes out before the handle is forgotten, but
// after it is unmapped, so the leaver never receives its own user_left.
func (h *Hub) teardown(c *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[c.handle]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.handle)
	c.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(c.send)

	h.router.HandleDisconnect(c.handle)

	h.logger.Info("client disconnected",
		zap.String("handle", string(c.handle)),
		zap.String("addr", c.addr),
		zap.Int("clients", clientCount))
}

// Deliver sends one event to a single connection. An unknown handle is a
// no-op. A connection whose send buffer is full has its transport closed so
// the regular disconnect path cleans it up; the failure never propagates.
func (h *Hub) Deliver(handle Handle, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode outbound event",
			zap.String("event", event), zap.Error(err))
		return
	}
	h.deliverFrame(handle, event, frame)
}

// DeliverMany sends one event to every handle in the given snapshot. The
// frame is encoded once; per-handle failures do not abort the remaining
// deliveries.
func (h *Hub) DeliverMany(handles []Handle, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode outbound event",
			zap.String("event", event), zap.Error(err))
		return
	}
	for _, handle := range handles {
		h.deliverFrame(handle, event, frame)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func (h *Hub) deliverFrame(handle Handle, event string, frame []byte) {
	h.mutex.RLock()
	client := h.clients[handle]
	h.mutex.RUnlock()
	if client == nil {
		return
	}

	if !h.safeSend(client, frame) {
		h.logger.Warn("dropping delivery to slow or closed connection",
			zap.String("handle", string(handle)),
			zap.String("event", event))
		// Close the transport and let the disconnect path do the
		// bookkeeping; removing membership here would race with it.
		client.closeConnection()
	}
}

func (h *Hub) safeSend(client *Client, frame []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("recovered from send on closed channel", zap.Any("panic", r))
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client.handle]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("error closing client connection",
					zap.String("addr", client.addr), zap.Error(err))
			}
		}
	}

	h.logger.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()

	// Wait for Run() to complete.
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
