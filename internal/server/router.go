// Package server routes inbound client events to registry and directory
// mutations and computes the resulting room broadcasts via the Router type.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// iso8601Millis matches the timestamp format of receive_message events.
const iso8601Millis = "2006-01-02T15:04:05.000Z07:00"

// Sender delivers serialized events to live connections. Delivery is
// best-effort and fire-and-forget; a failed delivery must not affect the
// remaining recipients.
type Sender interface {
	Deliver(handle Handle, event string, payload any)
	DeliverMany(handles []Handle, event string, payload any)
}

// Router is the event state machine of the relay. Each connection moves
// through Unjoined -> Joined -> Closed; the router owns the session registry
// and room directory and turns every inbound event into the matching
// mutations plus broadcast.
//
// Router methods are not atomic across the registry and directory; the hub
// serializes all calls through its run loop.
type Router struct {
	registry  *SessionRegistry
	directory *RoomDirectory
	sender    Sender
	logger    *zap.Logger

	// now and newID are injectable for tests.
	now   func() time.Time
	newID func() string
}

// NewRouter creates a Router operating on the given registry and directory,
// broadcasting through the given sender.
func NewRouter(registry *SessionRegistry, directory *RoomDirectory, sender Sender, logger *zap.Logger) *Router {
	return &Router{
		registry:  registry,
		directory: directory,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// HandleJoin processes a join_room event. Username and room must be non-empty
// after trimming; violations are rejected with an error event to the
// originating connection only. A connection already joined to a different
// room leaves it first (membership removal plus user_left broadcast) before
// joining the new one. The joiner is included in the user_joined broadcast so
// every member, joiner included, sees the same roster.
func (rt *Router) HandleJoin(handle Handle, req JoinRequest) {
	username := strings.TrimSpace(req.Username)
	room := strings.TrimSpace(req.Room)
	if username == "" || room == "" {
		rt.sender.Deliver(handle, EventError, ErrorEvent{
			Message: "username and room must not be empty",
		})
		return
	}

	if prev, ok := rt.registry.Get(handle); ok && prev.Room != room {
		rt.leaveRoom(handle, prev)
	}

	rt.registry.Put(handle, username, room)
	rt.directory.AddMember(room, handle)

	rt.sender.DeliverMany(rt.directory.Members(room), EventUserJoined, PresenceEvent{
		Username: username,
		Message:  fmt.Sprintf("%s has joined %s", username, room),
		Users:    rt.roster(room),
	})

	rt.logger.Info("user joined room",
		zap.String("handle", string(handle)),
		zap.String("username", username),
		zap.String("room", room))
}

// HandleMessage processes a send_message event. A message from a connection
// with no session (never joined, or raced with disconnect) is dropped
// silently. The message id and timestamp are assigned here and the message is
// attributed to the session's username, never a client-supplied one. A
// non-empty declared room that differs from the session's room is rejected
// with an error event to the sender; an empty one falls back to the session's
// room.
func (rt *Router) HandleMessage(handle Handle, req SendMessageRequest) {
	session, ok := rt.registry.Get(handle)
	if !ok {
		rt.logger.Debug("dropping message from connection without session",
			zap.String("handle", string(handle)))
		return
	}

	room := req.Room
	if room == "" {
		room = session.Room
	}
	if room != session.Room {
		rt.sender.Deliver(handle, EventError, ErrorEvent{
			Message: fmt.Sprintf("cannot send to room %q without joining it", room),
		})
		return
	}

	msg := ChatMessage{
		ID:       rt.newID(),
		Message:  req.Message,
		Username: session.Username,
		Time:     rt.now().UTC().Format(iso8601Millis),
		ReplyTo:  req.ReplyTo,
	}
	rt.sender.DeliverMany(rt.directory.Members(room), EventReceiveMessage, msg)
}

// HandleDisconnect processes a connection teardown. A handle with no session
// is a no-op. Otherwise the session is removed, the room membership is
// removed, and the remaining members (if any) receive a user_left broadcast.
func (rt *Router) HandleDisconnect(handle Handle) {
	session, ok := rt.registry.Remove(handle)
	if !ok {
		return
	}

	rt.leaveRoom(handle, session)

	rt.logger.Info("user left room",
		zap.String("handle", string(handle)),
		zap.String("username", session.Username),
		zap.String("room", session.Room))
}

// leaveRoom removes the handle from the session's room and, if members
// remain, broadcasts user_left to them. An emptied room is discarded by the
// directory with no broadcast.
func (rt *Router) leaveRoom(handle Handle, session Session) {
	remaining := rt.directory.RemoveMember(session.Room, handle)
	if remaining == 0 {
		return
	}

	rt.sender.DeliverMany(rt.directory.Members(session.Room), EventUserLeft, PresenceEvent{
		Username: session.Username,
		Message:  fmt.Sprintf("%s has left the room", session.Username),
		Users:    rt.roster(session.Room),
	})
}

// roster resolves the room's member handles to usernames in join order. A
// handle whose session lookup fails (disconnect race) is skipped.
func (rt *Router) roster(room string) []string {
	members := rt.directory.Members(room)
	users := make([]string, 0, len(members))
	for _, h := range members {
		if session, ok := rt.registry.Get(h); ok {
			users = append(users, session.Username)
		}
	}
	return users
}
