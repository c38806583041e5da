// Package server defines the wire event names and payload shapes exchanged
// between clients and the relay, plus shared connection helpers.
package server

import (
	"encoding/json"
	"strings"
)

// Handle identifies one live connection. It is assigned by the gateway on
// connect and is never reused within a process lifetime.
type Handle string

// Inbound event names (client to server).
const (
	EventJoinRoom    = "join_room"
	EventSendMessage = "send_message"
)

// Outbound event names (server to client).
const (
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventReceiveMessage = "receive_message"
	EventError          = "error"
)

// Envelope is the JSON frame carried on every WebSocket message. The event
// name selects the payload shape held in Data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the payload of a join_room event.
type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// ReplyRef is a denormalized snapshot of an earlier message. It is echoed
// back verbatim in broadcasts and never resolved against live state.
type ReplyRef struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

// SendMessageRequest is the payload of a send_message event. Any
// client-supplied id, username, or time is ignored; the server assigns them.
type SendMessageRequest struct {
	Message string    `json:"message"`
	Room    string    `json:"room"`
	ReplyTo *ReplyRef `json:"replyTo,omitempty"`
}

// PresenceEvent is the payload of user_joined and user_left broadcasts.
// Users is the room roster in join order after the change.
type PresenceEvent struct {
	Username string   `json:"username"`
	Message  string   `json:"message"`
	Users    []string `json:"users"`
}

// ChatMessage is the payload of a receive_message broadcast.
type ChatMessage struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Username string    `json:"username"`
	Time     string    `json:"time"`
	ReplyTo  *ReplyRef `json:"replyTo,omitempty"`
}

// ErrorEvent is sent to a single connection when its request is rejected.
type ErrorEvent struct {
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
