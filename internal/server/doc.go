// Package server implements the core WebSocket relay for roomrelay.
//
// The implementation is organized into specialized files: the session
// registry and room directory track who is connected where, the event router
// turns inbound client events into room broadcasts, and the hub, client, and
// handler files form the connection gateway on top of gorilla/websocket.
package server
