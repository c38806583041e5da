// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers bundles the relay's HTTP endpoints around a hub and the upgrade
// policy for it.
type Handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandlers creates the HTTP handler set for the given hub. Socket upgrades
// are restricted to the given allowed origins.
func NewHandlers(hub *Hub, allowedOrigins []string, logger *zap.Logger) *Handlers {
	policy := newOriginPolicy(allowedOrigins, logger)
	return &Handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		logger: logger,
	}
}

// WebSocket handles WebSocket upgrade requests. It validates that the request
// uses the GET method, upgrades the HTTP connection, creates a Client with a
// fresh handle, and registers it with the hub, which launches the pumps.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)

	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		client.closeConnection()
	}
}

// Health provides a simple health check endpoint that returns server status.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomrelay server is running!")
}

// TestPage serves an HTML page for exercising the relay by hand: join a
// room, send messages, reply to one, and watch presence changes live.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.logger.Warn("error writing test page response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>roomrelay test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #roster { color: #555; margin: 10px 0; }
        input[type="text"] { padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .presence { color: gray; font-style: italic; }
        .chat { color: #222; }
        .error { color: #a00; }
    </style>
</head>
<body>
    <h1>roomrelay test</h1>

    <div>
        <input type="text" id="username" placeholder="username">
        <input type="text" id="room" placeholder="room">
        <button onclick="join()">Join</button>
    </div>

    <div id="roster"></div>
    <div id="messages"></div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." size="40">
        <button onclick="sendMessage()">Send</button>
    </div>

    <script>
        let ws = null;
        let lastMessage = null;
        const messagesDiv = document.getElementById('messages');
        const rosterDiv = document.getElementById('roster');

        function addLine(text, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function connect() {
            ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onmessage = function(e) {
                const frame = JSON.parse(e.data);
                const data = frame.data || {};
                switch (frame.event) {
                case 'user_joined':
                case 'user_left':
                    addLine(data.message, 'presence');
                    rosterDiv.textContent = 'In room: ' + data.users.join(', ');
                    break;
                case 'receive_message':
                    lastMessage = data;
                    let line = data.username + ': ' + data.message;
                    if (data.replyTo) {
                        line += ' (replying to ' + data.replyTo.username + ': ' + data.replyTo.message + ')';
                    }
                    addLine(line, 'chat');
                    break;
                case 'error':
                    addLine('error: ' + data.message, 'error');
                    break;
                }
            };
            ws.onclose = function() { addLine('connection closed', 'presence'); ws = null; };
        }

        function send(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { return; }
            ws.send(JSON.stringify({event: event, data: data}));
        }

        function join() {
            if (!ws) { connect(); }
            const doJoin = function() {
                send('join_room', {
                    username: document.getElementById('username').value,
                    room: document.getElementById('room').value
                });
            };
            if (ws.readyState === WebSocket.OPEN) { doJoin(); } else { ws.onopen = doJoin; }
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            send('send_message', {
                message: input.value,
                room: document.getElementById('room').value
            });
            input.value = '';
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
