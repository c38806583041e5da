package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestRelay starts a full relay (hub, handlers, routes) on an httptest
// server and tears it down with the test.
func newTestRelay(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()

	logger := zap.NewNop()
	hub := NewHub(testLimits(), logger)
	go hub.Run()

	handlers := NewHandlers(hub, []string{"*"}, logger)
	ts := httptest.NewServer(SetupRoutes(handlers))

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return ts, hub
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	headers := http.Header{}
	headers.Set("Origin", "http://test.example.com")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: payload}))
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func readPresence(t *testing.T, conn *websocket.Conn, wantEvent string) PresenceEvent {
	t.Helper()

	env := readEvent(t, conn)
	require.Equal(t, wantEvent, env.Event)
	var presence PresenceEvent
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	return presence
}

func readChat(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()

	env := readEvent(t, conn)
	require.Equal(t, EventReceiveMessage, env.Event)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame to arrive")
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "roomrelay server is running!", string(body))
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(testLimits(), logger)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	handlers := NewHandlers(hub, []string{"http://allowed.example.com"}, logger)
	ts := httptest.NewServer(SetupRoutes(handlers))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	headers := http.Header{}
	headers.Set("Origin", "http://other.example.com")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestRelayScenario walks the full chat script over real sockets: joins,
// roster updates, a message, a reply with snapshot, and a disconnect.
func TestRelayScenario(t *testing.T) {
	ts, hub := newTestRelay(t)

	connA := dialRelay(t, ts)
	sendEvent(t, connA, EventJoinRoom, JoinRequest{Username: "alice", Room: "lobby"})
	joined := readPresence(t, connA, EventUserJoined)
	assert.Equal(t, "alice", joined.Username)
	assert.Equal(t, []string{"alice"}, joined.Users)

	connB := dialRelay(t, ts)
	sendEvent(t, connB, EventJoinRoom, JoinRequest{Username: "bob", Room: "lobby"})

	joinedA := readPresence(t, connA, EventUserJoined)
	assert.Equal(t, "bob", joinedA.Username)
	assert.Equal(t, []string{"alice", "bob"}, joinedA.Users)
	joinedB := readPresence(t, connB, EventUserJoined)
	assert.Equal(t, []string{"alice", "bob"}, joinedB.Users)

	sendEvent(t, connA, EventSendMessage, SendMessageRequest{Message: "hi", Room: "lobby"})

	msgA := readChat(t, connA)
	msgB := readChat(t, connB)
	assert.Equal(t, "alice", msgA.Username)
	assert.Equal(t, "hi", msgA.Message)
	assert.Nil(t, msgA.ReplyTo)
	assert.Equal(t, msgA.ID, msgB.ID)
	require.NotEmpty(t, msgA.ID)
	_, err := time.Parse(iso8601Millis, msgA.Time)
	assert.NoError(t, err)

	sendEvent(t, connB, EventSendMessage, SendMessageRequest{
		Message: "hey back",
		Room:    "lobby",
		ReplyTo: &ReplyRef{ID: msgA.ID, Message: "hi", Username: "alice"},
	})

	replyA := readChat(t, connA)
	require.NotNil(t, replyA.ReplyTo)
	assert.Equal(t, ReplyRef{ID: msgA.ID, Message: "hi", Username: "alice"}, *replyA.ReplyTo)
	replyB := readChat(t, connB)
	require.NotNil(t, replyB.ReplyTo)

	require.NoError(t, connB.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = connB.Close()

	left := readPresence(t, connA, EventUserLeft)
	assert.Equal(t, "bob", left.Username)
	assert.Equal(t, []string{"alice"}, left.Users)

	_ = connA.Close()
	require.Eventually(t, func() bool {
		return len(hub.router.directory.Rooms()) == 0
	}, 2*time.Second, 10*time.Millisecond, "room should be discarded after last member leaves")
}

func TestMessageBeforeJoinIsDropped(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialRelay(t, ts)
	sendEvent(t, conn, EventSendMessage, SendMessageRequest{Message: "hello?", Room: "lobby"})

	expectSilence(t, conn)
}

func TestJoinValidationEmitsErrorEvent(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialRelay(t, ts)
	sendEvent(t, conn, EventJoinRoom, JoinRequest{Username: "  ", Room: "lobby"})

	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
}

func TestMessagesDoNotLeakAcrossRooms(t *testing.T) {
	ts, _ := newTestRelay(t)

	connA := dialRelay(t, ts)
	sendEvent(t, connA, EventJoinRoom, JoinRequest{Username: "alice", Room: "lobby"})
	readPresence(t, connA, EventUserJoined)

	connC := dialRelay(t, ts)
	sendEvent(t, connC, EventJoinRoom, JoinRequest{Username: "carol", Room: "den"})
	readPresence(t, connC, EventUserJoined)

	sendEvent(t, connA, EventSendMessage, SendMessageRequest{Message: "lobby only", Room: "lobby"})
	readChat(t, connA)

	expectSilence(t, connC)
}

func TestMalformedFrameEmitsErrorEvent(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialRelay(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	ts, _ := newTestRelay(t)

	conn := dialRelay(t, ts)
	sendEvent(t, conn, "dance", map[string]string{"style": "tango"})

	expectSilence(t, conn)
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Post(ts.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTestPageServed(t *testing.T) {
	ts, _ := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/test")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "join_room")
}
