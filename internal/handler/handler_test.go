package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noterelay/internal/app/relay"
	"noterelay/internal/app/store"
	"noterelay/internal/app/user"
	"noterelay/internal/configs"
	"noterelay/internal/pkg/auth/jwt"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/resp"
	"noterelay/pkg/wire"
)

const (
	testSecret = "test-secret"
	waitFor    = 2 * time.Second
)

type testEnv struct {
	server *httptest.Server
	store  *store.Memory
	hub    *relay.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	require.NoError(t, mem.CreateConversation(context.Background(), store.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
	}))

	hub := relay.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	deps := &AppDeps{
		Config:        &configs.AppConfig{Environment: "development", AllowedOrigins: []string{}},
		Relay:         relay.New(hub, mem, relay.Options{}),
		Verifier:      jwt.NewHMACVerifier(testSecret, "", ""),
		Conversations: mem,
		Presence:      mem,
	}

	srv := httptest.NewServer(Router(deps))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})

	return &testEnv{server: srv, store: mem, hub: hub}
}

func token(t *testing.T, userID string) string {
	t.Helper()

	tok, err := jwt.GenerateToken(user.User{ID: userID, Email: userID + "@example.com"}, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) waitConnections(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		count, err := e.hub.ConnectionCount()
		return err == nil && count == n
	}, waitFor, 5*time.Millisecond)
}

// dial connects userID and waits until the relay has registered the connection.
func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	before, err := e.hub.ConnectionCount()
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, userID))

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	e.waitConnections(t, before+1)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event wire.Event, payload any) {
	t.Helper()

	frame, err := wire.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// next returns the next frame whose type is one of types, skipping the rest.
func next(t *testing.T, conn *websocket.Conn, types ...wire.Event) wire.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)

		env, err := wire.Decode(frame)
		require.NoError(t, err)

		if slices.Contains(types, env.Type) {
			return env
		}
	}
}

// barrier waits until every frame sent on conn so far has been processed. Frames on one
// connection are handled in order, so the error for an unknown event comes last.
func barrier(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"barrier"}`)))
	env := next(t, conn, wire.EventError)

	var p wire.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, errs.ErrUnsupportedEvent, p.Code)
}

func joinConversation(t *testing.T, conn *websocket.Conn, conv string) {
	t.Helper()
	send(t, conn, wire.EventJoinConversation, wire.ConversationPayload{ConversationID: conv})
	barrier(t, conn)
}

func decode[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func TestWebSocket_RejectsBeforeUpgrade(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		header http.Header
		url    string
	}{
		{name: "missing credential", url: e.wsURL()},
		{name: "invalid credential", url: e.wsURL(), header: http.Header{"Authorization": []string{"Bearer not-a-token"}}},
		{name: "wrong secret", url: e.wsURL() + "?token=" + func() string {
			tok, _ := jwt.GenerateToken(user.User{ID: "mallory"}, "other-secret", time.Hour)
			return tok
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, res)
			assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
		})
	}

	count, err := e.hub.ConnectionCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWebSocket_TokenQueryParam(t *testing.T) {
	e := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL()+"?token="+token(t, "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	e.waitConnections(t, 1)
}

func TestWebSocket_PresenceAndJoin(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	online := next(t, alice, wire.EventUserOnline)
	assert.Equal(t, wire.UserOnlinePayload{UserID: "bob", UserEmail: "bob@example.com"}, decode[wire.UserOnlinePayload](t, online))

	joinConversation(t, alice, "c1")
	joinConversation(t, bob, "c1")

	joined := next(t, alice, wire.EventUserJoinedConversation)
	assert.Equal(t, wire.UserJoinedPayload{UserID: "bob", ConversationID: "c1"}, decode[wire.UserJoinedPayload](t, joined))
}

func TestWebSocket_NonParticipantCannotSend(t *testing.T) {
	e := newTestEnv(t)
	eve := e.dial(t, "eve")

	send(t, eve, wire.EventJoinConversation, wire.ConversationPayload{ConversationID: "c1"})
	joinErr := decode[wire.ErrorPayload](t, next(t, eve, wire.EventError))
	assert.Equal(t, errs.ErrNotParticipant, joinErr.Code)
	assert.Equal(t, string(errs.KindAuthorization), joinErr.Kind)
	assert.Equal(t, wire.EventJoinConversation, joinErr.Event)
	assert.Equal(t, "c1", joinErr.ConversationID)

	send(t, eve, wire.EventSendMessage, wire.SendMessagePayload{ConversationID: "c1", Content: "let me in", ClientID: "tmp-9"})
	sendErr := decode[wire.ErrorPayload](t, next(t, eve, wire.EventError, wire.EventNewMessage))
	assert.Equal(t, errs.ErrNotJoined, sendErr.Code)
	assert.Equal(t, wire.EventSendMessage, sendErr.Event)
	assert.Equal(t, "tmp-9", sendErr.ClientID)
	assert.Equal(t, string(errs.KindAuthorization), sendErr.Kind)
	assert.NotEmpty(t, sendErr.Message)

	assert.Empty(t, e.store.Messages("c1"))
}

func TestWebSocket_TypingThenMessage(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	joinConversation(t, alice, "c1")
	joinConversation(t, bob, "c1")

	send(t, alice, wire.EventTypingStart, wire.ConversationPayload{ConversationID: "c1"})
	send(t, alice, wire.EventSendMessage, wire.SendMessagePayload{ConversationID: "c1", Content: "hi bob", ClientID: "tmp-1"})

	relevant := []wire.Event{wire.EventUserTyping, wire.EventNewMessage, wire.EventUserStoppedTyping}
	assert.Equal(t, wire.EventUserTyping, next(t, bob, relevant...).Type)

	msgEnv := next(t, bob, relevant...)
	require.Equal(t, wire.EventNewMessage, msgEnv.Type)
	msg := decode[wire.NewMessagePayload](t, msgEnv)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hi bob", msg.Content)
	assert.Empty(t, msg.ClientID)

	assert.Equal(t, wire.EventUserStoppedTyping, next(t, bob, relevant...).Type)

	echo := decode[wire.NewMessagePayload](t, next(t, alice, wire.EventNewMessage))
	assert.Equal(t, msg.ID, echo.ID)
	assert.Equal(t, "tmp-1", echo.ClientID)
}

func TestWebSocket_DisconnectWhileTyping(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	joinConversation(t, alice, "c1")
	joinConversation(t, bob, "c1")

	send(t, alice, wire.EventTypingStart, wire.ConversationPayload{ConversationID: "c1"})
	assert.Equal(t, wire.EventUserTyping, next(t, bob, wire.EventUserTyping).Type)

	require.NoError(t, alice.Close())

	relevant := []wire.Event{wire.EventUserStoppedTyping, wire.EventUserOffline}
	stopped := next(t, bob, relevant...)
	require.Equal(t, wire.EventUserStoppedTyping, stopped.Type)
	assert.Equal(t, "alice", decode[wire.TypingPayload](t, stopped).UserID)

	offline := next(t, bob, relevant...)
	require.Equal(t, wire.EventUserOffline, offline.Type)
	assert.Equal(t, "alice", decode[wire.UserOfflinePayload](t, offline).UserID)

	e.waitConnections(t, 1)
}

func TestWebSocket_InvalidFrames(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, errs.ErrInvalidJSONFormat, decode[wire.ErrorPayload](t, next(t, alice, wire.EventError)).Code)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"send-message"}`)))
	assert.Equal(t, errs.ErrInvalidParams, decode[wire.ErrorPayload](t, next(t, alice, wire.EventError)).Code)

	// the connection survives bad frames
	barrier(t, alice)
}

func TestWebSocket_ContentLimitIsCheckedOnContent(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	joinConversation(t, alice, "c1")

	// every '<' is escaped to six bytes on the wire
	escaped := strings.Repeat("<", 4900)
	send(t, alice, wire.EventSendMessage, wire.SendMessagePayload{ConversationID: "c1", Content: escaped})
	msg := decode[wire.NewMessagePayload](t, next(t, alice, wire.EventNewMessage, wire.EventError))
	assert.Equal(t, escaped, msg.Content)

	send(t, alice, wire.EventSendMessage, wire.SendMessagePayload{ConversationID: "c1", Content: strings.Repeat("a", 9000)})
	tooLong := decode[wire.ErrorPayload](t, next(t, alice, wire.EventError, wire.EventNewMessage))
	assert.Equal(t, errs.ErrMessageContentTooLong, tooLong.Code)

	barrier(t, alice)
	assert.Len(t, e.store.Messages("c1"), 1)

	count, err := e.hub.ConnectionCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func getJSON(t *testing.T, e *testEnv, path, userID string) (int, resp.JSONResponse, json.RawMessage) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var body struct {
		resp.JSONResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body.JSONResponse, body.Data
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	e.dial(t, "alice")

	status, _, data := getJSON(t, e, "/health", "")
	require.Equal(t, http.StatusOK, status)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, HealthStatus{Status: "ok", Service: "noterelay", Connections: 1}, health)
}

func TestOnlineUsers(t *testing.T) {
	e := newTestEnv(t)
	e.dial(t, "alice")
	e.dial(t, "alice")
	e.dial(t, "bob")

	status, body, _ := getJSON(t, e, "/api/online-users", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, errs.ErrUnauthorized, body.Code)

	status, _, data := getJSON(t, e, "/api/online-users", "bob")
	require.Equal(t, http.StatusOK, status)

	var users []relay.OnlineUser
	require.NoError(t, json.Unmarshal(data, &users))
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].UserID)
	assert.Equal(t, 2, users[0].Connections)
}

func TestConversationPresence(t *testing.T) {
	e := newTestEnv(t)
	e.dial(t, "alice")

	status, _, data := getJSON(t, e, "/api/conversations/c1/presence", "bob")
	require.Equal(t, http.StatusOK, status)

	var presence []relay.ParticipantPresence
	require.NoError(t, json.Unmarshal(data, &presence))
	require.Len(t, presence, 2)
	assert.Equal(t, "alice", presence[0].UserID)
	assert.True(t, presence[0].Online)
	assert.Equal(t, "bob", presence[1].UserID)
	assert.False(t, presence[1].Online)

	status, body, _ := getJSON(t, e, "/api/conversations/c1/presence", "eve")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, errs.ErrNotParticipant, body.Code)

	status, body, _ = getJSON(t, e, "/api/conversations/missing/presence", "bob")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errs.ErrConversationNotFound, body.Code)
}

func TestDocumentPresence(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.UpsertPresence(context.Background(), "doc1", store.PresenceRecord{
		UserID:   "alice",
		IsActive: true,
		Cursor:   store.Cursor{Line: 3, Column: 5},
		LastSeen: time.Now(),
	}))

	status, _, data := getJSON(t, e, "/api/documents/doc1/presence", "bob")
	require.Equal(t, http.StatusOK, status)

	var records []store.PresenceRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Cursor.Line)
	assert.Equal(t, 5, records[0].Cursor.Column)
}
