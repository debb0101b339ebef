package relayclient

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noterelay/internal/app/relay"
	"noterelay/internal/app/store"
	"noterelay/internal/app/user"
	"noterelay/internal/configs"
	"noterelay/internal/handler"
	"noterelay/internal/pkg/auth/jwt"
	"noterelay/internal/pkg/errs"
	"noterelay/pkg/wire"
)

const (
	testSecret = "relayclient-secret"
	waitFor    = 2 * time.Second
)

type testRelay struct {
	url string
	hub *relay.Hub
	mem *store.Memory
}

// slowStore delays message persistence so echoes arrive after a short send timeout.
type slowStore struct {
	*store.Memory
	delay time.Duration
}

func (s slowStore) CreateMessage(ctx context.Context, in store.NewMessage) (store.Message, error) {
	time.Sleep(s.delay)
	return s.Memory.CreateMessage(ctx, in)
}

func newTestRelay(t *testing.T, persistDelay time.Duration) *testRelay {
	t.Helper()

	mem := store.NewMemory()
	require.NoError(t, mem.CreateConversation(context.Background(), store.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
	}))

	var st relay.Store = mem
	if persistDelay > 0 {
		st = slowStore{Memory: mem, delay: persistDelay}
	}

	hub := relay.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(handler.Router(&handler.AppDeps{
		Config:        &configs.AppConfig{Environment: "development"},
		Relay:         relay.New(hub, st, relay.Options{}),
		Verifier:      jwt.NewHMACVerifier(testSecret, "", ""),
		Conversations: mem,
		Presence:      mem,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})

	return &testRelay{
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub: hub,
		mem: mem,
	}
}

func (tr *testRelay) controller(t *testing.T, userID string, sendTimeout time.Duration) *Controller {
	t.Helper()

	tok, err := jwt.GenerateToken(user.User{ID: userID, Email: userID + "@example.com"}, testSecret, time.Hour)
	require.NoError(t, err)

	before, err := tr.hub.ConnectionCount()
	require.NoError(t, err)

	c := New(Options{URL: tr.url, Token: tok, SendTimeout: sendTimeout})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	require.Eventually(t, func() bool {
		n, err := tr.hub.ConnectionCount()
		return err == nil && n == before+1
	}, waitFor, 5*time.Millisecond)

	return c
}

func collect(c *Controller, event wire.Event) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 16)
	c.On(event, func(p json.RawMessage) {
		select {
		case ch <- p:
		default:
		}
	})
	return ch
}

func receive[T any](t *testing.T, ch <-chan json.RawMessage) T {
	t.Helper()

	select {
	case p := <-ch:
		v, err := Decode[T](p)
		require.NoError(t, err)
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}

	var zero T
	return zero
}

func awaitEvent(t *testing.T, ch <-chan json.RawMessage) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
}

// joinBoth puts alice and bob in c1 and returns once the relay has applied both joins.
func joinBoth(t *testing.T, alice, bob *Controller) {
	t.Helper()

	joined := collect(alice, wire.EventUserJoinedConversation)

	require.NoError(t, alice.JoinConversation("c1"))
	_, err := alice.SendMessage(context.Background(), "c1", "anyone here?")
	require.NoError(t, err)

	require.NoError(t, bob.JoinConversation("c1"))
	assert.Equal(t, "bob", receive[wire.UserJoinedPayload](t, joined).UserID)
}

func TestConnect_Unauthorized(t *testing.T) {
	tr := newTestRelay(t, 0)

	c := New(Options{URL: tr.url, Token: "not-a-token"})
	err := c.Connect(context.Background())

	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, c.Connected())
}

func TestSendMessage_ResolvesWithEcho(t *testing.T) {
	tr := newTestRelay(t, 0)
	alice := tr.controller(t, "alice", 0)
	bob := tr.controller(t, "bob", 0)
	joinBoth(t, alice, bob)

	incoming := collect(bob, wire.EventNewMessage)

	msg, err := alice.SendMessage(context.Background(), "c1", "hello bob")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hello bob", msg.Content)

	got := receive[wire.NewMessagePayload](t, incoming)
	assert.Equal(t, msg.ID, got.ID)

	stored, ok := tr.mem.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "hello bob", stored.Content)
}

func TestSendMessage_RejectedByRelay(t *testing.T) {
	tr := newTestRelay(t, 0)
	eve := tr.controller(t, "eve", 0)

	start := time.Now()
	_, err := eve.SendMessage(context.Background(), "c1", "let me in")

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, errs.ErrNotJoined, serverErr.Code)
	assert.Equal(t, wire.EventSendMessage, serverErr.Event)
	assert.Less(t, time.Since(start), DefaultSendTimeout)
	assert.Empty(t, tr.mem.Messages("c1"))
}

func TestJoinConversation_RejectedJoinIsForgotten(t *testing.T) {
	tr := newTestRelay(t, 0)
	eve := tr.controller(t, "eve", 0)
	failures := collect(eve, wire.EventError)

	require.NoError(t, eve.JoinConversation("c1"))
	assert.Equal(t, []string{"c1"}, eve.Rooms())

	rejected := receive[wire.ErrorPayload](t, failures)
	assert.Equal(t, errs.ErrNotParticipant, rejected.Code)
	assert.Equal(t, wire.EventJoinConversation, rejected.Event)
	assert.Equal(t, "c1", rejected.ConversationID)
	assert.Empty(t, eve.Rooms())
}

func TestSendMessage_TimeoutThenLateEcho(t *testing.T) {
	tr := newTestRelay(t, 300*time.Millisecond)
	alice := tr.controller(t, "alice", 50*time.Millisecond)

	require.NoError(t, alice.JoinConversation("c1"))
	incoming := collect(alice, wire.EventNewMessage)

	_, err := alice.SendMessage(context.Background(), "c1", "slow one")
	require.ErrorIs(t, err, ErrSendTimeout)

	late := receive[wire.NewMessagePayload](t, incoming)
	assert.Equal(t, "slow one", late.Content)
	assert.NotEmpty(t, late.ClientID)
	assert.Len(t, tr.mem.Messages("c1"), 1)
}

func TestSendMessage_ContextCanceled(t *testing.T) {
	tr := newTestRelay(t, 300*time.Millisecond)
	alice := tr.controller(t, "alice", 0)
	require.NoError(t, alice.JoinConversation("c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := alice.SendMessage(ctx, "c1", "never mind")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTypingAndReadReceipts(t *testing.T) {
	tr := newTestRelay(t, 0)
	alice := tr.controller(t, "alice", 0)
	bob := tr.controller(t, "bob", 0)
	joinBoth(t, alice, bob)

	typing := collect(bob, wire.EventUserTyping)
	stopped := collect(bob, wire.EventUserStoppedTyping)
	read := collect(alice, wire.EventMessagesRead)

	require.NoError(t, alice.StartTyping("c1"))
	assert.Equal(t, wire.TypingPayload{UserID: "alice", ConversationID: "c1"}, receive[wire.TypingPayload](t, typing))

	require.NoError(t, alice.StopTyping("c1"))
	assert.Equal(t, wire.TypingPayload{UserID: "alice", ConversationID: "c1"}, receive[wire.TypingPayload](t, stopped))

	msgs := tr.mem.Messages("c1")
	require.NotEmpty(t, msgs)

	require.NoError(t, bob.MarkMessagesRead("c1", []string{msgs[0].ID}))
	receipt := receive[wire.MessagesReadPayload](t, read)
	assert.Equal(t, "bob", receipt.UserID)
	assert.Equal(t, []string{msgs[0].ID}, receipt.MessageIDs)
}

func TestReconnect_RejoinsAndKeepsSubscriptions(t *testing.T) {
	tr := newTestRelay(t, 0)
	alice := tr.controller(t, "alice", 0)
	bob := tr.controller(t, "bob", 0)
	joinBoth(t, alice, bob)

	incoming := collect(alice, wire.EventNewMessage)
	disconnected := collect(alice, EventDisconnected)

	require.NoError(t, alice.Reconnect(context.Background()))
	awaitEvent(t, disconnected)
	assert.Equal(t, []string{"c1"}, alice.Rooms())

	// the echo proves the rejoin, which was sent first on the new connection
	_, err := alice.SendMessage(context.Background(), "c1", "back again")
	require.NoError(t, err)
	assert.Equal(t, "back again", receive[wire.NewMessagePayload](t, incoming).Content)

	_, err = bob.SendMessage(context.Background(), "c1", "welcome back")
	require.NoError(t, err)
	assert.Equal(t, "welcome back", receive[wire.NewMessagePayload](t, incoming).Content)

	require.Eventually(t, func() bool {
		n, err := tr.hub.ConnectionCount()
		return err == nil && n == 2
	}, waitFor, 5*time.Millisecond)
}

func TestSubscriptionOff(t *testing.T) {
	tr := newTestRelay(t, 0)
	alice := tr.controller(t, "alice", 0)
	require.NoError(t, alice.JoinConversation("c1"))

	var calls int
	sub := alice.On(wire.EventNewMessage, func(json.RawMessage) { calls++ })
	sub.Off()

	_, err := alice.SendMessage(context.Background(), "c1", "quiet")
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestDisconnect(t *testing.T) {
	tr := newTestRelay(t, 0)
	alice := tr.controller(t, "alice", 0)
	require.NoError(t, alice.JoinConversation("c1"))

	disconnected := collect(alice, EventDisconnected)
	alice.Disconnect()
	awaitEvent(t, disconnected)

	assert.False(t, alice.Connected())
	assert.Empty(t, alice.Rooms())
	assert.ErrorIs(t, alice.StartTyping("c1"), ErrNotConnected)

	_, err := alice.SendMessage(context.Background(), "c1", "anyone?")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.Eventually(t, func() bool {
		n, err := tr.hub.ConnectionCount()
		return err == nil && n == 0
	}, waitFor, 5*time.Millisecond)
}
