package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noterelay/internal/app/store"
	"noterelay/internal/app/user"
	"noterelay/internal/pkg/errs"
	"noterelay/pkg/wire"
)

const waitTimeout = 2 * time.Second

type faultyStore struct {
	*store.Memory
	createErr  error
	summaryErr error
	readErr    error
}

func (f *faultyStore) CreateMessage(ctx context.Context, m store.NewMessage) (store.Message, error) {
	if f.createErr != nil {
		return store.Message{}, f.createErr
	}
	return f.Memory.CreateMessage(ctx, m)
}

func (f *faultyStore) UpdateConversationSummary(ctx context.Context, id, last string, at time.Time) error {
	if f.summaryErr != nil {
		return f.summaryErr
	}
	return f.Memory.UpdateConversationSummary(ctx, id, last, at)
}

func (f *faultyStore) MarkMessagesRead(ctx context.Context, conv string, ids []string, userID string, at time.Time) error {
	if f.readErr != nil {
		return f.readErr
	}
	return f.Memory.MarkMessagesRead(ctx, conv, ids, userID, at)
}

type fixture struct {
	relay *Relay
	hub   *Hub
	store *faultyStore
}

func newFixture(t *testing.T, opts Options, hubOpts ...HubOption) *fixture {
	t.Helper()

	mem := &faultyStore{Memory: store.NewMemory()}
	require.NoError(t, mem.CreateConversation(context.Background(), store.Conversation{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
	}))

	hub := NewHub(hubOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	return &fixture{relay: New(hub, mem, opts), hub: hub, store: mem}
}

// connect registers a session for userID and waits until the hub has processed it.
func (f *fixture) connect(t *testing.T, userID string) *Session {
	t.Helper()

	s := NewSession(user.User{ID: userID, Email: userID + "@example.com"})
	require.NoError(t, f.relay.Connect(s))
	require.True(t, f.hub.HasSession(s))
	return s
}

func (f *fixture) join(t *testing.T, s *Session, conv string) {
	t.Helper()
	require.NoError(t, f.relay.JoinConversation(context.Background(), s, conv))
}

func nextEvent(t *testing.T, s *Session) wire.Envelope {
	t.Helper()

	select {
	case frame, ok := <-s.Outbound():
		require.True(t, ok, "session queue closed")
		env, err := wire.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("no event for %s", s.User.ID)
	}
	return wire.Envelope{}
}

func payloadOf[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()

	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

// drain discards everything queued for s.
func drain(s *Session) {
	for {
		select {
		case _, ok := <-s.Outbound():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func assertNoEvent(t *testing.T, s *Session) {
	t.Helper()
	assert.Empty(t, s.Outbound(), "unexpected queued frames for %s", s.User.ID)
}

func assertCode(t *testing.T, err error, code int) {
	t.Helper()

	var customErr *errs.CustomError
	require.ErrorAs(t, err, &customErr)
	assert.Equal(t, code, customErr.Code)
}

func TestConnect_AnnouncesOnlineToOthers(t *testing.T) {
	f := newFixture(t, Options{})

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	env := nextEvent(t, alice)
	assert.Equal(t, wire.EventUserOnline, env.Type)
	assert.Equal(t, wire.UserOnlinePayload{UserID: "bob", UserEmail: "bob@example.com"}, payloadOf[wire.UserOnlinePayload](t, env))

	assertNoEvent(t, bob)
}

func TestJoinConversation_NotifiesOtherMembers(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	drain(alice)

	f.join(t, alice, "c1")
	assertNoEvent(t, alice)

	f.join(t, bob, "c1")
	env := nextEvent(t, alice)
	assert.Equal(t, wire.EventUserJoinedConversation, env.Type)
	assert.Equal(t, wire.UserJoinedPayload{UserID: "bob", ConversationID: "c1"}, payloadOf[wire.UserJoinedPayload](t, env))
	assertNoEvent(t, bob)

	assert.True(t, f.hub.IsMember(bob, "c1"))
}

func TestJoinConversation_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	drain(alice)

	f.join(t, alice, "c1")
	f.join(t, bob, "c1")
	f.join(t, bob, "c1")

	assert.Equal(t, wire.EventUserJoinedConversation, nextEvent(t, alice).Type)
	assert.Equal(t, wire.EventUserJoinedConversation, nextEvent(t, alice).Type)

	rooms, err := f.hub.Rooms(bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, rooms)
}

func TestJoinConversation_Refused(t *testing.T) {
	f := newFixture(t, Options{})
	eve := f.connect(t, "eve")

	err := f.relay.JoinConversation(context.Background(), eve, "missing")
	assertCode(t, err, errs.ErrConversationNotFound)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	err = f.relay.JoinConversation(context.Background(), eve, "c1")
	assertCode(t, err, errs.ErrNotParticipant)
	assert.True(t, errs.IsKind(err, errs.KindAuthorization))

	assert.False(t, f.hub.IsMember(eve, "c1"))
}

func TestSendMessage_NonMemberRejected(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	eve := f.connect(t, "eve")
	f.join(t, alice, "c1")
	drain(alice)

	err := f.relay.SendMessage(context.Background(), eve, wire.SendMessagePayload{ConversationID: "c1", Content: "hi"})
	assertCode(t, err, errs.ErrNotJoined)
	assert.True(t, errs.IsKind(err, errs.KindAuthorization))

	assert.Empty(t, f.store.Messages("c1"))
	assertNoEvent(t, alice)
}

func TestSendMessage_BroadcastsAndPersists(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	aliceOtherTab := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	f.join(t, alice, "c1")
	f.join(t, aliceOtherTab, "c1")
	f.join(t, bob, "c1")
	drain(alice)
	drain(aliceOtherTab)
	drain(bob)

	err := f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{
		ConversationID: "c1",
		Content:        "hello",
		ClientID:       "tmp-1",
	})
	require.NoError(t, err)

	// the clientId is echoed to the sending connection only
	wantClientID := map[*Session]string{alice: "tmp-1", aliceOtherTab: "", bob: ""}
	for _, s := range []*Session{alice, aliceOtherTab, bob} {
		env := nextEvent(t, s)
		require.Equal(t, wire.EventNewMessage, env.Type)

		msg := payloadOf[wire.NewMessagePayload](t, env)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "c1", msg.ConversationID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, store.MessageTypeText, msg.Type)
		assert.False(t, msg.CreatedAt.IsZero())
		assert.Equal(t, wantClientID[s], msg.ClientID)
	}

	stored := f.store.Messages("c1")
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)

	conv, err := f.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessage)
	assert.False(t, conv.LastMessageAt.IsZero())
}

func TestSendMessage_ClearsTyping(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	f.join(t, alice, "c1")
	f.join(t, bob, "c1")
	drain(alice)
	drain(bob)

	require.NoError(t, f.relay.StartTyping(context.Background(), alice, "c1"))
	require.NoError(t, f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "done"}))

	assert.Equal(t, wire.EventUserTyping, nextEvent(t, bob).Type)
	assert.Equal(t, wire.EventNewMessage, nextEvent(t, bob).Type)

	stopped := nextEvent(t, bob)
	assert.Equal(t, wire.EventUserStoppedTyping, stopped.Type)
	assert.Equal(t, wire.TypingPayload{UserID: "alice", ConversationID: "c1"}, payloadOf[wire.TypingPayload](t, stopped))

	// the sender only sees its own message
	assert.Equal(t, wire.EventNewMessage, nextEvent(t, alice).Type)
	assertNoEvent(t, alice)

	typing, err := f.hub.TypingUsers("c1")
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	f.join(t, alice, "c1")

	tests := []struct {
		name    string
		payload wire.SendMessagePayload
		code    int
	}{
		{name: "empty", payload: wire.SendMessagePayload{ConversationID: "c1", Content: "  "}, code: errs.ErrMessageContentEmpty},
		{name: "too long", payload: wire.SendMessagePayload{ConversationID: "c1", Content: strings.Repeat("a", MaxContentBytes+1)}, code: errs.ErrMessageContentTooLong},
		{name: "no conversation", payload: wire.SendMessagePayload{Content: "hi"}, code: errs.ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.relay.SendMessage(context.Background(), alice, tt.payload)
			assertCode(t, err, tt.code)
		})
	}

	assert.Empty(t, f.store.Messages("c1"))
}

func TestSendMessage_PersistenceFailure(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	f.join(t, alice, "c1")
	f.join(t, bob, "c1")
	drain(alice)
	drain(bob)

	f.store.createErr = errors.New("disk full")

	err := f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "hi"})
	assertCode(t, err, errs.ErrPersistenceFailed)
	assert.True(t, errs.IsKind(err, errs.KindPersistence))

	assertNoEvent(t, alice)
	assertNoEvent(t, bob)
}

func TestSendMessage_SummaryFailureStillDelivers(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	f.join(t, alice, "c1")

	f.store.summaryErr = errors.New("timeout")

	require.NoError(t, f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "hi"}))
	assert.Equal(t, wire.EventNewMessage, nextEvent(t, alice).Type)
	assert.Len(t, f.store.Messages("c1"), 1)

	conv, err := f.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.LastMessage, "summary is left stale")
}

func TestMarkMessagesRead(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	f.join(t, alice, "c1")
	f.join(t, bob, "c1")

	require.NoError(t, f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "hi"}))
	drain(alice)
	drain(bob)

	id := f.store.Messages("c1")[0].ID
	require.NoError(t, f.relay.MarkMessagesRead(context.Background(), bob, wire.MarkMessagesReadPayload{
		ConversationID: "c1",
		MessageIDs:     []string{id},
	}))

	msg, ok := f.store.Message(id)
	require.True(t, ok)
	assert.Contains(t, msg.ReadBy, "bob")

	for _, s := range []*Session{alice, bob} {
		env := nextEvent(t, s)
		require.Equal(t, wire.EventMessagesRead, env.Type)
		assert.Equal(t, wire.MessagesReadPayload{UserID: "bob", ConversationID: "c1", MessageIDs: []string{id}},
			payloadOf[wire.MessagesReadPayload](t, env))
	}
}

func TestMarkMessagesRead_FailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.connect(t, "bob")
	f.join(t, bob, "c1")

	f.store.readErr = errors.New("write conflict")

	err := f.relay.MarkMessagesRead(context.Background(), bob, wire.MarkMessagesReadPayload{
		ConversationID: "c1",
		MessageIDs:     []string{"m1"},
	})
	assert.NoError(t, err)
	assertNoEvent(t, bob)
}

func TestMarkMessagesRead_RequiresMembership(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.connect(t, "bob")

	err := f.relay.MarkMessagesRead(context.Background(), bob, wire.MarkMessagesReadPayload{ConversationID: "c1", MessageIDs: []string{"m1"}})
	assertCode(t, err, errs.ErrNotJoined)
}

func TestMembershipPolicy(t *testing.T) {
	t.Run("cache keeps posting rights until reconnect", func(t *testing.T) {
		f := newFixture(t, Options{Policy: PolicyCache})
		alice := f.connect(t, "alice")
		f.join(t, alice, "c1")

		require.NoError(t, f.store.SetParticipants(context.Background(), "c1", []string{"bob"}))

		assert.NoError(t, f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "still here"}))
		assert.Len(t, f.store.Messages("c1"), 1)
	})

	t.Run("revalidate evicts a revoked user", func(t *testing.T) {
		f := newFixture(t, Options{Policy: PolicyRevalidate})
		alice := f.connect(t, "alice")
		f.join(t, alice, "c1")

		require.NoError(t, f.store.SetParticipants(context.Background(), "c1", []string{"bob"}))

		err := f.relay.SendMessage(context.Background(), alice, wire.SendMessagePayload{ConversationID: "c1", Content: "gone"})
		assertCode(t, err, errs.ErrNotParticipant)
		assert.Empty(t, f.store.Messages("c1"))
		assert.False(t, f.hub.IsMember(alice, "c1"))

		err = f.relay.StartTyping(context.Background(), alice, "c1")
		assertCode(t, err, errs.ErrNotJoined)
	})
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyCache, p)

	p, err = ParsePolicy(" Revalidate ")
	require.NoError(t, err)
	assert.Equal(t, PolicyRevalidate, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}
