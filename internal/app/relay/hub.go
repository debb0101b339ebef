/*
Package relay is the real-time chat relay: the session registry, room membership, typing
state and message fan-out.

This file defines the Hub, the single goroutine that owns every session, room roster and
typing set. Other goroutines reach that state only through the Hub's channels and receive
copies.
*/
package relay

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"noterelay/internal/app/presencemirror"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/pkg/wire"
)

// ErrHubStopped is returned by Hub operations after Run has returned.
var ErrHubStopped = errors.New("relay hub stopped")

type typingKey struct {
	room   string
	userID string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// Hub owns all in-memory relay state and serializes every mutation of it.
type Hub struct {
	// all live sessions, keyed by connection id.
	sessions map[string]*Session

	// room broadcast groups: room id -> connection id -> session.
	rooms map[string]map[string]*Session

	// users currently typing per room. Rooms with nobody typing have no entry.
	typing map[string]map[string]struct{}

	// typing expiry timers, only used when typingTimeout is positive.
	typingTimeout time.Duration
	timers        map[typingKey]typingTimer
	timerGen      uint64

	mirror presencemirror.Mirror

	register   chan *Session
	unregister chan *Session
	requests   chan func()
	done       chan struct{}

	logger zerolog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithTypingTimeout makes typing entries expire when not refreshed within d. Zero disables expiry.
func WithTypingTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.typingTimeout = d }
}

// WithMirror copies online/offline transitions to m.
func WithMirror(m presencemirror.Mirror) HubOption {
	return func(h *Hub) { h.mirror = m }
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:   make(map[string]*Session),
		rooms:      make(map[string]map[string]*Session),
		typing:     make(map[string]map[string]struct{}),
		timers:     make(map[typingKey]typingTimer),
		mirror:     presencemirror.Nop{},
		register:   make(chan *Session),
		unregister: make(chan *Session),
		requests:   make(chan func()),
		done:       make(chan struct{}),
		logger:     logx.Component("Hub"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Run processes registrations and requests until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	h.logger.Info().Dur("typing_timeout", h.typingTimeout).Msg("Hub loop started.")

	for {
		select {
		case s := <-h.register:
			h.addSession(s)

		case s := <-h.unregister:
			h.removeSession(s)

		case fn := <-h.requests:
			fn()

		case <-ctx.Done():
			h.shutdown()
			h.logger.Info().Msg("Hub loop stopped.")
			return
		}
	}
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Register adds s to the registry and announces the user to every other session.
func (h *Hub) Register(s *Session) error {
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister runs the disconnect path for s. Unknown sessions are ignored.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) do(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.requests <- wrapped:
	case <-h.done:
		return ErrHubStopped
	}

	<-finished
	return nil
}

// post queues fn without waiting. Used from timers, which must not block on a stopped hub.
func (h *Hub) post(fn func()) {
	select {
	case h.requests <- fn:
	case <-h.done:
	}
}

func (h *Hub) addSession(s *Session) {
	h.sessions[s.ID] = s
	h.mirror.Online(s.User.ID, s.User.Email)

	h.logger.Info().
		Str("connection_id", s.ID).
		Str("user_id", s.User.ID).
		Int("total_connections", len(h.sessions)).
		Msg("Session registered.")

	h.broadcastAll(wire.EventUserOnline, wire.UserOnlinePayload{UserID: s.User.ID, UserEmail: s.User.Email}, s)
}

// removeSession stops typing in every joined room, drops the session and announces the
// user as offline, in that order.
func (h *Hub) removeSession(s *Session) {
	if current, ok := h.sessions[s.ID]; !ok || current != s {
		h.logger.Debug().Str("connection_id", s.ID).Msg("Unregister for unknown session ignored.")
		return
	}

	for _, room := range slices.Sorted(maps.Keys(s.rooms)) {
		h.stopTyping(room, s.User.ID, s)
		h.leaveRoom(s, room)
	}

	delete(h.sessions, s.ID)
	s.close()
	h.mirror.Offline(s.User.ID)

	h.logger.Info().
		Str("connection_id", s.ID).
		Str("user_id", s.User.ID).
		Int("total_connections", len(h.sessions)).
		Msg("Session removed.")

	h.broadcastAll(wire.EventUserOffline, wire.UserOfflinePayload{UserID: s.User.ID}, nil)
}

func (h *Hub) shutdown() {
	for key, t := range h.timers {
		t.timer.Stop()
		delete(h.timers, key)
	}

	for id, s := range h.sessions {
		s.close()
		delete(h.sessions, id)
	}
	h.rooms = make(map[string]map[string]*Session)
	h.typing = make(map[string]map[string]struct{})
}

// Join adds room to the session's joined rooms and announces the user to the room's other
// members. Joining again is idempotent for state and announces again.
func (h *Hub) Join(s *Session, room string) error {
	var err error
	doErr := h.do(func() {
		if _, ok := h.sessions[s.ID]; !ok {
			err = errs.NewError(errs.ErrConnectionClosed)
			return
		}

		s.rooms[room] = struct{}{}
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[string]*Session)
		}
		h.rooms[room][s.ID] = s

		h.logger.Debug().
			Str("connection_id", s.ID).
			Str("room_id", room).
			Int("room_connections", len(h.rooms[room])).
			Msg("Session joined room.")

		h.broadcastRoom(room, wire.EventUserJoinedConversation,
			wire.UserJoinedPayload{UserID: s.User.ID, ConversationID: room}, s)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Leave runs the typing-stop transition for the user and removes room from the session.
// Leaving a room that was not joined does nothing.
func (h *Hub) Leave(s *Session, room string) error {
	return h.do(func() {
		if _, ok := s.rooms[room]; !ok {
			return
		}
		h.stopTyping(room, s.User.ID, s)
		h.leaveRoom(s, room)
	})
}

func (h *Hub) leaveRoom(s *Session, room string) {
	delete(s.rooms, room)

	members := h.rooms[room]
	delete(members, s.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// IsMember reports whether s has joined room. It only consults the session's cached rooms.
func (h *Hub) IsMember(s *Session, room string) bool {
	var member bool
	_ = h.do(func() {
		_, member = s.rooms[room]
	})
	return member
}

// Touch refreshes the session's last-seen time.
func (h *Hub) Touch(s *Session, at time.Time) {
	_ = h.do(func() {
		s.lastSeen = at
	})
}

// StartTyping marks the user as typing in room and tells the room's other connections.
// Repeated starts broadcast again without duplicating the entry.
func (h *Hub) StartTyping(s *Session, room string) error {
	return h.guarded(s, room, func() {
		if h.typing[room] == nil {
			h.typing[room] = make(map[string]struct{})
		}
		h.typing[room][s.User.ID] = struct{}{}
		h.armTypingTimer(room, s.User.ID)

		h.broadcastRoom(room, wire.EventUserTyping,
			wire.TypingPayload{UserID: s.User.ID, ConversationID: room}, s)
	})
}

// StopTyping runs the typing-stop transition. It broadcasts even if the user was not typing.
func (h *Hub) StopTyping(s *Session, room string) error {
	return h.guarded(s, room, func() {
		h.stopTyping(room, s.User.ID, s)
	})
}

// Deliver broadcasts a new-message to every connection in room, the sender included, and
// then clears the sender's typing state in that room. Only the sending connection sees
// the clientId.
func (h *Hub) Deliver(s *Session, room string, payload wire.NewMessagePayload) error {
	return h.do(func() {
		echo := payload
		payload.ClientID = ""
		h.broadcastRoom(room, wire.EventNewMessage, payload, s)
		h.broadcastRoomWhere(room, wire.EventNewMessage, echo, func(m *Session) bool { return m != s })
		h.stopTyping(room, s.User.ID, s)
	})
}

// Publish broadcasts one event to every connection in room.
func (h *Hub) Publish(room string, event wire.Event, payload any) error {
	return h.do(func() {
		h.broadcastRoom(room, event, payload, nil)
	})
}

// guarded runs fn on the hub if s has joined room, and returns ErrNotJoined otherwise.
func (h *Hub) guarded(s *Session, room string, fn func()) error {
	var err error
	doErr := h.do(func() {
		if _, ok := s.rooms[room]; !ok {
			err = errs.NewError(errs.ErrNotJoined)
			return
		}
		fn()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// stopTyping removes userID from room's typing set, prunes an empty set and broadcasts
// user-stopped-typing to the room excluding the given session.
func (h *Hub) stopTyping(room, userID string, exclude *Session) {
	h.clearTyping(room, userID)

	h.broadcastRoom(room, wire.EventUserStoppedTyping,
		wire.TypingPayload{UserID: userID, ConversationID: room}, exclude)
}

func (h *Hub) clearTyping(room, userID string) {
	if users, ok := h.typing[room]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.typing, room)
		}
	}
	h.disarmTypingTimer(room, userID)
}

func (h *Hub) armTypingTimer(room, userID string) {
	if h.typingTimeout <= 0 {
		return
	}

	key := typingKey{room: room, userID: userID}
	if t, ok := h.timers[key]; ok {
		t.timer.Stop()
	}

	h.timerGen++
	gen := h.timerGen
	h.timers[key] = typingTimer{
		gen: gen,
		timer: time.AfterFunc(h.typingTimeout, func() {
			h.post(func() { h.expireTyping(key, gen) })
		}),
	}
}

func (h *Hub) disarmTypingTimer(room, userID string) {
	key := typingKey{room: room, userID: userID}
	if t, ok := h.timers[key]; ok {
		t.timer.Stop()
		delete(h.timers, key)
	}
}

// expireTyping ends a typing entry that was not refreshed in time. A timer superseded by a
// later typing-start carries an old generation and is ignored.
func (h *Hub) expireTyping(key typingKey, gen uint64) {
	t, ok := h.timers[key]
	if !ok || t.gen != gen {
		return
	}

	h.logger.Debug().Str("room_id", key.room).Str("user_id", key.userID).Msg("Typing indicator expired.")
	h.clearTyping(key.room, key.userID)

	// no single connection sent this; skip all of the typing user's connections
	h.broadcastRoomWhere(key.room, wire.EventUserStoppedTyping,
		wire.TypingPayload{UserID: key.userID, ConversationID: key.room},
		func(s *Session) bool { return s.User.ID == key.userID })
}

// broadcastRoom queues an event for every connection in room except exclude.
func (h *Hub) broadcastRoom(room string, event wire.Event, payload any, exclude *Session) {
	h.broadcastRoomWhere(room, event, payload, func(s *Session) bool { return s == exclude })
}

// broadcastRoomWhere queues an event for every connection in room for which skip is false.
func (h *Hub) broadcastRoomWhere(room string, event wire.Event, payload any, skip func(*Session) bool) {
	members := h.rooms[room]
	if len(members) == 0 {
		return
	}

	frame, err := wire.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to encode room broadcast.")
		return
	}

	for _, s := range members {
		if !skip(s) {
			h.deliverFrame(s, frame, event)
		}
	}
}

// broadcastAll queues an event for every registered connection except exclude.
func (h *Hub) broadcastAll(event wire.Event, payload any, exclude *Session) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to encode broadcast.")
		return
	}

	for _, s := range h.sessions {
		if s != exclude {
			h.deliverFrame(s, frame, event)
		}
	}
}

// deliverFrame queues frame for s. A session whose queue is full is a slow consumer: its
// queue is closed, which ends the connection and runs the disconnect path.
func (h *Hub) deliverFrame(s *Session, frame []byte, event wire.Event) {
	if s.enqueue(frame) {
		return
	}
	if s.isClosed() {
		return
	}

	h.logger.Warn().
		Str("connection_id", s.ID).
		Str("event", string(event)).
		Msg("Session send queue full, closing slow connection.")
	s.close()
}
