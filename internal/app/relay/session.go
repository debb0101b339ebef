package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"noterelay/internal/app/user"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
	"noterelay/pkg/wire"
)

// sendQueueSize is the number of outbound frames buffered per connection.
const sendQueueSize = 256

// Session is the relay's record of one authenticated connection. A user may hold several
// sessions at once.
//
// ID, User and ConnectedAt are immutable. Joined rooms and last-seen are owned by the Hub.
type Session struct {
	ID          string
	User        user.User
	ConnectedAt time.Time

	// hub-owned
	rooms    map[string]struct{}
	lastSeen time.Time

	// mu guards closed and sends on send, which the hub and the connection's reader share.
	mu     sync.Mutex
	closed bool
	send   chan []byte

	logger zerolog.Logger
}

// NewSession creates a session for an authenticated user with a fresh connection id.
func NewSession(u user.User) *Session {
	id := randx.ConnectionID()
	now := time.Now()

	return &Session{
		ID:          id,
		User:        u,
		ConnectedAt: now,
		rooms:       make(map[string]struct{}),
		lastSeen:    now,
		send:        make(chan []byte, sendQueueSize),
		logger: logx.Logger().With().
			Str("connection_id", id).
			Str("user_id", u.ID).
			Logger(),
	}
}

// Outbound returns the session's frame queue. It is closed when the session ends.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// enqueue queues frame without blocking. It reports false if the queue is full or closed.
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close ends the outbound queue. The write loop sends a close frame once it drains.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendEvent encodes and queues one frame for this session only.
func (s *Session) SendEvent(event wire.Event, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to encode frame")
		return
	}

	if !s.enqueue(frame) {
		s.logger.Warn().Str("event", string(event)).Msg("Session send queue full or closed, dropping frame")
	}
}

// SendError reports err to this session as an error frame. Errors that are not
// CustomErrors are reported as unknown errors.
func (s *Session) SendError(err error) {
	s.SendRequestError(err, "", "", "")
}

// SendRequestError is SendError for a decoded request; the frame echoes the request's
// event, conversationId and clientId so the caller can match it.
func (s *Session) SendRequestError(err error, event wire.Event, conversationID, clientID string) {
	customErr := errs.As(err)
	s.SendEvent(wire.EventError, wire.ErrorPayload{
		Message:        customErr.Message,
		Code:           customErr.Code,
		Kind:           string(customErr.Kind),
		Event:          event,
		ConversationID: conversationID,
		ClientID:       clientID,
	})
}
