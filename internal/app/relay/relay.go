package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
	"noterelay/pkg/wire"
)

// MaxContentBytes is the maximum size of a message's content.
const MaxContentBytes = 5000

// DefaultStoreTimeout bounds each durable store call made on behalf of a session.
const DefaultStoreTimeout = 5 * time.Second

// MembershipPolicy decides how room membership is checked after a successful join.
type MembershipPolicy string

const (
	// PolicyCache trusts the membership cached at join time until the session ends.
	// A user removed from a conversation keeps posting rights until reconnect.
	PolicyCache MembershipPolicy = "cache"

	// PolicyRevalidate reloads the conversation before every typing, send and read
	// operation and evicts a session whose user is no longer a participant.
	PolicyRevalidate MembershipPolicy = "revalidate"
)

// ParsePolicy converts a configuration value into a MembershipPolicy.
func ParsePolicy(v string) (MembershipPolicy, error) {
	switch p := MembershipPolicy(strings.ToLower(strings.TrimSpace(v))); p {
	case "", PolicyCache:
		return PolicyCache, nil
	case PolicyRevalidate:
		return PolicyRevalidate, nil
	default:
		return "", fmt.Errorf("unknown membership policy %q", v)
	}
}

// Store is the part of the durable store the relay writes through.
type Store interface {
	store.ConversationStore
	store.MessageStore
}

// Options configures a Relay.
type Options struct {
	Policy       MembershipPolicy
	StoreTimeout time.Duration
}

// Relay applies client requests: it checks membership, writes the durable store and
// hands fan-out to the Hub. Store I/O runs on the caller's goroutine, never on the hub.
type Relay struct {
	hub    *Hub
	store  Store
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Relay over hub and st.
func New(hub *Hub, st Store, opts Options) *Relay {
	if opts.Policy == "" {
		opts.Policy = PolicyCache
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}

	return &Relay{
		hub:    hub,
		store:  st,
		opts:   opts,
		now:    time.Now,
		logger: logx.Component("Relay"),
	}
}

// Hub returns the relay's hub.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// Connect registers an authenticated session.
func (r *Relay) Connect(s *Session) error {
	return r.hub.Register(s)
}

// Disconnect runs the disconnect path for s.
func (r *Relay) Disconnect(s *Session) {
	r.hub.Unregister(s)
}

// JoinConversation authorizes s against the conversation's participants and joins it.
func (r *Relay) JoinConversation(ctx context.Context, s *Session, conversationID string) error {
	if !randx.IsValidID(conversationID) {
		return errs.NewError(errs.ErrInvalidParams)
	}

	conv, err := r.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if !conv.HasParticipant(s.User.ID) {
		s.logger.Warn().Str("conversation_id", conversationID).Msg("Join refused, user is not a participant")
		return errs.NewError(errs.ErrNotParticipant)
	}

	return r.hub.Join(s, conversationID)
}

// LeaveConversation stops typing and removes the conversation from the session.
func (r *Relay) LeaveConversation(_ context.Context, s *Session, conversationID string) error {
	if !randx.IsValidID(conversationID) {
		return errs.NewError(errs.ErrInvalidParams)
	}
	return r.hub.Leave(s, conversationID)
}

// StartTyping runs the not-typing to typing transition.
func (r *Relay) StartTyping(ctx context.Context, s *Session, conversationID string) error {
	if err := r.revalidate(ctx, s, conversationID); err != nil {
		return err
	}
	return r.hub.StartTyping(s, conversationID)
}

// StopTyping runs the typing to not-typing transition.
func (r *Relay) StopTyping(ctx context.Context, s *Session, conversationID string) error {
	if err := r.revalidate(ctx, s, conversationID); err != nil {
		return err
	}
	return r.hub.StopTyping(s, conversationID)
}

// SendMessage validates, persists and fans out a message, then clears the sender's typing
// state in the room. The conversation summary is written separately after the message;
// if that write fails the message still goes out and the summary stays stale.
func (r *Relay) SendMessage(ctx context.Context, s *Session, in wire.SendMessagePayload) error {
	if !randx.IsValidID(in.ConversationID) {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if strings.TrimSpace(in.Content) == "" {
		return errs.NewError(errs.ErrMessageContentEmpty)
	}
	if len(in.Content) > MaxContentBytes {
		return errs.NewError(errs.ErrMessageContentTooLong)
	}

	if !r.hub.IsMember(s, in.ConversationID) {
		return errs.NewError(errs.ErrNotJoined)
	}
	if err := r.revalidate(ctx, s, in.ConversationID); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	msg, err := r.store.CreateMessage(storeCtx, store.NewMessage{
		SenderID:       s.User.ID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		Type:           store.MessageTypeText,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", in.ConversationID).Msg("Failed to persist message")
		return r.persistenceError(err)
	}

	// display timestamp for the broadcast; the stored createdAt may differ slightly
	sentAt := r.now()

	summaryCtx, cancelSummary := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancelSummary()

	if err := r.store.UpdateConversationSummary(summaryCtx, in.ConversationID, in.Content, sentAt); err != nil {
		s.logger.Warn().Err(err).
			Str("conversation_id", in.ConversationID).
			Str("message_id", msg.ID).
			Msg("Failed to update conversation summary")
	}

	return r.hub.Deliver(s, in.ConversationID, wire.NewMessagePayload{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		CreatedAt:      sentAt,
		Type:           msg.Type,
		ReadBy:         msg.ReadBy,
		ClientID:       in.ClientID,
	})
}

// MarkMessagesRead records read receipts. Persistence failures are logged and not
// reported to the session; on success the room receives messages-read.
func (r *Relay) MarkMessagesRead(ctx context.Context, s *Session, in wire.MarkMessagesReadPayload) error {
	if !randx.IsValidID(in.ConversationID) {
		return errs.NewError(errs.ErrInvalidParams)
	}

	if !r.hub.IsMember(s, in.ConversationID) {
		return errs.NewError(errs.ErrNotJoined)
	}
	if err := r.revalidate(ctx, s, in.ConversationID); err != nil {
		return err
	}

	if len(in.MessageIDs) == 0 {
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	if err := r.store.MarkMessagesRead(storeCtx, in.ConversationID, in.MessageIDs, s.User.ID, r.now()); err != nil {
		s.logger.Error().Err(err).
			Str("conversation_id", in.ConversationID).
			Int("message_count", len(in.MessageIDs)).
			Msg("Failed to mark messages read")
		return nil
	}

	return r.hub.Publish(in.ConversationID, wire.EventMessagesRead, wire.MessagesReadPayload{
		UserID:         s.User.ID,
		ConversationID: in.ConversationID,
		MessageIDs:     in.MessageIDs,
	})
}

// revalidate re-checks participation under PolicyRevalidate. A revoked user is removed
// from the room before the error is returned. Under PolicyCache it only checks the
// session's joined rooms.
func (r *Relay) revalidate(ctx context.Context, s *Session, conversationID string) error {
	if r.opts.Policy != PolicyRevalidate {
		return nil
	}

	if !r.hub.IsMember(s, conversationID) {
		return errs.NewError(errs.ErrNotJoined)
	}

	conv, err := r.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if conv.HasParticipant(s.User.ID) {
		return nil
	}

	s.logger.Warn().Str("conversation_id", conversationID).Msg("Participation revoked, removing session from room")
	if err := r.hub.Leave(s, conversationID); err != nil {
		return err
	}
	return errs.NewError(errs.ErrNotParticipant)
}

func (r *Relay) loadConversation(ctx context.Context, id string) (store.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	conv, err := r.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, errs.NewError(errs.ErrConversationNotFound)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("conversation_id", id).Msg("Failed to load conversation")
		return store.Conversation{}, r.persistenceError(err)
	}
	return conv, nil
}

func (r *Relay) persistenceError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NewError(errs.ErrConversationNotFound)
	}
	return errs.NewError(errs.ErrPersistenceFailed)
}
