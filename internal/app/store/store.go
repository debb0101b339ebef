/*
Package store defines the durable record types of the relay and the contracts the
durable store must satisfy.

Conversations, messages, document presence records and the document change log live in
an external system of record. Every write is an independent, non-transactional
per-record operation; callers must tolerate partially applied sequences.
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// MessageTypeText is the default message type.
const MessageTypeText = "text"

// Conversation is a durable chat thread.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitzero"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
}

// HasParticipant reports whether userID is listed in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is an immutable chat message. Only ReadBy is merged after creation.
type Message struct {
	ID             string               `json:"id"`
	SenderID       string               `json:"senderId"`
	ConversationID string               `json:"conversationId"`
	Content        string               `json:"content"`
	CreatedAt      time.Time            `json:"createdAt"`
	Type           string               `json:"type"`
	ReadBy         map[string]time.Time `json:"readBy"`
}

// NewMessage is the input of MessageStore.CreateMessage. The store assigns id and timestamp.
type NewMessage struct {
	SenderID       string
	ConversationID string
	Content        string
	Type           string
}

// Cursor is a collaborator's caret position in a document.
type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Line   int     `json:"line"`
	Column int     `json:"column"`
}

// PresenceRecord is one user's liveness and cursor entry for one document.
type PresenceRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	PhotoURL    string    `json:"photoURL"`
	LastSeen    time.Time `json:"lastSeen"`
	Cursor      Cursor    `json:"cursor"`
	IsActive    bool      `json:"isActive"`
}

// PresencePatch is a merge-write: only non-nil fields are changed.
type PresencePatch struct {
	LastSeen *time.Time
	Cursor   *Cursor
	IsActive *bool
}

// EditDelta is one entry of a document's append-only change log. IDs are time-derived
// and give an advisory order only.
type EditDelta struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Delta      json.RawMessage `json:"delta"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ConversationStore reads conversations and writes their advisory summary.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversationSummary(ctx context.Context, id, lastMessage string, at time.Time) error
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, userID string, at time.Time) error
}

// PresenceStore holds per-document presence records and publishes changes.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, documentID string, rec PresenceRecord) error
	UpdatePresence(ctx context.Context, documentID, userID string, patch PresencePatch) error
	DeletePresence(ctx context.Context, documentID, userID string) error
	ListPresence(ctx context.Context, documentID string) ([]PresenceRecord, error)

	// WatchPresence emits the document's full presence list, first immediately and then
	// after every change, until ctx is done. Slow readers only see the latest list.
	WatchPresence(ctx context.Context, documentID string) (<-chan []PresenceRecord, error)

	// DeleteStalePresence removes records whose LastSeen is before cutoff.
	DeleteStalePresence(ctx context.Context, cutoff time.Time) (int64, error)
}

// EditLog is the append-only document change log.
type EditLog interface {
	AppendEdit(ctx context.Context, edit EditDelta) error
	ListEdits(ctx context.Context, documentID, afterID string, limit int) ([]EditDelta, error)
}

// Store is the full durable store used by the relay process.
type Store interface {
	ConversationStore
	MessageStore
	PresenceStore
	EditLog

	Close(ctx context.Context) error
}

// Offer replaces any unread value in ch with snapshot. ch must have capacity 1 and a
// single writer.
func Offer(ch chan []PresenceRecord, snapshot []PresenceRecord) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}
