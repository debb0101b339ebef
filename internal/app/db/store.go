package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	// presence watchers keyed by document id, fed by the LISTEN loop.
	mu       sync.Mutex
	watchers map[string]map[*presenceWatcher]struct{}

	listenOnce   sync.Once
	stopListener context.CancelFunc
	listenerDone chan struct{}
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an initialized pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		logger:   logx.Component("postgres"),
		watchers: make(map[string]map[*presenceWatcher]struct{}),
	}
}

// Close stops the presence listener and closes the pool.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.stopListener, s.listenerDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.pool.Close()
	return nil
}

// GetConversation implements store.ConversationStore.
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	const q = `
		SELECT id, participants, last_message, last_message_at, updated_at
		FROM conversations WHERE id = $1`

	var (
		c             store.Conversation
		lastMessageAt *time.Time
	)

	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Participants, &c.LastMessage, &lastMessageAt, &c.UpdatedAt)
	if err != nil {
		return store.Conversation{}, mapError("get conversation", err)
	}

	if lastMessageAt != nil {
		c.LastMessageAt = *lastMessageAt
	}

	return c, nil
}

// UpdateConversationSummary implements store.ConversationStore.
func (s *Store) UpdateConversationSummary(ctx context.Context, id, lastMessage string, at time.Time) error {
	const q = `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, lastMessage, at)
	if err != nil {
		return mapError("update conversation summary", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update conversation summary: %w", store.ErrNotFound)
	}

	return nil
}

// CreateMessage implements store.MessageStore.
func (s *Store) CreateMessage(ctx context.Context, in store.NewMessage) (store.Message, error) {
	const q = `
		INSERT INTO messages (conversation_id, sender_id, content, type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	msgType := in.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}

	msg := store.Message{
		SenderID:       in.SenderID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		Type:           msgType,
		ReadBy:         map[string]time.Time{},
	}

	err := s.pool.QueryRow(ctx, q, in.ConversationID, in.SenderID, in.Content, msgType).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return store.Message{}, mapError("create message", err)
	}

	return msg, nil
}

// MarkMessagesRead implements store.MessageStore with a JSONB merge per message.
func (s *Store) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, userID string, at time.Time) error {
	const q = `
		UPDATE messages
		SET read_by = read_by || jsonb_build_object($3::text, $4::timestamptz)
		WHERE conversation_id = $1 AND id = ANY($2::text[])`

	if len(messageIDs) == 0 {
		return nil
	}

	if _, err := s.pool.Exec(ctx, q, conversationID, messageIDs, userID, at); err != nil {
		return mapError("mark messages read", err)
	}

	return nil
}

// AppendEdit implements store.EditLog.
func (s *Store) AppendEdit(ctx context.Context, edit store.EditDelta) error {
	const q = `
		INSERT INTO document_edits (id, document_id, user_id, delta, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if edit.ID == "" {
		edit.ID = randx.EditID()
	}
	if edit.CreatedAt.IsZero() {
		edit.CreatedAt = time.Now()
	}

	if _, err := s.pool.Exec(ctx, q, edit.ID, edit.DocumentID, edit.UserID, []byte(edit.Delta), edit.CreatedAt); err != nil {
		return mapError("append edit", err)
	}

	return nil
}

// ListEdits implements store.EditLog.
func (s *Store) ListEdits(ctx context.Context, documentID, afterID string, limit int) ([]store.EditDelta, error) {
	const q = `
		SELECT id, document_id, user_id, delta, created_at
		FROM document_edits
		WHERE document_id = $1 AND id > $2
		ORDER BY id
		LIMIT NULLIF($3, 0)`

	rows, err := s.pool.Query(ctx, q, documentID, afterID, limit)
	if err != nil {
		return nil, mapError("list edits", err)
	}

	edits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.EditDelta, error) {
		var (
			e     store.EditDelta
			delta []byte
		)
		err := row.Scan(&e.ID, &e.DocumentID, &e.UserID, &delta, &e.CreatedAt)
		e.Delta = json.RawMessage(delta)
		return e, err
	})
	if err != nil {
		return nil, mapError("list edits", err)
	}

	return edits, nil
}
