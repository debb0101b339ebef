package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"noterelay/internal/app/store"
)

// presenceChannel is the NOTIFY channel raised by the document_presence trigger.
const presenceChannel = "document_presence"

const listenRetryDelay = time.Second

type presenceWatcher struct {
	ch   chan []store.PresenceRecord
	kick chan struct{}
}

// UpsertPresence implements store.PresenceStore.
func (s *Store) UpsertPresence(ctx context.Context, documentID string, rec store.PresenceRecord) error {
	const q = `
		INSERT INTO document_presence (
			document_id, user_id, display_name, email, photo_url, last_seen,
			cursor_x, cursor_y, cursor_line, cursor_column, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (document_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			photo_url = EXCLUDED.photo_url,
			last_seen = EXCLUDED.last_seen,
			cursor_x = EXCLUDED.cursor_x,
			cursor_y = EXCLUDED.cursor_y,
			cursor_line = EXCLUDED.cursor_line,
			cursor_column = EXCLUDED.cursor_column,
			is_active = EXCLUDED.is_active`

	_, err := s.pool.Exec(ctx, q,
		documentID, rec.UserID, rec.DisplayName, rec.Email, rec.PhotoURL, rec.LastSeen,
		rec.Cursor.X, rec.Cursor.Y, rec.Cursor.Line, rec.Cursor.Column, rec.IsActive,
	)
	return mapError("upsert presence", err)
}

// UpdatePresence implements store.PresenceStore. Nil patch fields keep their column value.
func (s *Store) UpdatePresence(ctx context.Context, documentID, userID string, patch store.PresencePatch) error {
	const q = `
		UPDATE document_presence SET
			last_seen = COALESCE($3, last_seen),
			cursor_x = COALESCE($4, cursor_x),
			cursor_y = COALESCE($5, cursor_y),
			cursor_line = COALESCE($6, cursor_line),
			cursor_column = COALESCE($7, cursor_column),
			is_active = COALESCE($8, is_active)
		WHERE document_id = $1 AND user_id = $2`

	var (
		x, y         *float64
		line, column *int
	)
	if c := patch.Cursor; c != nil {
		x, y, line, column = &c.X, &c.Y, &c.Line, &c.Column
	}

	tag, err := s.pool.Exec(ctx, q, documentID, userID, patch.LastSeen, x, y, line, column, patch.IsActive)
	if err != nil {
		return mapError("update presence", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update presence: %w", store.ErrNotFound)
	}

	return nil
}

// DeletePresence implements store.PresenceStore.
func (s *Store) DeletePresence(ctx context.Context, documentID, userID string) error {
	const q = `DELETE FROM document_presence WHERE document_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, q, documentID, userID)
	return mapError("delete presence", err)
}

// ListPresence implements store.PresenceStore.
func (s *Store) ListPresence(ctx context.Context, documentID string) ([]store.PresenceRecord, error) {
	const q = `
		SELECT user_id, display_name, email, photo_url, last_seen,
			cursor_x, cursor_y, cursor_line, cursor_column, is_active
		FROM document_presence
		WHERE document_id = $1
		ORDER BY user_id`

	rows, err := s.pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, mapError("list presence", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PresenceRecord, error) {
		var r store.PresenceRecord
		err := row.Scan(&r.UserID, &r.DisplayName, &r.Email, &r.PhotoURL, &r.LastSeen,
			&r.Cursor.X, &r.Cursor.Y, &r.Cursor.Line, &r.Cursor.Column, &r.IsActive)
		return r, err
	})
	if err != nil {
		return nil, mapError("list presence", err)
	}

	return records, nil
}

// DeleteStalePresence implements store.PresenceStore.
func (s *Store) DeleteStalePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM document_presence WHERE last_seen < $1`

	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, mapError("delete stale presence", err)
	}

	return tag.RowsAffected(), nil
}

// WatchPresence implements store.PresenceStore. All watchers share one LISTEN connection;
// each notification re-reads the affected document.
func (s *Store) WatchPresence(ctx context.Context, documentID string) (<-chan []store.PresenceRecord, error) {
	s.listenOnce.Do(s.startListener)

	w := &presenceWatcher{
		ch:   make(chan []store.PresenceRecord, 1),
		kick: make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.watchers[documentID] == nil {
		s.watchers[documentID] = make(map[*presenceWatcher]struct{})
	}
	s.watchers[documentID][w] = struct{}{}
	s.mu.Unlock()

	w.kick <- struct{}{}

	go s.runWatcher(ctx, documentID, w)

	return w.ch, nil
}

func (s *Store) runWatcher(ctx context.Context, documentID string, w *presenceWatcher) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers[documentID], w)
		if len(s.watchers[documentID]) == 0 {
			delete(s.watchers, documentID)
		}
		s.mu.Unlock()

		close(w.ch)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			records, err := s.ListPresence(ctx, documentID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to reload presence after notification")
				}
				continue
			}
			store.Offer(w.ch, records)
		}
	}
}

func (s *Store) startListener() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.stopListener = cancel
	s.listenerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		for {
			err := s.listen(ctx)
			if ctx.Err() != nil {
				return
			}

			s.logger.Warn().Err(err).Dur("retry_in", listenRetryDelay).Msg("Presence listener disconnected")

			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
		}
	}()
}

// listen holds a dedicated connection in LISTEN mode until it fails or ctx ends.
func (s *Store) listen(ctx context.Context) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}

	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{presenceChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", presenceChannel, err)
	}

	s.logger.Info().Str("channel", presenceChannel).Msg("Presence listener started")

	// changes may have been missed while disconnected
	s.kickAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.kickDocument(n.Payload)
	}
}

func (s *Store) kickDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for w := range s.watchers[documentID] {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Store) kickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ws := range s.watchers {
		for w := range ws {
			select {
			case w.kick <- struct{}{}:
			default:
			}
		}
	}
}
