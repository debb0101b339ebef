/*
Package docpresence tracks who has a document open and where their cursor is.

It works only through the durable store: each participant keeps its own presence record
fresh with a heartbeat and learns about the others from the store's change feed. Nothing
here goes through the chat relay.
*/
package docpresence

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"noterelay/internal/app/store"
	"noterelay/internal/app/user"
	"noterelay/internal/pkg/emitter"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
)

// DefaultHeartbeatInterval is how often a session refreshes its LastSeen.
const DefaultHeartbeatInterval = 30 * time.Second

const eventCollaborators = "collaborators"

// Store is the part of the durable store document presence uses.
type Store interface {
	store.PresenceStore
	store.EditLog
}

// Options configures a Session.
type Options struct {
	HeartbeatInterval time.Duration

	// StoreTimeout bounds each background store write. Zero means 5s.
	StoreTimeout time.Duration
}

// Session is one user's presence in one document, from Join until Leave.
type Session struct {
	store      Store
	documentID string
	profile    user.User
	opts       Options

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	left          bool
	cursor        store.Cursor
	collaborators []store.PresenceRecord

	events emitter.Emitter[[]store.PresenceRecord]

	logger zerolog.Logger
}

// Join upserts the user's presence record for documentID, marked active with a zero
// cursor, and starts the heartbeat and the collaborator feed.
func Join(ctx context.Context, st Store, documentID string, profile user.User, opts Options) (*Session, error) {
	if !randx.IsValidID(documentID) || !randx.IsValidID(profile.ID) {
		return nil, errs.NewError(errs.ErrInvalidParams)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}

	s := &Session{
		store:      st,
		documentID: documentID,
		profile:    profile,
		opts:       opts,
		logger: logx.Logger().With().
			Str("component", "docpresence").
			Str("document_id", documentID).
			Str("user_id", profile.ID).
			Logger(),
	}

	if err := st.UpsertPresence(ctx, documentID, s.record(time.Now())); err != nil {
		s.logger.Error().Err(err).Msg("Failed to join document")
		return nil, errs.NewError(errs.ErrPersistenceFailed)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	feed, err := st.WatchPresence(runCtx, documentID)
	if err != nil {
		cancel()
		s.logger.Error().Err(err).Msg("Failed to watch document presence")
		return nil, errs.NewError(errs.ErrPersistenceFailed)
	}

	s.wg.Add(2)
	go s.heartbeat(runCtx)
	go s.consume(feed)

	s.logger.Info().Dur("heartbeat", opts.HeartbeatInterval).Msg("Joined document.")
	return s, nil
}

// DocumentID returns the document this session is in.
func (s *Session) DocumentID() string {
	return s.documentID
}

func (s *Session) record(now time.Time) store.PresenceRecord {
	s.mu.RLock()
	cursor := s.cursor
	s.mu.RUnlock()

	return store.PresenceRecord{
		UserID:      s.profile.ID,
		DisplayName: s.profile.DisplayName,
		Email:       s.profile.Email,
		PhotoURL:    s.profile.PhotoURL,
		LastSeen:    now,
		Cursor:      cursor,
		IsActive:    true,
	}
}

// heartbeat merge-writes LastSeen every interval. A record that disappeared, for example
// after being reaped, is written again in full.
func (s *Session) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Session) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	now := time.Now()
	err := s.store.UpdatePresence(ctx, s.documentID, s.profile.ID, store.PresencePatch{LastSeen: &now})
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.UpsertPresence(ctx, s.documentID, s.record(now))
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Presence heartbeat failed")
	}
}

// consume keeps the collaborator list current from the store's change feed.
func (s *Session) consume(feed <-chan []store.PresenceRecord) {
	defer s.wg.Done()

	for snapshot := range feed {
		others := make([]store.PresenceRecord, 0, len(snapshot))
		for _, rec := range snapshot {
			if rec.UserID != s.profile.ID {
				others = append(others, rec)
			}
		}

		s.mu.Lock()
		s.collaborators = others
		s.mu.Unlock()

		s.events.Emit(eventCollaborators, slices.Clone(others))
	}
}

// UpdateCursor merge-writes only the cursor of the user's presence record.
func (s *Session) UpdateCursor(ctx context.Context, cursor store.Cursor) error {
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()

	err := s.store.UpdatePresence(ctx, s.documentID, s.profile.ID, store.PresencePatch{Cursor: &cursor})
	if errors.Is(err, store.ErrNotFound) {
		return errs.NewError(errs.ErrDocumentNotFound)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to update cursor")
		return errs.NewError(errs.ErrPersistenceFailed)
	}
	return nil
}

// Collaborators returns the latest presence records of the document's other participants,
// ordered by user id.
func (s *Session) Collaborators() []store.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.collaborators)
}

// OnCollaborators calls fn with the collaborator list after every change. Handlers run on
// the feed goroutine and must not block.
func (s *Session) OnCollaborators(fn func([]store.PresenceRecord)) *emitter.Subscription {
	return s.events.On(eventCollaborators, fn)
}

// RecordEdit appends delta to the document's change log.
func (s *Session) RecordEdit(ctx context.Context, delta json.RawMessage) (store.EditDelta, error) {
	edit := store.EditDelta{
		ID:         randx.EditID(),
		DocumentID: s.documentID,
		UserID:     s.profile.ID,
		Delta:      delta,
		CreatedAt:  time.Now(),
	}

	if err := s.store.AppendEdit(ctx, edit); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record edit")
		return store.EditDelta{}, errs.NewError(errs.ErrPersistenceFailed)
	}
	return edit, nil
}

// Leave stops the heartbeat and the feed and hard-deletes the user's presence record.
// Calling Leave again does nothing.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.store.DeletePresence(ctx, s.documentID, s.profile.ID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete presence on leave")
		return errs.NewError(errs.ErrPersistenceFailed)
	}

	s.logger.Info().Msg("Left document.")
	return nil
}
