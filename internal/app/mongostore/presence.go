package mongostore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"noterelay/internal/app/store"
)

// UpsertPresence implements store.PresenceStore.
func (s *Store) UpsertPresence(ctx context.Context, documentID string, rec store.PresenceRecord) error {
	doc := newPresenceDoc(documentID, rec)

	_, err := s.db.Collection(presenceCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	return mapError("upsert presence", err)
}

// UpdatePresence implements store.PresenceStore.
func (s *Store) UpdatePresence(ctx context.Context, documentID, userID string, patch store.PresencePatch) error {
	set := patchSet(patch)
	if len(set) == 0 {
		return nil
	}

	res, err := s.db.Collection(presenceCollection).UpdateByID(ctx,
		presenceKey(documentID, userID), bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return mapError("update presence", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update presence: %w", store.ErrNotFound)
	}
	return nil
}

// DeletePresence implements store.PresenceStore.
func (s *Store) DeletePresence(ctx context.Context, documentID, userID string) error {
	_, err := s.db.Collection(presenceCollection).DeleteOne(ctx,
		bson.D{{Key: "_id", Value: presenceKey(documentID, userID)}})
	return mapError("delete presence", err)
}

// ListPresence implements store.PresenceStore.
func (s *Store) ListPresence(ctx context.Context, documentID string) ([]store.PresenceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "userId", Value: 1}})

	cur, err := s.db.Collection(presenceCollection).Find(ctx, bson.D{{Key: "documentId", Value: documentID}}, opts)
	if err != nil {
		return nil, mapError("list presence", err)
	}

	var docs []presenceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapError("list presence", err)
	}

	records := make([]store.PresenceRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, d.toRecord())
	}
	return records, nil
}

// DeleteStalePresence implements store.PresenceStore.
func (s *Store) DeleteStalePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Collection(presenceCollection).DeleteMany(ctx,
		bson.D{{Key: "lastSeen", Value: bson.D{{Key: "$lt", Value: cutoff}}}})
	if err != nil {
		return 0, mapError("delete stale presence", err)
	}
	return res.DeletedCount, nil
}

// WatchPresence implements store.PresenceStore with a change stream filtered on the
// document's key prefix. Deletes carry only the document key, so every event triggers
// a full re-read.
func (s *Store) WatchPresence(ctx context.Context, documentID string) (<-chan []store.PresenceRecord, error) {
	cs, err := s.openStream(ctx, documentID)
	if err != nil {
		return nil, err
	}

	ch := make(chan []store.PresenceRecord, 1)
	go s.runWatch(ctx, documentID, cs, ch)
	return ch, nil
}

func (s *Store) openStream(ctx context.Context, documentID string) (*mongo.ChangeStream, error) {
	prefix := "^" + regexp.QuoteMeta(presenceKey(documentID, ""))
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: bson.D{{Key: "$regex", Value: prefix}}},
		}}},
	}

	cs, err := s.db.Collection(presenceCollection).Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watch presence: %w", err)
	}
	return cs, nil
}

func (s *Store) runWatch(ctx context.Context, documentID string, cs *mongo.ChangeStream, ch chan []store.PresenceRecord) {
	logger := s.logger.With().Str("document_id", documentID).Logger()

	defer close(ch)
	defer func() {
		if cs != nil {
			_ = cs.Close(context.Background())
		}
	}()

	reload := func() {
		records, err := s.ListPresence(ctx, documentID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Failed to reload presence")
			}
			return
		}
		store.Offer(ch, records)
	}

	reload()

	for {
		for cs.Next(ctx) {
			reload()
		}
		if ctx.Err() != nil {
			return
		}

		logger.Warn().Err(cs.Err()).Dur("retry_in", watchRetry).Msg("Presence change stream ended")
		_ = cs.Close(context.Background())
		cs = nil

		for cs == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetry):
			}

			next, err := s.openStream(ctx, documentID)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to reopen presence change stream")
				continue
			}
			cs = next
		}

		// changes may have been missed while the stream was down
		reload()
	}
}
