// Package mongostore implements the durable store on MongoDB. Presence watches use change
// streams and therefore need a replica set or sharded cluster.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/logx"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	presenceCollection      = "document_presence"
	editsCollection         = "document_edits"

	connectTimeout = 15 * time.Second
	watchRetry     = time.Second
)

// Store implements store.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Connect dials uri, verifies the connection and ensures the indexes the store queries by.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	logger := logx.Component("mongo")

	clientOptions := options.Client().ApplyURI(uri).SetAppName("noterelay")
	clientOptions.SetConnectTimeout(connectTimeout)
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug().Str("address", evt.Address).Msg("Database connection created")
			case event.ConnectionClosed:
				logger.Debug().Str("address", evt.Address).Str("reason", evt.Reason).Msg("Database connection closed")
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Info().Str("database", database).Msg("Connected to MongoDB")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		messagesCollection: {{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("messages_conversation_created"),
		}},
		presenceCollection: {
			{
				Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "userId", Value: 1}},
				Options: options.Index().SetName("presence_document_user"),
			},
			{
				Keys:    bson.D{{Key: "lastSeen", Value: 1}},
				Options: options.Index().SetName("presence_last_seen"),
			},
		},
		editsCollection: {{
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("edits_document_id"),
		}},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	s.logger.Info().Msg("Closing database connection")
	return s.client.Disconnect(ctx)
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
