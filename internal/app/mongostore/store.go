package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"noterelay/internal/app/store"
	"noterelay/internal/pkg/randx"
)

// CreateConversation inserts or replaces c. Conversations are owned by the application's
// main API; the relay only uses this for seeding.
func (s *Store) CreateConversation(ctx context.Context, c store.Conversation) error {
	doc := conversationDoc{
		ID:            c.ID,
		Participants:  c.Participants,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.Collection(conversationsCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: c.ID}}, doc, options.Replace().SetUpsert(true))
	return mapError("create conversation", err)
}

// GetConversation implements store.ConversationStore.
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var doc conversationDoc
	err := s.db.Collection(conversationsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		return store.Conversation{}, mapError("get conversation", err)
	}
	return doc.toConversation(), nil
}

// UpdateConversationSummary implements store.ConversationStore.
func (s *Store) UpdateConversationSummary(ctx context.Context, id, lastMessage string, at time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "lastMessage", Value: lastMessage},
		{Key: "lastMessageAt", Value: at},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}

	res, err := s.db.Collection(conversationsCollection).UpdateByID(ctx, id, update)
	if err != nil {
		return mapError("update conversation summary", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update conversation summary: %w", store.ErrNotFound)
	}
	return nil
}

// CreateMessage implements store.MessageStore.
func (s *Store) CreateMessage(ctx context.Context, in store.NewMessage) (store.Message, error) {
	msgType := in.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}

	doc := messageDoc{
		ID:             randx.MessageID(),
		SenderID:       in.SenderID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		CreatedAt:      time.Now().UTC(),
		Type:           msgType,
		ReadBy:         map[string]time.Time{},
	}

	if _, err := s.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return store.Message{}, mapError("create message", err)
	}

	return store.Message{
		ID:             doc.ID,
		SenderID:       doc.SenderID,
		ConversationID: doc.ConversationID,
		Content:        doc.Content,
		CreatedAt:      doc.CreatedAt,
		Type:           doc.Type,
		ReadBy:         map[string]time.Time{},
	}, nil
}

// MarkMessagesRead implements store.MessageStore by setting the userID key of each
// message's readBy map.
func (s *Store) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, userID string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}

	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: messageIDs}}},
		{Key: "conversationId", Value: conversationID},
	}

	_, err := s.db.Collection(messagesCollection).UpdateMany(ctx, filter, readByUpdate(userID, at))
	return mapError("mark messages read", err)
}

// readByUpdate sets readBy[userID] = at. The user ID is passed as a literal field name
// so that dots and dollar signs in it are kept verbatim (MongoDB 5.0+).
func readByUpdate(userID string, at time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "readBy", Value: bson.D{{Key: "$setField", Value: bson.D{
			{Key: "field", Value: bson.D{{Key: "$literal", Value: userID}}},
			{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$readBy", bson.D{}}}}},
			{Key: "value", Value: at},
		}}}}}}},
	}
}

// AppendEdit implements store.EditLog.
func (s *Store) AppendEdit(ctx context.Context, edit store.EditDelta) error {
	if edit.ID == "" {
		edit.ID = randx.EditID()
	}
	if edit.CreatedAt.IsZero() {
		edit.CreatedAt = time.Now().UTC()
	}

	doc := editDoc{
		ID:         edit.ID,
		DocumentID: edit.DocumentID,
		UserID:     edit.UserID,
		Delta:      string(edit.Delta),
		CreatedAt:  edit.CreatedAt,
	}

	_, err := s.db.Collection(editsCollection).InsertOne(ctx, doc)
	return mapError("append edit", err)
}

// ListEdits implements store.EditLog.
func (s *Store) ListEdits(ctx context.Context, documentID, afterID string, limit int) ([]store.EditDelta, error) {
	filter := bson.D{
		{Key: "documentId", Value: documentID},
		{Key: "_id", Value: bson.D{{Key: "$gt", Value: afterID}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(editsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError("list edits", err)
	}

	var docs []editDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapError("list edits", err)
	}

	edits := make([]store.EditDelta, 0, len(docs))
	for _, d := range docs {
		edits = append(edits, store.EditDelta{
			ID:         d.ID,
			DocumentID: d.DocumentID,
			UserID:     d.UserID,
			Delta:      json.RawMessage(d.Delta),
			CreatedAt:  d.CreatedAt,
		})
	}
	return edits, nil
}
