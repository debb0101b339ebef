package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"noterelay/internal/app/store"
)

type conversationDoc struct {
	ID            string    `bson:"_id"`
	Participants  []string  `bson:"participants"`
	LastMessage   string    `bson:"lastMessage,omitempty"`
	LastMessageAt time.Time `bson:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

func (d conversationDoc) toConversation() store.Conversation {
	return store.Conversation{
		ID:            d.ID,
		Participants:  d.Participants,
		LastMessage:   d.LastMessage,
		LastMessageAt: d.LastMessageAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type messageDoc struct {
	ID             string               `bson:"_id"`
	SenderID       string               `bson:"senderId"`
	ConversationID string               `bson:"conversationId"`
	Content        string               `bson:"content"`
	CreatedAt      time.Time            `bson:"createdAt"`
	Type           string               `bson:"type"`
	ReadBy         map[string]time.Time `bson:"readBy"`
}

type cursorDoc struct {
	X      float64 `bson:"x"`
	Y      float64 `bson:"y"`
	Line   int     `bson:"line"`
	Column int     `bson:"column"`
}

// presenceDoc is keyed by "documentId/userId" so one change-stream filter covers a document.
type presenceDoc struct {
	ID          string    `bson:"_id"`
	DocumentID  string    `bson:"documentId"`
	UserID      string    `bson:"userId"`
	DisplayName string    `bson:"displayName"`
	Email       string    `bson:"email"`
	PhotoURL    string    `bson:"photoURL"`
	LastSeen    time.Time `bson:"lastSeen"`
	Cursor      cursorDoc `bson:"cursor"`
	IsActive    bool      `bson:"isActive"`
}

func presenceKey(documentID, userID string) string {
	return documentID + "/" + userID
}

func newPresenceDoc(documentID string, rec store.PresenceRecord) presenceDoc {
	return presenceDoc{
		ID:          presenceKey(documentID, rec.UserID),
		DocumentID:  documentID,
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		PhotoURL:    rec.PhotoURL,
		LastSeen:    rec.LastSeen,
		Cursor:      cursorDoc(rec.Cursor),
		IsActive:    rec.IsActive,
	}
}

func (d presenceDoc) toRecord() store.PresenceRecord {
	return store.PresenceRecord{
		UserID:      d.UserID,
		DisplayName: d.DisplayName,
		Email:       d.Email,
		PhotoURL:    d.PhotoURL,
		LastSeen:    d.LastSeen,
		Cursor:      store.Cursor(d.Cursor),
		IsActive:    d.IsActive,
	}
}

// patchSet renders the non-nil fields of p as a $set document.
func patchSet(p store.PresencePatch) bson.D {
	set := bson.D{}
	if p.LastSeen != nil {
		set = append(set, bson.E{Key: "lastSeen", Value: *p.LastSeen})
	}
	if p.Cursor != nil {
		set = append(set, bson.E{Key: "cursor", Value: cursorDoc(*p.Cursor)})
	}
	if p.IsActive != nil {
		set = append(set, bson.E{Key: "isActive", Value: *p.IsActive})
	}
	return set
}

type editDoc struct {
	ID         string    `bson:"_id"`
	DocumentID string    `bson:"documentId"`
	UserID     string    `bson:"userId"`
	Delta      string    `bson:"delta"`
	CreatedAt  time.Time `bson:"createdAt"`
}
