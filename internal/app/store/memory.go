package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"noterelay/internal/pkg/randx"
)

// Memory is an in-process Store. It backs the development profile and tests; its
// contents are lost on restart.
type Memory struct {
	mu sync.Mutex

	conversations map[string]Conversation
	messages      map[string]Message
	presence      map[string]map[string]PresenceRecord // documentID -> userID -> record
	edits         map[string][]EditDelta
	watchers      map[string]map[chan []PresenceRecord]struct{}

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]Conversation),
		messages:      make(map[string]Message),
		presence:      make(map[string]map[string]PresenceRecord),
		edits:         make(map[string][]EditDelta),
		watchers:      make(map[string]map[chan []PresenceRecord]struct{}),
		now:           time.Now,
	}
}

// CreateConversation stores c, replacing any conversation with the same id.
func (m *Memory) CreateConversation(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Participants = slices.Clone(c.Participants)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = m.now()
	}
	m.conversations[c.ID] = c
	return nil
}

// SetParticipants overwrites a conversation's participant list.
func (m *Memory) SetParticipants(_ context.Context, id string, participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Participants = slices.Clone(participants)
	m.conversations[id] = c
	return nil
}

// GetConversation implements ConversationStore.
func (m *Memory) GetConversation(_ context.Context, id string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	c.Participants = slices.Clone(c.Participants)
	return c, nil
}

// UpdateConversationSummary implements ConversationStore.
func (m *Memory) UpdateConversationSummary(_ context.Context, id, lastMessage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.LastMessage = lastMessage
	c.LastMessageAt = at
	c.UpdatedAt = m.now()
	m.conversations[id] = c
	return nil
}

// CreateMessage implements MessageStore.
func (m *Memory) CreateMessage(_ context.Context, in NewMessage) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgType := in.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	msg := Message{
		ID:             randx.MessageID(),
		SenderID:       in.SenderID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
		CreatedAt:      m.now(),
		Type:           msgType,
		ReadBy:         map[string]time.Time{},
	}
	m.messages[msg.ID] = msg

	return cloneMessage(msg), nil
}

// Message returns a stored message.
func (m *Memory) Message(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	return cloneMessage(msg), ok
}

// Messages returns the messages of a conversation ordered by creation time.
func (m *Memory) Messages(conversationID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkMessagesRead implements MessageStore. Unknown ids and ids of other conversations are skipped.
func (m *Memory) MarkMessagesRead(_ context.Context, conversationID string, messageIDs []string, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range messageIDs {
		msg, ok := m.messages[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		msg.ReadBy[userID] = at
	}
	return nil
}

// UpsertPresence implements PresenceStore.
func (m *Memory) UpsertPresence(_ context.Context, documentID string, rec PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presence[documentID] == nil {
		m.presence[documentID] = make(map[string]PresenceRecord)
	}
	m.presence[documentID][rec.UserID] = rec
	m.notifyLocked(documentID)
	return nil
}

// UpdatePresence implements PresenceStore.
func (m *Memory) UpdatePresence(_ context.Context, documentID, userID string, patch PresencePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.presence[documentID][userID]
	if !ok {
		return ErrNotFound
	}
	if patch.LastSeen != nil {
		rec.LastSeen = *patch.LastSeen
	}
	if patch.Cursor != nil {
		rec.Cursor = *patch.Cursor
	}
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}
	m.presence[documentID][userID] = rec
	m.notifyLocked(documentID)
	return nil
}

// DeletePresence implements PresenceStore. Deleting a missing record is not an error.
func (m *Memory) DeletePresence(_ context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.presence[documentID][userID]; !ok {
		return nil
	}
	delete(m.presence[documentID], userID)
	if len(m.presence[documentID]) == 0 {
		delete(m.presence, documentID)
	}
	m.notifyLocked(documentID)
	return nil
}

// ListPresence implements PresenceStore. Records are ordered by user id.
func (m *Memory) ListPresence(_ context.Context, documentID string) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(documentID), nil
}

// WatchPresence implements PresenceStore.
func (m *Memory) WatchPresence(ctx context.Context, documentID string) (<-chan []PresenceRecord, error) {
	ch := make(chan []PresenceRecord, 1)

	m.mu.Lock()
	if m.watchers[documentID] == nil {
		m.watchers[documentID] = make(map[chan []PresenceRecord]struct{})
	}
	m.watchers[documentID][ch] = struct{}{}
	Offer(ch, m.snapshotLocked(documentID))
	m.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.watchers[documentID], ch)
		if len(m.watchers[documentID]) == 0 {
			delete(m.watchers, documentID)
		}
		close(ch)
	}()

	return ch, nil
}

// DeleteStalePresence implements PresenceStore.
func (m *Memory) DeleteStalePresence(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for documentID, records := range m.presence {
		changed := false
		for userID, rec := range records {
			if rec.LastSeen.Before(cutoff) {
				delete(records, userID)
				removed++
				changed = true
			}
		}
		if len(records) == 0 {
			delete(m.presence, documentID)
		}
		if changed {
			m.notifyLocked(documentID)
		}
	}
	return removed, nil
}

// AppendEdit implements EditLog.
func (m *Memory) AppendEdit(_ context.Context, edit EditDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if edit.ID == "" {
		edit.ID = randx.EditID()
	}
	if edit.CreatedAt.IsZero() {
		edit.CreatedAt = m.now()
	}
	m.edits[edit.DocumentID] = append(m.edits[edit.DocumentID], edit)
	return nil
}

// ListEdits implements EditLog, returning entries with ids greater than afterID.
func (m *Memory) ListEdits(_ context.Context, documentID, afterID string, limit int) ([]EditDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := slices.Clone(m.edits[documentID])
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	out := make([]EditDelta, 0, len(all))
	for _, e := range all {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close(context.Context) error {
	return nil
}

func (m *Memory) snapshotLocked(documentID string) []PresenceRecord {
	records := m.presence[documentID]
	out := make([]PresenceRecord, 0, len(records))
	for _, userID := range slices.Sorted(maps.Keys(records)) {
		out = append(out, records[userID])
	}
	return out
}

func (m *Memory) notifyLocked(documentID string) {
	if len(m.watchers[documentID]) == 0 {
		return
	}
	snapshot := m.snapshotLocked(documentID)
	for ch := range m.watchers[documentID] {
		Offer(ch, slices.Clone(snapshot))
	}
}

func cloneMessage(msg Message) Message {
	msg.ReadBy = maps.Clone(msg.ReadBy)
	if msg.ReadBy == nil {
		msg.ReadBy = map[string]time.Time{}
	}
	return msg
}
