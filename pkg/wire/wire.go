/*
Package wire defines the JSON frames exchanged between relay clients and the relay over
the WebSocket connection.

Every frame is an Envelope: {"type": <event>, "payload": {...}}.
*/
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the type discriminator of an Envelope.
type Event string

// Client to server events.
const (
	EventJoinConversation  Event = "join-conversation"
	EventLeaveConversation Event = "leave-conversation"
	EventSendMessage       Event = "send-message"
	EventTypingStart       Event = "typing-start"
	EventTypingStop        Event = "typing-stop"
	EventMarkMessagesRead  Event = "mark-messages-read"
)

// Server to client events.
const (
	EventNewMessage             Event = "new-message"
	EventUserTyping             Event = "user-typing"
	EventUserStoppedTyping      Event = "user-stopped-typing"
	EventMessagesRead           Event = "messages-read"
	EventUserOnline             Event = "user-online"
	EventUserOffline            Event = "user-offline"
	EventUserJoinedConversation Event = "user-joined-conversation"
	EventError                  Event = "error"
)

// Envelope is one WebSocket text frame.
type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an Envelope of the given type.
func Encode(event Event, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Type: event, Payload: raw})
}

// Decode parses a frame into its envelope. The payload is left raw.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame has no type")
	}
	return env, nil
}

// ConversationPayload addresses a conversation. It is the payload of join-conversation,
// leave-conversation, typing-start and typing-stop.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the payload of send-message. ClientID is an optional
// client-generated id echoed back on the resulting new-message.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

// MarkMessagesReadPayload is the payload of mark-messages-read.
type MarkMessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// NewMessagePayload carries everything a client needs to render a message.
type NewMessagePayload struct {
	ID             string               `json:"id"`
	SenderID       string               `json:"senderId"`
	ConversationID string               `json:"conversationId"`
	Content        string               `json:"content"`
	CreatedAt      time.Time            `json:"createdAt"`
	Type           string               `json:"type"`
	ReadBy         map[string]time.Time `json:"readBy"`
	ClientID       string               `json:"clientId,omitempty"`
}

// TypingPayload is the payload of user-typing and user-stopped-typing.
type TypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// MessagesReadPayload is the payload of messages-read.
type MessagesReadPayload struct {
	UserID         string   `json:"userId"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// UserOnlinePayload is the payload of user-online.
type UserOnlinePayload struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
}

// UserOfflinePayload is the payload of user-offline.
type UserOfflinePayload struct {
	UserID string `json:"userId"`
}

// UserJoinedPayload is the payload of user-joined-conversation.
type UserJoinedPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is the payload of error. Kind is one of authentication, authorization,
// not_found, persistence, transport, invalid or internal. Event, ConversationID and ClientID
// name the request that failed when the frame could be decoded.
type ErrorPayload struct {
	Message        string `json:"message"`
	Code           int    `json:"code"`
	Kind           string `json:"kind"`
	Event          Event  `json:"event,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}
