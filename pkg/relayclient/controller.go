/*
Package relayclient is the client side of the relay's WebSocket protocol.

A Controller owns one connection at a time. It re-emits every server event to local
subscribers, remembers joined conversations across reconnects and matches each sent
message to its new-message echo by a client-generated id.
*/
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"noterelay/internal/pkg/emitter"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/randx"
	"noterelay/pkg/wire"
)

const (
	// DefaultSendTimeout bounds how long SendMessage waits for the echo.
	DefaultSendTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

// Local lifecycle events, delivered through On like server events with a nil payload.
const (
	EventConnected    wire.Event = "connected"
	EventDisconnected wire.Event = "disconnected"
)

var (
	ErrNotConnected = errors.New("relayclient: not connected")
	ErrUnauthorized = errors.New("relayclient: credential rejected")
	ErrSendTimeout  = errors.New("relayclient: timed out waiting for message echo")
)

// ServerError is an error frame sent in answer to one of this controller's requests.
type ServerError struct {
	wire.ErrorPayload
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("relay error %d (%s): %s", e.Code, e.Kind, e.Message)
}

// Options configures a Controller. URL is the relay's WebSocket endpoint.
type Options struct {
	URL         string
	Token       string
	SendTimeout time.Duration
	Dialer      *websocket.Dialer
}

type sendResult struct {
	msg wire.NewMessagePayload
	err error
}

// Controller is safe for concurrent use. Handlers registered with On run on the read
// loop, so they must not call SendMessage.
type Controller struct {
	opts   Options
	events emitter.Emitter[json.RawMessage]
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	rooms   map[string]struct{}
	pending map[string]chan sendResult

	writeMu sync.Mutex
}

// New creates a disconnected Controller.
func New(opts Options) *Controller {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Controller{
		opts:    opts,
		logger:  logx.Component("relayclient"),
		rooms:   make(map[string]struct{}),
		pending: make(map[string]chan sendResult),
	}
}

// On subscribes fn to a server or lifecycle event. Subscriptions survive reconnects.
func (c *Controller) On(event wire.Event, fn func(payload json.RawMessage)) *emitter.Subscription {
	return c.events.On(string(event), fn)
}

// Connected reports whether a connection is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Rooms lists the conversations that Reconnect joins again, sorted.
func (c *Controller) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Connect dials the relay with the bearer credential. It is a no-op when already connected.
func (c *Controller) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	conn, res, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Debug().Str("url", c.opts.URL).Msg("Connected to relay")
	c.events.Emit(string(EventConnected), nil)
	return nil
}

// Reconnect replaces the current connection, if any, and joins the remembered
// conversations again.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.closeConn()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	for _, id := range c.Rooms() {
		if err := c.write(wire.EventJoinConversation, wire.ConversationPayload{ConversationID: id}); err != nil {
			return fmt.Errorf("rejoin %s: %w", id, err)
		}
	}
	return nil
}

// Disconnect closes the connection and forgets joined conversations.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	clear(c.rooms)
	c.mu.Unlock()

	c.closeConn()
}

// JoinConversation asks to join a conversation. Rejections arrive as error events.
func (c *Controller) JoinConversation(conversationID string) error {
	// remembered before the write so a fast rejection cannot be overwritten
	c.mu.Lock()
	_, known := c.rooms[conversationID]
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()

	if err := c.write(wire.EventJoinConversation, wire.ConversationPayload{ConversationID: conversationID}); err != nil {
		if !known {
			c.forgetRoom(conversationID)
		}
		return err
	}
	return nil
}

func (c *Controller) forgetRoom(conversationID string) {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
}

// LeaveConversation leaves a conversation and stops re-joining it on reconnect.
func (c *Controller) LeaveConversation(conversationID string) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()

	return c.write(wire.EventLeaveConversation, wire.ConversationPayload{ConversationID: conversationID})
}

func (c *Controller) StartTyping(conversationID string) error {
	return c.write(wire.EventTypingStart, wire.ConversationPayload{ConversationID: conversationID})
}

func (c *Controller) StopTyping(conversationID string) error {
	return c.write(wire.EventTypingStop, wire.ConversationPayload{ConversationID: conversationID})
}

// MarkMessagesRead reports messages as read. The relay does not answer failures.
func (c *Controller) MarkMessagesRead(conversationID string, messageIDs []string) error {
	return c.write(wire.EventMarkMessagesRead, wire.MarkMessagesReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
}

// SendMessage sends content and waits for its echo. On ErrSendTimeout the message may
// still be stored; its echo is then delivered to new-message subscribers only.
func (c *Controller) SendMessage(ctx context.Context, conversationID, content string) (wire.NewMessagePayload, error) {
	clientID := randx.ClientID()
	result := make(chan sendResult, 1)

	c.mu.Lock()
	c.pending[clientID] = result
	c.mu.Unlock()
	defer c.forget(clientID)

	err := c.write(wire.EventSendMessage, wire.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		ClientID:       clientID,
	})
	if err != nil {
		return wire.NewMessagePayload{}, err
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	select {
	case r := <-result:
		return r.msg, r.err
	case <-timer.C:
		c.logger.Warn().Str("client_id", clientID).Str("conversation_id", conversationID).
			Msg("No echo for sent message before timeout")
		return wire.NewMessagePayload{}, ErrSendTimeout
	case <-ctx.Done():
		return wire.NewMessagePayload{}, ctx.Err()
	}
}

func (c *Controller) forget(clientID string) {
	c.mu.Lock()
	delete(c.pending, clientID)
	c.mu.Unlock()
}

func (c *Controller) resolve(clientID string, r sendResult) {
	c.mu.Lock()
	ch, ok := c.pending[clientID]
	delete(c.pending, clientID)
	c.mu.Unlock()

	if ok {
		ch <- r
	}
}

func (c *Controller) write(event wire.Event, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// closeConn sends a close frame and closes the connection. The read loop emits
// EventDisconnected when it notices.
func (c *Controller) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	_ = conn.Close()
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		_ = conn.Close()
		c.events.Emit(string(EventDisconnected), nil)
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Relay connection lost")
			}
			return
		}

		env, err := wire.Decode(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		c.route(env)
	}
}

// route settles a pending send when the frame answers one, then emits the frame.
func (c *Controller) route(env wire.Envelope) {
	switch env.Type {
	case wire.EventNewMessage:
		var msg wire.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err == nil && msg.ClientID != "" {
			c.resolve(msg.ClientID, sendResult{msg: msg})
		}

	case wire.EventError:
		var p wire.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			break
		}
		if p.ClientID != "" {
			c.resolve(p.ClientID, sendResult{err: &ServerError{ErrorPayload: p}})
		}
		if p.Event == wire.EventJoinConversation && p.ConversationID != "" && rejectsJoin(p.Kind) {
			c.forgetRoom(p.ConversationID)
		}
	}

	c.events.Emit(string(env.Type), env.Payload)
}

// rejectsJoin reports whether a failed join will fail again on reconnect.
func rejectsJoin(kind string) bool {
	switch errs.Kind(kind) {
	case errs.KindAuthorization, errs.KindNotFound, errs.KindInvalid:
		return true
	}
	return false
}

// Decode unmarshals an event payload delivered to an On handler.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
