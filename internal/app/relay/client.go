package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"noterelay/internal/pkg/errs"
	"noterelay/pkg/wire"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client. JSON may escape one
	// content byte into six (\u003c), and the envelope needs some room on top.
	maxMessageSize = 6*MaxContentBytes + 1024
)

// Client binds a Session to its WebSocket connection and runs the connection's read and
// write loops.
type Client struct {
	session *Session
	conn    *websocket.Conn
	relay   *Relay
}

// NewClient constructs a Client for an upgraded connection.
func NewClient(r *Relay, s *Session, conn *websocket.Conn) *Client {
	return &Client{session: s, conn: conn, relay: r}
}

// Session returns the client's session.
func (c *Client) Session() *Session {
	return c.session
}

// ReadPump reads frames and applies them one at a time, so a connection's requests are
// handled in the order sent. When the connection ends it runs the disconnect path.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.session.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.session.logger.Info().Err(err).Msg("Error reading message (client close/going away)")
			}
			break
		}

		c.relay.hub.Touch(c.session, time.Now())
		c.processInboundFrame(ctx, frame)
	}
}

// cleanupOnDisconnect unregisters the session and closes the connection.
func (c *Client) cleanupOnDisconnect() {
	c.session.logger.Info().Msg("Client connection cleanup starting.")

	c.relay.Disconnect(c.session)

	if err := c.conn.Close(); err != nil {
		c.session.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// processInboundFrame decodes one frame and routes it by event type. Failures are sent
// back to this session only.
func (c *Client) processInboundFrame(ctx context.Context, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		c.session.logger.Warn().Err(err).Int("frame_bytes", len(frame)).Msg("Client sent invalid frame")
		c.session.SendError(errs.NewError(errs.ErrInvalidJSONFormat))
		return
	}

	if err := c.dispatch(ctx, env); err != nil {
		c.session.logger.Debug().Err(err).Str("event", string(env.Type)).Msg("Request failed")
		ref := requestRefOf(env)
		c.session.SendRequestError(err, env.Type, ref.ConversationID, ref.ClientID)
	}
}

type requestRef struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
}

// requestRefOf returns the conversationId and optional clientId of a request payload.
func requestRefOf(env wire.Envelope) requestRef {
	var ref requestRef
	if len(env.Payload) == 0 || json.Unmarshal(env.Payload, &ref) != nil {
		return requestRef{}
	}
	return ref
}

func (c *Client) dispatch(ctx context.Context, env wire.Envelope) error {
	s := c.session

	switch env.Type {
	case wire.EventJoinConversation:
		var p wire.ConversationPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.JoinConversation(ctx, s, p.ConversationID)

	case wire.EventLeaveConversation:
		var p wire.ConversationPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.LeaveConversation(ctx, s, p.ConversationID)

	case wire.EventTypingStart:
		var p wire.ConversationPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.StartTyping(ctx, s, p.ConversationID)

	case wire.EventTypingStop:
		var p wire.ConversationPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.StopTyping(ctx, s, p.ConversationID)

	case wire.EventSendMessage:
		var p wire.SendMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.SendMessage(ctx, s, p)

	case wire.EventMarkMessagesRead:
		var p wire.MarkMessagesReadPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return c.relay.MarkMessagesRead(ctx, s, p)

	default:
		return errs.NewError(errs.ErrUnsupportedEvent, env.Type)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}
	return nil
}

// WritePump writes queued frames to the connection and pings it periodically. It returns
// when the session's queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.session.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.session.send:
			if !c.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one frame, or a close frame when the queue has been closed.
// Returns true if the WritePump loop should continue.
func (c *Client) writeQueuedFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.session.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.session.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.session.logger.Info().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends a WebSocket Ping to keep the connection alive.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.session.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.session.logger.Info().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}
