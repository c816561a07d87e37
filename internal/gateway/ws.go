// ABOUTME: Websocket transport that binds one connection to one hub session
// ABOUTME: A read pump executes client frames against the hub while a write pump drains session events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/hub"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a frame to the peer
	pongWait       = 20 * time.Second    // time allowed to read the next pong from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = 64 * 1024           // max inbound frame size
	replyBufSize   = 16
)

// Client frame types.
const (
	FrameJoin   = "conversation:join"
	FrameLeave  = "conversation:leave"
	FrameSend   = "message:send"
	FrameTyping = "typing:update"
	FrameRead   = "read:mark"
	FrameRecall = "message:recall"
	FrameDelete = "message:delete"

	FrameAck   = "ack"
	FrameError = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens are bearer credentials, not cookies, so cross-origin pages gain nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the envelope of every websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// outFrame is a frame whose payload is still a Go value.
type outFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type conversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type messageRef struct {
	MessageID string `json:"message_id"`
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type readRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type readResult struct {
	Advanced bool `json:"advanced"`
}

// wsConn is one upgraded websocket bound to a hub session.
type wsConn struct {
	hub     *hub.Hub
	conn    *websocket.Conn
	sess    *hub.Session
	replies chan outFrame
	done    chan struct{} // closed when the write pump exits
	logger  *slog.Logger
}

// handleWebSocket authenticates the caller, opens a hub session and upgrades
// the connection. Authentication failures are answered before the upgrade.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	sess, err := g.hub.Connect(r.Context(), token)
	if err != nil {
		g.sendHubError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		g.hub.Disconnect(context.Background(), sess)
		return
	}

	c := &wsConn{
		hub:     g.hub,
		conn:    conn,
		sess:    sess,
		replies: make(chan outFrame, replyBufSize),
		done:    make(chan struct{}),
		logger:  g.logger.With("session_id", sess.ID(), "user_id", sess.UserID()),
	}
	go c.writePump()
	c.readPump()
}

// readPump executes client frames in order until the peer goes away, then
// tears the session down.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.Disconnect(context.Background(), c.sess)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logReadError(err)
			return
		}

		reply := c.dispatch(context.Background(), f)
		select {
		case c.replies <- reply:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) logReadError(err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("client disconnected")
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Info("client timed out")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("unexpected close", "error", err)
	default:
		c.logger.Debug("read ended", "error", err)
	}
}

// writePump is the only writer on the connection. It forwards session events
// and replies and keeps the peer alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.done)
		_ = c.conn.Close()
	}()

	events := c.sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Session closed, possibly kicked for falling behind
				c.writeClose()
				return
			}
			if err := c.write(eventFrame(ev)); err != nil {
				return
			}
		case f := <-c.replies:
			if err := c.write(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(f outFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("write failed", "error", err)
		return err
	}
	return nil
}

func (c *wsConn) writeClose() {
	code, text := websocket.CloseNormalClosure, ""
	if c.sess.Kicked() {
		code, text = websocket.ClosePolicyViolation, "too slow"
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}

func eventFrame(ev broadcast.Event) outFrame {
	return outFrame{Type: ev.Type, Payload: ev.Payload}
}

// dispatch runs one client frame against the hub and builds the reply.
func (c *wsConn) dispatch(ctx context.Context, f Frame) outFrame {
	result, err := c.execute(ctx, f)
	if err != nil {
		if hub.Code(err) == hub.CodeInternal {
			c.logger.Error("operation failed", "type", f.Type, "error", err)
		}
		return outFrame{
			Type:      FrameError,
			RequestID: f.RequestID,
			Payload:   ErrorPayload{Code: hub.Code(err), Message: hub.PublicMessage(err)},
		}
	}
	return outFrame{Type: FrameAck, RequestID: f.RequestID, Payload: result}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: payload is required", hub.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: malformed payload", hub.ErrInvalidRequest)
	}
	return v, nil
}

func (c *wsConn) execute(ctx context.Context, f Frame) (any, error) {
	switch f.Type {
	case FrameJoin:
		req, err := decode[conversationRef](f.Payload)
		if err != nil {
			return nil, err
		}
		conv, err := c.hub.JoinConversation(ctx, c.sess, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return event.ConversationFrom(conv), nil

	case FrameLeave:
		req, err := decode[conversationRef](f.Payload)
		if err != nil {
			return nil, err
		}
		c.hub.LeaveConversation(c.sess, req.ConversationID)
		return nil, nil

	case FrameSend:
		req, err := decode[hub.SendRequest](f.Payload)
		if err != nil {
			return nil, err
		}
		msg, err := c.hub.SendMessage(ctx, c.sess, req)
		if err != nil {
			return nil, err
		}
		return event.MessageFrom(msg), nil

	case FrameTyping:
		req, err := decode[typingRequest](f.Payload)
		if err != nil {
			return nil, err
		}
		return nil, c.hub.TypingUpdate(ctx, c.sess, req.ConversationID, req.Text)

	case FrameRead:
		req, err := decode[readRequest](f.Payload)
		if err != nil {
			return nil, err
		}
		advanced, err := c.hub.MarkRead(ctx, c.sess, req.ConversationID, req.MessageID)
		if err != nil {
			return nil, err
		}
		return readResult{Advanced: advanced}, nil

	case FrameRecall:
		req, err := decode[messageRef](f.Payload)
		if err != nil {
			return nil, err
		}
		msg, err := c.hub.RecallMessage(ctx, c.sess, req.MessageID)
		if err != nil {
			return nil, err
		}
		return event.MessageFrom(msg), nil

	case FrameDelete:
		req, err := decode[messageRef](f.Payload)
		if err != nil {
			return nil, err
		}
		msg, err := c.hub.DeleteMessage(ctx, c.sess, req.MessageID)
		if err != nil {
			return nil, err
		}
		return event.MessageFrom(msg), nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", hub.ErrInvalidRequest, f.Type)
	}
}
