// ABOUTME: Tests for the websocket transport
// ABOUTME: Dials a real httptest server and exchanges JSON frames

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/hub"
)

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?access_token=" + e.token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: typ, RequestID: requestID, Payload: raw}))
}

// readUntil reads frames until match returns true and returns every frame read.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) []Frame {
	t.Helper()
	var frames []Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if match(f) {
			return frames
		}
	}
}

func reply(requestID string) func(Frame) bool {
	return func(f Frame) bool {
		return f.RequestID == requestID && (f.Type == FrameAck || f.Type == FrameError)
	}
}

func ofType(typ string) func(Frame) bool {
	return func(f Frame) bool { return f.Type == typ }
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?access_token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	env := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_SendReachesOtherParticipant(t *testing.T) {
	env := newTestGateway(t)
	conv := env.direct(t, "alice", "bob")

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, FrameSend, "r1", hub.SendRequest{ConversationID: conv.ID, Text: "hello bob", ClientMessageID: "c-1"})

	frames := readUntil(t, alice, reply("r1"))
	ack := frames[len(frames)-1]
	require.Equal(t, FrameAck, ack.Type)
	var sent event.Message
	require.NoError(t, json.Unmarshal(ack.Payload, &sent))
	assert.Equal(t, "hello bob", sent.Text)
	assert.Equal(t, "alice", sent.SenderID)

	frames = readUntil(t, bob, ofType(event.TypeMessageNew))
	var got event.Message
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Empty(t, frames[len(frames)-1].RequestID)

	// Same client message id: acknowledged with the original message.
	send(t, alice, FrameSend, "r2", hub.SendRequest{ConversationID: conv.ID, Text: "hello bob", ClientMessageID: "c-1"})
	frames = readUntil(t, alice, reply("r2"))
	var again event.Message
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &again))
	assert.Equal(t, sent.ID, again.ID)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	env := newTestGateway(t)
	conv := env.direct(t, "alice", "bob")
	carol := env.dial(t, "carol")

	tests := []struct {
		name     string
		typ      string
		payload  any
		wantCode string
	}{
		{name: "unknown type", typ: "message:launch", payload: map[string]string{}, wantCode: hub.CodeInvalidArgument},
		{name: "not a member", typ: FrameSend, payload: hub.SendRequest{ConversationID: conv.ID, Text: "hi"}, wantCode: hub.CodeForbidden},
		{name: "empty message", typ: FrameSend, payload: hub.SendRequest{ConversationID: conv.ID}, wantCode: hub.CodeInvalidArgument},
		{name: "unknown message", typ: FrameRecall, payload: messageRef{MessageID: "missing"}, wantCode: hub.CodeNotFound},
		{name: "malformed payload", typ: FrameRead, payload: "not an object", wantCode: hub.CodeInvalidArgument},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "req-" + string(rune('a'+i))
			send(t, carol, tt.typ, id, tt.payload)
			frames := readUntil(t, carol, reply(id))
			f := frames[len(frames)-1]
			require.Equal(t, FrameError, f.Type)

			var p ErrorPayload
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			assert.Equal(t, tt.wantCode, p.Code)
			assert.NotEmpty(t, p.Message)
		})
	}
}

func TestWebSocket_TypingReadAndRecall(t *testing.T) {
	env := newTestGateway(t)
	conv := env.direct(t, "alice", "bob")
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	send(t, alice, FrameTyping, "t1", typingRequest{ConversationID: conv.ID, Text: "hel"})
	readUntil(t, alice, reply("t1"))
	frames := readUntil(t, bob, ofType(event.TypeTypingUpdate))
	var typing event.Typing
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &typing))
	assert.Equal(t, "hel", typing.Text)
	assert.Equal(t, "alice", typing.UserID)

	send(t, alice, FrameSend, "s1", hub.SendRequest{ConversationID: conv.ID, Text: "hello"})
	frames = readUntil(t, alice, reply("s1"))
	var msg event.Message
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &msg))

	send(t, bob, FrameRead, "m1", readRequest{ConversationID: conv.ID, MessageID: msg.ID})
	frames = readUntil(t, bob, reply("m1"))
	var rr readResult
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &rr))
	assert.True(t, rr.Advanced)
	readUntil(t, alice, ofType(event.TypeReadUpdate))

	send(t, alice, FrameRecall, "x1", messageRef{MessageID: msg.ID})
	frames = readUntil(t, alice, reply("x1"))
	require.Equal(t, FrameAck, frames[len(frames)-1].Type)
	frames = readUntil(t, bob, ofType(event.TypeMessageUpdated))
	var recalled event.Message
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &recalled))
	assert.True(t, recalled.Recalled)

	send(t, bob, FrameDelete, "d1", messageRef{MessageID: msg.ID})
	frames = readUntil(t, bob, reply("d1"))
	require.Equal(t, FrameError, frames[len(frames)-1].Type, "only the sender or an owner may delete")
}

func TestWebSocket_JoinAndLeave(t *testing.T) {
	env := newTestGateway(t)
	conv := env.direct(t, "alice", "bob")
	alice := env.dial(t, "alice")

	send(t, alice, FrameLeave, "l1", conversationRef{ConversationID: conv.ID})
	frames := readUntil(t, alice, reply("l1"))
	assert.Equal(t, FrameAck, frames[len(frames)-1].Type)

	send(t, alice, FrameJoin, "j1", conversationRef{ConversationID: conv.ID})
	frames = readUntil(t, alice, reply("j1"))
	require.Equal(t, FrameAck, frames[len(frames)-1].Type)
	var view event.Conversation
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &view))
	assert.Equal(t, conv.ID, view.ID)
	assert.Len(t, view.Participants, 2)
}

func TestWebSocket_PresenceFollowsConnection(t *testing.T) {
	env := newTestGateway(t)
	env.direct(t, "alice", "bob")

	bob := env.dial(t, "bob")
	alice := env.dial(t, "alice")
	assert.Eventually(t, func() bool { return env.hub.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)

	frames := readUntil(t, bob, ofType(event.TypePresenceUpdate))
	var p event.Presence
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.Online)

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = alice.Close()

	assert.Eventually(t, func() bool { return !env.hub.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
	frames = readUntil(t, bob, ofType(event.TypePresenceUpdate))
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &p))
	assert.False(t, p.Online)
}
