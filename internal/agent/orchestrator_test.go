package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

// scriptedSource replays fixed chunks and records the prompt it was given.
type scriptedSource struct {
	chunks  []completion.Chunk
	openErr error

	mu    sync.Mutex
	turns []completion.Turn
}

func (s *scriptedSource) Stream(ctx context.Context, turns []completion.Turn) (<-chan completion.Chunk, error) {
	s.mu.Lock()
	s.turns = turns
	s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	out := make(chan completion.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (s *scriptedSource) prompt() []completion.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// gatedSource sends first, then holds the stream open until gate closes or ctx ends.
type gatedSource struct {
	first, rest string
	gate        chan struct{}
}

func (s *gatedSource) Stream(ctx context.Context, turns []completion.Turn) (<-chan completion.Chunk, error) {
	out := make(chan completion.Chunk, 2)
	go func() {
		defer close(out)
		out <- completion.Chunk{Text: s.first}
		select {
		case <-s.gate:
			out <- completion.Chunk{Text: s.rest}
		case <-ctx.Done():
			out <- completion.Chunk{Err: ctx.Err()}
		}
	}()
	return out, nil
}

type recordingSink struct {
	id, userID string
	mu         sync.Mutex
	events     []broadcast.Event
}

func (s *recordingSink) ID() string     { return s.id }
func (s *recordingSink) UserID() string { return s.userID }
func (s *recordingSink) Deliver(ev broadcast.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) snapshot() []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broadcast.Event(nil), s.events...)
}

func (s *recordingSink) deltas() []event.Delta {
	var out []event.Delta
	for _, ev := range s.snapshot() {
		if d, ok := ev.Payload.(event.Delta); ok {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	store *store.MockStore
	bus   *broadcast.Broadcaster
	src   *scriptedSource
	orch  *Orchestrator
	agent *store.User
}

func newHarness(t *testing.T, src *scriptedSource, handles ...string) *harness {
	t.Helper()
	ctx := t.Context()
	s := store.NewMockStore()
	for _, h := range handles {
		require.NoError(t, s.CreateUser(ctx, &store.User{ID: h, Handle: h, DisplayName: h, CreatedAt: time.Now()}))
	}
	bus := broadcast.New(nil)
	orch := NewOrchestrator(s, membership.NewMutator(s, bus, nil), bus, src, Config{SystemPrompt: "be nice"}, nil)
	agentUser, err := orch.EnsureAgentUser(ctx)
	require.NoError(t, err)
	return &harness{store: s, bus: bus, src: src, orch: orch, agent: agentUser}
}

func (h *harness) conversation(t *testing.T, id string, kind store.ConversationKind, members ...string) *store.Conversation {
	t.Helper()
	now := time.Now()
	conv := &store.Conversation{ID: id, Kind: kind, CreatedAt: now}
	for _, m := range members {
		conv.Participants = append(conv.Participants, store.Participant{UserID: m, Role: store.RoleMember, JoinedAt: now})
	}
	require.NoError(t, h.store.CreateConversation(t.Context(), conv))
	return conv
}

func (h *harness) say(t *testing.T, convID, sender, text string) *store.Message {
	t.Helper()
	msg, _, err := h.store.InsertMessage(t.Context(), &store.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		SenderID:       sender,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	return msg
}

func (h *harness) watch(convID, userID string) *recordingSink {
	s := &recordingSink{id: userID + "-sink", userID: userID}
	h.bus.Subscribe(broadcast.ConversationGroup(convID), s)
	return s
}

func TestShouldReply(t *testing.T) {
	h := newHarness(t, &scriptedSource{}, "alice", "bob")
	agentID := h.agent.ID

	withAgent := &store.Conversation{ID: "c1", Kind: store.KindDirect, Participants: []store.Participant{{UserID: "alice"}, {UserID: agentID}}}
	humans := &store.Conversation{ID: "c2", Kind: store.KindDirect, Participants: []store.Participant{{UserID: "alice"}, {UserID: "bob"}}}
	group := &store.Conversation{ID: "c3", Kind: store.KindGroup, Participants: []store.Participant{{UserID: "alice"}, {UserID: "bob"}, {UserID: agentID}}}

	tests := []struct {
		name string
		conv *store.Conversation
		msg  *store.Message
		want bool
	}{
		{name: "one-on-one with agent", conv: withAgent, msg: &store.Message{SenderID: "alice", Text: "hello"}, want: true},
		{name: "agent never answers itself", conv: withAgent, msg: &store.Message{SenderID: agentID, Text: "hello @@"}, want: false},
		{name: "humans without trigger", conv: humans, msg: &store.Message{SenderID: "alice", Text: "hello"}, want: false},
		{name: "humans with trigger", conv: humans, msg: &store.Message{SenderID: "alice", Text: "thoughts? @@"}, want: true},
		{name: "group without trigger", conv: group, msg: &store.Message{SenderID: "bob", Text: "hello"}, want: false},
		{name: "group with trigger", conv: group, msg: &store.Message{SenderID: "bob", Text: "@@ summarize"}, want: true},
		{name: "image only to agent", conv: withAgent, msg: &store.Message{SenderID: "alice", MediaRef: "img-1"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.orch.ShouldReply(tt.conv, tt.msg))
		})
	}
}

func TestShouldReply_BeforeAgentKnown(t *testing.T) {
	orch := NewOrchestrator(store.NewMockStore(), nil, broadcast.New(nil), &scriptedSource{}, Config{}, nil)
	assert.False(t, orch.ShouldReply(&store.Conversation{}, &store.Message{Text: "@@"}))
}

func TestEnsureAgentUser_Idempotent(t *testing.T) {
	h := newHarness(t, &scriptedSource{})
	again, err := h.orch.EnsureAgentUser(t.Context())
	require.NoError(t, err)
	assert.Equal(t, h.agent.ID, again.ID)
	assert.Equal(t, "coven", again.Handle)
	assert.Equal(t, h.agent.ID, h.orch.AgentID())
}

func TestRun_StreamsReplyIntoGroupChat(t *testing.T) {
	src := &scriptedSource{chunks: []completion.Chunk{{Text: "Hello"}, {Text: ", "}, {Text: "world"}}}
	h := newHarness(t, src, "alice", "bob")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", "bob")
	bob := h.watch("c1", "bob")
	trigger := h.say(t, "c1", "alice", "what do you think @@")

	reply, err := h.orch.Run(t.Context(), conv, trigger)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", reply.Text)
	assert.Equal(t, h.agent.ID, reply.SenderID)

	stored, err := h.store.GetMessage(t.Context(), reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", stored.Text)

	updated, err := h.store.GetConversation(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.KindGroup, updated.Kind)
	assert.True(t, updated.HasParticipant(h.agent.ID))
	assert.Equal(t, store.RoleOwner, updated.Participant("alice").Role)

	events := bob.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, event.TypeConversationNew, events[0].Type)
	assert.Equal(t, event.TypeMessageNew, events[1].Type)
	placeholder := events[1].Payload.(event.Message)
	assert.Equal(t, reply.ID, placeholder.ID)
	assert.Empty(t, placeholder.Text)

	deltas := bob.deltas()
	require.Len(t, deltas, 3)
	for _, d := range deltas {
		assert.Equal(t, reply.ID, d.ID)
	}
	assert.Equal(t, []string{"Hello", "Hello, ", "Hello, world"}, []string{deltas[0].Text, deltas[1].Text, deltas[2].Text})
	assert.Equal(t, ", ", deltas[1].Delta)
}

func TestRun_PromptFromHistory(t *testing.T) {
	src := &scriptedSource{chunks: []completion.Chunk{{Text: "ok"}}}
	h := newHarness(t, src, "alice")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)

	h.say(t, "c1", "alice", "first")
	h.say(t, "c1", h.agent.ID, "sure")
	gone := h.say(t, "c1", "alice", "secret")
	_, err := h.store.DeleteMessage(t.Context(), gone.ID, "alice", time.Now())
	require.NoError(t, err)
	trigger := h.say(t, "c1", "alice", "@@ and now?")

	_, err = h.orch.Run(t.Context(), conv, trigger)
	require.NoError(t, err)

	assert.Equal(t, []completion.Turn{
		{Role: completion.RoleSystem, Content: "be nice"},
		{Role: completion.RoleUser, Content: "first"},
		{Role: completion.RoleAssistant, Content: "sure"},
		{Role: completion.RoleUser, Content: "and now?"},
	}, src.prompt())
}

func TestRun_PartialTextSurvivesFailure(t *testing.T) {
	src := &scriptedSource{chunks: []completion.Chunk{{Text: "Hel"}, {Err: errors.New("connection reset")}}}
	h := newHarness(t, src, "alice")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	alice := h.watch("c1", "alice")
	trigger := h.say(t, "c1", "alice", "hi")

	reply, err := h.orch.Run(t.Context(), conv, trigger)
	require.NoError(t, err)
	assert.Equal(t, "Hel", reply.Text)

	stored, err := h.store.GetMessage(t.Context(), reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hel", stored.Text)

	deltas := alice.deltas()
	require.Len(t, deltas, 2)
	assert.Equal(t, "", deltas[1].Delta)
	assert.Equal(t, "Hel", deltas[1].Text)
}

func TestRun_ErrorNoteWhenNothingArrived(t *testing.T) {
	src := &scriptedSource{openErr: errors.New("upstream unavailable")}
	h := newHarness(t, src, "alice")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	alice := h.watch("c1", "alice")
	trigger := h.say(t, "c1", "alice", "hi")

	reply, err := h.orch.Run(t.Context(), conv, trigger)
	require.NoError(t, err)
	assert.Equal(t, "(agent error: upstream unavailable)", reply.Text)

	events := alice.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeMessageNew, events[0].Type)
	final := events[1].Payload.(event.Delta)
	assert.Equal(t, reply.ID, final.ID)
	assert.Equal(t, reply.Text, final.Text)
}

func TestRun_OneReplyPerTrigger(t *testing.T) {
	src := &scriptedSource{chunks: []completion.Chunk{{Text: "once"}}}
	h := newHarness(t, src, "alice")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	trigger := h.say(t, "c1", "alice", "hi")

	_, err := h.orch.Run(t.Context(), conv, trigger)
	require.NoError(t, err)
	_, err = h.orch.Run(t.Context(), conv, trigger)
	assert.ErrorIs(t, err, ErrAlreadyTriggered)

	msgs, err := h.store.ListMessages(t.Context(), store.MessageQuery{ConversationID: "c1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestStart_DetachedAndDrainedOnShutdown(t *testing.T) {
	src := &scriptedSource{chunks: []completion.Chunk{{Text: "async"}}}
	h := newHarness(t, src, "alice")
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	trigger := h.say(t, "c1", "alice", "hi")

	h.orch.Start(conv, trigger)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	msgs, err := h.store.ListMessages(t.Context(), store.MessageQuery{ConversationID: "c1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, h.agent.ID, msgs[1].SenderID)
	assert.NotEmpty(t, msgs[1].Text)
}

// startGated runs a reply on a gated source and returns once its first delta was published.
func startGated(t *testing.T, h *harness, watcher *recordingSink, conv *store.Conversation, trigger *store.Message) (replyID string, done <-chan *store.Message) {
	t.Helper()
	out := make(chan *store.Message, 1)
	go func() {
		reply, err := h.orch.Run(context.Background(), conv, trigger)
		assert.NoError(t, err)
		out <- reply
	}()

	require.Eventually(t, func() bool { return len(watcher.deltas()) > 0 }, 2*time.Second, 5*time.Millisecond)
	return watcher.deltas()[0].ID, out
}

func TestRun_DeletedWhileStreamingGoesQuiet(t *testing.T) {
	src := &gatedSource{first: "secret", rest: " reply", gate: make(chan struct{})}
	h := newHarness(t, nil, "alice")
	h.orch.source = src
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	alice := h.watch("c1", "alice")
	trigger := h.say(t, "c1", "alice", "hi")

	replyID, done := startGated(t, h, alice, conv, trigger)

	_, err := h.store.DeleteMessage(t.Context(), replyID, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, h.orch.CancelReply(replyID))
	published := len(alice.deltas())
	close(src.gate)

	var reply *store.Message
	select {
	case reply = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply did not finish after cancel")
	}
	require.NotNil(t, reply)
	assert.True(t, reply.Deleted)
	assert.Empty(t, reply.Text)

	stored, err := h.store.GetMessage(t.Context(), replyID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.Empty(t, stored.Text)

	assert.Len(t, alice.deltas(), published, "no deltas after the delete")
	assert.False(t, h.orch.CancelReply(replyID), "finished replies are no longer tracked")
}

func TestRun_DeletedBeforePersistKeepsContentEmpty(t *testing.T) {
	src := &gatedSource{first: "secret", rest: " reply", gate: make(chan struct{})}
	h := newHarness(t, nil, "alice")
	h.orch.source = src
	conv := h.conversation(t, "c1", store.KindDirect, "alice", h.agent.ID)
	alice := h.watch("c1", "alice")
	trigger := h.say(t, "c1", "alice", "hi")

	replyID, done := startGated(t, h, alice, conv, trigger)

	_, err := h.store.DeleteMessage(t.Context(), replyID, "alice", time.Now())
	require.NoError(t, err)
	close(src.gate)

	reply := <-done
	require.NotNil(t, reply)
	assert.True(t, reply.Deleted)

	stored, err := h.store.GetMessage(t.Context(), replyID)
	require.NoError(t, err)
	assert.Empty(t, stored.Text)
	for _, d := range alice.deltas() {
		assert.NotEmpty(t, d.Delta, "no final delta for a deleted reply")
	}
}

func TestCancelReply_Unknown(t *testing.T) {
	h := newHarness(t, &scriptedSource{})
	assert.False(t, h.orch.CancelReply("nope"))
}
