// ABOUTME: Tests for mention-driven membership changes
// ABOUTME: Covers group upgrade, owner assignment, unresolved handles and notifications

package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/store"
)

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

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store   *store.MockStore
	bus     *broadcast.Broadcaster
	mutator *Mutator
}

func newFixture(t *testing.T, handles ...string) *fixture {
	t.Helper()
	s := store.NewMockStore()
	for _, h := range handles {
		require.NoError(t, s.CreateUser(t.Context(), &store.User{ID: h, Handle: h, DisplayName: h, CreatedAt: time.Now()}))
	}
	bus := broadcast.New(nil)
	return &fixture{store: s, bus: bus, mutator: NewMutator(s, bus, nil)}
}

func (f *fixture) direct(t *testing.T, id, a, b string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.store.CreateConversation(t.Context(), &store.Conversation{
		ID:        id,
		Kind:      store.KindDirect,
		CreatedAt: now,
		Participants: []store.Participant{
			{UserID: a, Role: store.RoleMember, JoinedAt: now},
			{UserID: b, Role: store.RoleMember, JoinedAt: now},
		},
	}))
}

func (f *fixture) connect(userID, sessionID string, conversations ...string) *recordingSink {
	s := &recordingSink{id: sessionID, userID: userID}
	f.bus.Subscribe(broadcast.UserGroup(userID), s)
	for _, c := range conversations {
		f.bus.Subscribe(broadcast.ConversationGroup(c), s)
	}
	return s
}

func TestApplyMentions_UpgradesDirectToGroup(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.direct(t, "c1", "alice", "bob")
	bob := f.connect("bob", "bob-1", "c1")
	carol := f.connect("carol", "carol-1")

	res, err := f.mutator.ApplyMentions(t.Context(), "c1", "hi @carol, check this @@", "alice")
	require.NoError(t, err)

	assert.True(t, res.Upgraded)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "carol", res.Added[0].ID)

	conv, err := f.store.GetConversation(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.KindGroup, conv.Kind)
	assert.Equal(t, DefaultGroupTitle, conv.Title)
	assert.Equal(t, []string{"alice", "bob", "carol"}, conv.ParticipantIDs())
	assert.Equal(t, store.RoleOwner, conv.Participant("alice").Role)
	assert.Equal(t, store.RoleMember, conv.Participant("bob").Role)

	assert.Equal(t, []string{event.TypeConversationNew}, carol.types(), "carol hears once on her personal channel")
	assert.Equal(t, []string{event.TypeConversationNew}, bob.types())
	assert.True(t, f.bus.IsSubscribed(broadcast.ConversationGroup("c1"), "carol-1"))
}

func TestApplyMentions_KeepsExistingTitleAndOwner(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	ctx := t.Context()
	now := time.Now()
	require.NoError(t, f.store.CreateConversation(ctx, &store.Conversation{
		ID: "g1", Kind: store.KindGroup, Title: "Planning", CreatedAt: now,
		Participants: []store.Participant{
			{UserID: "bob", Role: store.RoleOwner, JoinedAt: now},
			{UserID: "alice", Role: store.RoleMember, JoinedAt: now},
			{UserID: "carol", Role: store.RoleMember, JoinedAt: now},
		},
	}))

	res, err := f.mutator.ApplyMentions(ctx, "g1", "@dave join us", "alice")
	require.NoError(t, err)
	assert.False(t, res.Upgraded)
	require.Len(t, res.Added, 1)

	conv, err := f.store.GetConversation(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "Planning", conv.Title)
	assert.Equal(t, store.RoleOwner, conv.Participant("bob").Role)
	assert.Equal(t, store.RoleMember, conv.Participant("alice").Role)
}

func TestApplyMentions_NoEffectCases(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "bot trigger only", text: "@@"},
		{name: "self mention", text: "it's me @alice"},
		{name: "existing participant", text: "@bob hello"},
		{name: "unresolved handle", text: "@nobody are you there"},
		{name: "no mentions", text: "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "alice", "bob")
			f.direct(t, "c1", "alice", "bob")
			bob := f.connect("bob", "bob-1", "c1")

			res, err := f.mutator.ApplyMentions(t.Context(), "c1", tt.text, "alice")
			require.NoError(t, err)
			assert.Empty(t, res.Added)
			assert.False(t, res.Upgraded)
			assert.Equal(t, store.KindDirect, res.Conversation.Kind)
			assert.Len(t, res.Conversation.Participants, 2)
			assert.Empty(t, bob.types())
		})
	}
}

func TestApplyMentions_DoubleMentionAddsOnce(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.direct(t, "c1", "alice", "bob")

	res, err := f.mutator.ApplyMentions(t.Context(), "c1", "@carol @Carol", "alice")
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)

	res, err = f.mutator.ApplyMentions(t.Context(), "c1", "@carol again", "bob")
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Len(t, res.Conversation.Participants, 3)
}

func TestApplyMentions_MixedResolvedAndUnresolved(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.direct(t, "c1", "alice", "bob")

	res, err := f.mutator.ApplyMentions(t.Context(), "c1", "@ghost @carol", "alice")
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "carol", res.Added[0].ID)
}

func TestApplyMentions_UnknownConversation(t *testing.T) {
	f := newFixture(t, "alice", "carol")
	_, err := f.mutator.ApplyMentions(t.Context(), "missing", "@carol", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddMembers_ConcurrentUpgradeHasOneOwner(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	f.direct(t, "c1", "alice", "bob")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.mutator.ApplyMentions(t.Context(), "c1", "@carol", "alice")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.mutator.ApplyMentions(t.Context(), "c1", "@dave", "bob")
		assert.NoError(t, err)
	}()
	wg.Wait()

	conv, err := f.store.GetConversation(t.Context(), "c1")
	require.NoError(t, err)
	owners := 0
	for _, p := range conv.Participants {
		if p.Role == store.RoleOwner {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	assert.Len(t, conv.Participants, 4)
}
