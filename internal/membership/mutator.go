// ABOUTME: Adds mentioned users to conversations and upgrades direct chats to groups
// ABOUTME: Notifies new members on their personal channel and subscribes their live connections

package membership

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultGroupTitle is assigned when a direct conversation becomes a group without a title.
const DefaultGroupTitle = "New group"

const lockStripes = 64

// Store is the subset of store.Store the mutator needs.
type Store interface {
	GetUserByHandle(ctx context.Context, handle string) (*store.User, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	AddParticipant(ctx context.Context, conversationID string, p store.Participant) (bool, error)
	SetParticipantRole(ctx context.Context, conversationID, userID string, role store.Role) error
}

// Result describes a membership change.
type Result struct {
	Conversation *store.Conversation // state after the change
	Added        []*store.User
	Upgraded     bool // direct conversation became a group
}

// Mutator changes conversation membership. Changes to one conversation are
// serialized so concurrent mentions cannot both claim ownership.
type Mutator struct {
	store  Store
	bus    *broadcast.Broadcaster
	now    func() time.Time
	locks  [lockStripes]sync.Mutex
	logger *slog.Logger
}

// NewMutator creates a membership mutator. Pass nil logger for default.
func NewMutator(s Store, bus *broadcast.Broadcaster, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{
		store:  s,
		bus:    bus,
		now:    time.Now,
		logger: logger.With("component", "membership"),
	}
}

func (m *Mutator) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &m.locks[h.Sum32()%lockStripes]
}

// ApplyMentions adds every user mentioned in text who is not already a
// participant. Handles that resolve to no user are ignored, as is the acting
// user mentioning themselves.
func (m *Mutator) ApplyMentions(ctx context.Context, conversationID, text, actingUserID string) (*Result, error) {
	handles := ExtractMentions(text)
	if len(handles) == 0 {
		return m.unchanged(ctx, conversationID)
	}

	var users []*store.User
	for _, h := range handles {
		u, err := m.store.GetUserByHandle(ctx, h)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("mention did not resolve", "handle", h, "conversation_id", conversationID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving @%s: %w", h, err)
		}
		users = append(users, u)
	}

	return m.AddMembers(ctx, conversationID, actingUserID, users)
}

func (m *Mutator) unchanged(ctx context.Context, conversationID string) (*Result, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Result{Conversation: conv}, nil
}

// AddMembers adds users to the conversation on behalf of actingUserID.
// If anyone is actually added to a direct conversation, it becomes a group:
// the acting user is made owner when no owner exists and the default title is
// set when none exists. Each new member's live connections are subscribed to
// the conversation and conversation:new is sent to their personal channel and
// to the conversation.
func (m *Mutator) AddMembers(ctx context.Context, conversationID, actingUserID string, users []*store.User) (*Result, error) {
	mu := m.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var candidates []*store.User
	seen := make(map[string]struct{})
	for _, u := range users {
		if u == nil || u.ID == actingUserID || conv.HasParticipant(u.ID) {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		candidates = append(candidates, u)
	}

	result := &Result{Conversation: conv}
	if len(candidates) == 0 {
		return result, nil
	}

	if conv.Kind == store.KindDirect {
		if err := m.upgrade(ctx, conv, actingUserID); err != nil {
			return nil, err
		}
		result.Upgraded = true
	}

	now := m.now()
	for _, u := range candidates {
		p := store.Participant{UserID: u.ID, Role: store.RoleMember, JoinedAt: now}
		added, err := m.store.AddParticipant(ctx, conv.ID, p)
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", u.Handle, err)
		}
		if !added {
			continue
		}
		conv.Participants = append(conv.Participants, p)
		result.Added = append(result.Added, u)
	}

	m.announce(conv, result.Added)

	m.logger.Info("conversation membership changed",
		"conversation_id", conv.ID,
		"added", len(result.Added),
		"upgraded", result.Upgraded,
		"acting_user", actingUserID)
	return result, nil
}

// upgrade converts a direct conversation into a group in place.
func (m *Mutator) upgrade(ctx context.Context, conv *store.Conversation, actingUserID string) error {
	conv.Kind = store.KindGroup
	if conv.Title == "" {
		conv.Title = DefaultGroupTitle
	}
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("upgrading conversation: %w", err)
	}

	if !conv.HasOwner() {
		if p := conv.Participant(actingUserID); p != nil {
			if err := m.store.SetParticipantRole(ctx, conv.ID, actingUserID, store.RoleOwner); err != nil {
				return fmt.Errorf("assigning owner: %w", err)
			}
			p.Role = store.RoleOwner
		}
	}
	return nil
}

func (m *Mutator) announce(conv *store.Conversation, added []*store.User) {
	if m.bus == nil || len(added) == 0 {
		return
	}
	group := broadcast.ConversationGroup(conv.ID)
	ev := event.ConversationNew(conv)

	// Existing members learn about the change before new members are subscribed,
	// so nobody receives it twice.
	m.bus.Publish(group, ev)
	for _, u := range added {
		m.bus.Publish(broadcast.UserGroup(u.ID), ev)
		m.bus.SubscribeUser(u.ID, group)
	}
}
