// ABOUTME: Snapshot reads and conversation creation used by the REST surface
// ABOUTME: New conversations are announced on each participant's personal channel

package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

const (
	defaultUserLimit   = 50
	maxUserLimit       = 200
	defaultSearchLimit = 20
)

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation *store.Conversation
	LastMessage  *store.Message // nil when nothing has been said
	Unread       int            // messages from others after the user's read marker
}

// ListConversations returns the user's conversations, most recently active first.
func (h *Hub) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	convs, err := h.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum, err := h.summarize(ctx, c, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (h *Hub) summarize(ctx context.Context, conv *store.Conversation, userID string) (ConversationSummary, error) {
	sum := ConversationSummary{Conversation: conv}

	last, err := h.store.ListMessages(ctx, store.MessageQuery{ConversationID: conv.ID, Limit: 1})
	if err != nil {
		return sum, fmt.Errorf("loading last message: %w", err)
	}
	if len(last) > 0 {
		sum.LastMessage = last[0]
	}

	var since time.Time
	rs, err := h.reads.Get(ctx, conv.ID, userID)
	switch {
	case err == nil:
		since = rs.LastReadAt
	case !errors.Is(err, store.ErrNotFound):
		return sum, fmt.Errorf("loading read state: %w", err)
	}

	if sum.Unread, err = h.store.CountUnread(ctx, conv.ID, userID, since); err != nil {
		return sum, fmt.Errorf("counting unread: %w", err)
	}
	return sum, nil
}

// GetConversation returns one conversation of the user's, summarized.
func (h *Hub) GetConversation(ctx context.Context, userID, conversationID string) (ConversationSummary, error) {
	conv, err := h.conversationFor(ctx, conversationID, userID)
	if err != nil {
		return ConversationSummary{}, err
	}
	return h.summarize(ctx, conv, userID)
}

// AddMembers adds users to a conversation owned by userID. An unknown user
// fails the whole request; users already taking part are skipped.
func (h *Hub) AddMembers(ctx context.Context, userID, conversationID string, memberIDs []string) (*membership.Result, error) {
	conv, err := h.conversationFor(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Participant(userID).Role != store.RoleOwner {
		return nil, fmt.Errorf("%w: only an owner can add members", ErrPermissionDenied)
	}

	var users []*store.User
	seen := make(map[string]struct{})
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == userID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		u, err := h.store.GetUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", ErrInvalidRequest, id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading user: %w", err)
		}
		users = append(users, u)
	}

	return h.members.AddMembers(ctx, conv.ID, userID, users)
}

// ListUsers returns users other than userID ordered by handle.
func (h *Hub) ListUsers(ctx context.Context, userID string, limit int) ([]*store.User, error) {
	return h.findUsers(ctx, userID, "", clampLimit(limit, defaultUserLimit, maxUserLimit))
}

// SearchUsers returns up to 20 users other than userID whose handle or display
// name contains query. A blank query finds nobody.
func (h *Hub) SearchUsers(ctx context.Context, userID, query string) ([]*store.User, error) {
	query = strings.TrimPrefix(strings.TrimSpace(query), "@")
	if query == "" {
		return nil, nil
	}
	return h.findUsers(ctx, userID, query, defaultSearchLimit)
}

func (h *Hub) findUsers(ctx context.Context, userID, query string, limit int) ([]*store.User, error) {
	// One extra row covers the caller being filtered out.
	found, err := h.store.SearchUsers(ctx, query, limit+1)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	users := make([]*store.User, 0, len(found))
	for _, u := range found {
		if u.ID != userID && len(users) < limit {
			users = append(users, u)
		}
	}
	return users, nil
}

func (h *Hub) user(ctx context.Context, id string) (*store.User, error) {
	u, err := h.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, err
}

// CreateDirect returns the direct conversation between userID and otherID,
// creating it when none exists. created reports whether it was new.
func (h *Hub) CreateDirect(ctx context.Context, userID, otherID string) (conv *store.Conversation, created bool, err error) {
	if otherID == "" || otherID == userID {
		return nil, false, fmt.Errorf("%w: a direct conversation needs another user", ErrInvalidRequest)
	}
	if _, err := h.user(ctx, otherID); err != nil {
		return nil, false, err
	}

	h.directMu.Lock()
	defer h.directMu.Unlock()

	existing, err := h.store.FindDirectConversation(ctx, userID, otherID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("finding direct conversation: %w", err)
	}

	now := h.now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		Kind:      store.KindDirect,
		CreatedAt: now,
		Participants: []store.Participant{
			{UserID: userID, Role: store.RoleMember, JoinedAt: now},
			{UserID: otherID, Role: store.RoleMember, JoinedAt: now},
		},
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	h.announce(conv)
	return conv, true, nil
}

// CreateGroup creates a group owned by userID with the given members.
func (h *Hub) CreateGroup(ctx context.Context, userID, title string, memberIDs []string) (*store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = membership.DefaultGroupTitle
	}

	now := h.now().UTC()
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		Kind:         store.KindGroup,
		Title:        title,
		CreatedAt:    now,
		Participants: []store.Participant{{UserID: userID, Role: store.RoleOwner, JoinedAt: now}},
	}
	for _, id := range memberIDs {
		if id == "" || conv.HasParticipant(id) {
			continue
		}
		if _, err := h.user(ctx, id); err != nil {
			return nil, err
		}
		conv.Participants = append(conv.Participants, store.Participant{UserID: id, Role: store.RoleMember, JoinedAt: now})
	}

	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	h.announce(conv)
	return conv, nil
}

// announce tells every participant about a new conversation and subscribes their live sessions.
func (h *Hub) announce(conv *store.Conversation) {
	ev := event.ConversationNew(conv)
	group := broadcast.ConversationGroup(conv.ID)
	for _, p := range conv.Participants {
		h.bus.Publish(broadcast.UserGroup(p.UserID), ev)
		h.bus.SubscribeUser(p.UserID, group)
	}
	h.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"kind", conv.Kind,
		"participants", len(conv.Participants))
}

func clampLimit(limit, def, ceiling int) int {
	switch {
	case limit <= 0:
		return def
	case limit > ceiling:
		return ceiling
	}
	return limit
}

// ClampHistoryLimit bounds a page size. Zero or negative selects the default.
func ClampHistoryLimit(limit int) int {
	return clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)
}

// History returns up to limit messages created before `before` (zero for the
// newest), oldest first. Deleted messages are included as tombstones.
func (h *Hub) History(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]*store.Message, error) {
	if _, err := h.conversationFor(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return h.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		Before:         before,
		Limit:          ClampHistoryLimit(limit),
		IncludeDeleted: true,
	})
}

// OnlineAmong filters userIDs down to the users with a live session.
func (h *Hub) OnlineAmong(userIDs []string) []string {
	return h.presence.OnlineAmong(userIDs)
}

// IsOnline reports whether userID has a live session.
func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

// Connections returns how many live sessions userID has.
func (h *Hub) Connections(userID string) int {
	return len(h.presence.ConnectionsOf(userID))
}

// OnlineUsers returns how many users have at least one live session.
func (h *Hub) OnlineUsers() int {
	return h.presence.Count()
}
