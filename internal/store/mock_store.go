// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User         // keyed by user ID
	handles       map[string]string        // lower-case handle -> user ID
	conversations map[string]*Conversation // keyed by conversation ID
	activity      map[string]time.Time     // conversation ID -> last activity
	messages      map[string]*Message      // keyed by message ID
	order         map[string][]string      // conversation ID -> message IDs in insertion order
	clientIDs     map[string]string        // "conv:sender:clientID" -> message ID
	readStates    map[string]*ReadState    // "conv:user" -> state
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		handles:       make(map[string]string),
		conversations: make(map[string]*Conversation),
		activity:      make(map[string]time.Time),
		messages:      make(map[string]*Message),
		order:         make(map[string][]string),
		clientIDs:     make(map[string]string),
		readStates:    make(map[string]*ReadState),
	}
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	return &out
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Handle = strings.ToLower(user.Handle)
	if _, taken := m.handles[user.Handle]; taken {
		return ErrDuplicate
	}
	if _, taken := m.users[user.ID]; taken {
		return ErrDuplicate
	}
	u := *user
	m.users[u.ID] = &u
	m.handles[u.Handle] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByHandle retrieves a user by handle, ignoring case.
func (m *MockStore) GetUserByHandle(ctx context.Context, handle string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.handles[strings.ToLower(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.users[id]
	return &result, nil
}

// ListUsers returns all users ordered by handle.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		users = append(users, &c)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Handle < users[j].Handle })
	return users, nil
}

// SearchUsers returns users whose handle or display name contains query, ordered by handle.
func (m *MockStore) SearchUsers(ctx context.Context, query string, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	all, _ := m.ListUsers(ctx)
	q := strings.ToLower(strings.TrimSpace(query))

	var users []*User
	for _, u := range all {
		if len(users) == limit {
			break
		}
		if strings.Contains(u.Handle, q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			users = append(users, u)
		}
	}
	return users, nil
}

// CreateConversation stores a conversation with its participants.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	m.conversations[conv.ID] = copyConversation(conv)
	m.activity[conv.ID] = conv.CreatedAt
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// UpdateConversation writes kind and title.
func (m *MockStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	c.Kind = conv.Kind
	c.Title = conv.Title
	return nil
}

// FindDirectConversation returns the direct conversation between two users.
func (m *MockStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, c := range m.conversations {
		if c.Kind != KindDirect || !c.HasParticipant(userA) || !c.HasParticipant(userB) {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found), nil
}

// ListConversationsForUser returns conversations userID takes part in, most recently active first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			convs = append(convs, copyConversation(c))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return m.activity[convs[i].ID].After(m.activity[convs[j].ID])
	})
	return convs, nil
}

// AddParticipant appends p unless the user is already a participant.
func (m *MockStore) AddParticipant(ctx context.Context, conversationID string, p Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if c.HasParticipant(p.UserID) {
		return false, nil
	}
	c.Participants = append(c.Participants, p)
	return true, nil
}

// SetParticipantRole changes a participant's role.
func (m *MockStore) SetParticipantRole(ctx context.Context, conversationID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	p := c.Participant(userID)
	if p == nil {
		return ErrNotFound
	}
	p.Role = role
	return nil
}

// InsertMessage stores msg, or returns the message already stored under the same client id.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key string
	if msg.ClientMessageID != "" {
		key = msg.ConversationID + ":" + msg.SenderID + ":" + msg.ClientMessageID
		if id, ok := m.clientIDs[key]; ok {
			return copyMessage(m.messages[id]), false, nil
		}
	}
	if _, exists := m.messages[msg.ID]; exists {
		return nil, false, ErrDuplicate
	}

	stored := copyMessage(msg)
	m.messages[stored.ID] = stored
	m.order[stored.ConversationID] = append(m.order[stored.ConversationID], stored.ID)
	m.activity[stored.ConversationID] = stored.CreatedAt
	if key != "" {
		m.clientIDs[key] = stored.ID
	}
	return copyMessage(stored), true, nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// UpdateMessageText replaces the text of a message unless it was deleted.
func (m *MockStore) UpdateMessageText(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Deleted {
		return ErrMessageDeleted
	}
	msg.Text = text
	return nil
}

// RecallMessage clears content and marks the message recalled.
func (m *MockStore) RecallMessage(ctx context.Context, id, by string, at time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Deleted {
		return nil, ErrMessageDeleted
	}
	if !msg.Recalled {
		t := at
		msg.Text = ""
		msg.MediaRef = ""
		msg.Recalled = true
		msg.RecalledAt = &t
		msg.RecalledBy = by
	}
	return copyMessage(msg), nil
}

// DeleteMessage marks the message deleted once.
func (m *MockStore) DeleteMessage(ctx context.Context, id, by string, at time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !msg.Deleted {
		t := at
		msg.Deleted = true
		msg.DeletedAt = &t
		msg.DeletedBy = by
	}
	return copyMessage(msg), nil
}

// ListMessages returns the newest q.Limit matching messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var matched []*Message
	for _, id := range m.order[q.ConversationID] {
		msg := m.messages[id]
		if !q.IncludeDeleted && msg.Deleted {
			continue
		}
		if !q.Before.IsZero() && !msg.CreatedAt.Before(q.Before) {
			continue
		}
		matched = append(matched, copyMessage(msg))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// CountUnread counts non-deleted messages not sent by userID created after since.
func (m *MockStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, id := range m.order[conversationID] {
		msg := m.messages[id]
		if msg.Deleted || msg.SenderID == userID {
			continue
		}
		if !since.IsZero() && !msg.CreatedAt.After(since) {
			continue
		}
		n++
	}
	return n, nil
}

// AdvanceReadState stores rs if it is strictly newer than the current marker.
func (m *MockStore) AdvanceReadState(ctx context.Context, rs *ReadState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rs.ConversationID + ":" + rs.UserID
	if cur, ok := m.readStates[key]; ok && !rs.LastReadAt.After(cur.LastReadAt) {
		return false, nil
	}
	c := *rs
	m.readStates[key] = &c
	return true, nil
}

// GetReadState retrieves the read marker for a user in a conversation.
func (m *MockStore) GetReadState(ctx context.Context, conversationID, userID string) (*ReadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.readStates[conversationID+":"+userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rs
	return &c, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
