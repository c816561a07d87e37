// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines users, conversations, participants, messages and read state

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (user handle, conversation id) is already taken
var ErrDuplicate = errors.New("already exists")

// ErrMessageDeleted is returned when recalling or rewriting a message that has been deleted
var ErrMessageDeleted = errors.New("message deleted")

// User is a stable identity that can take part in conversations.
type User struct {
	ID          string
	Handle      string // unique, stored lower-case
	DisplayName string
	CreatedAt   time.Time
}

// ConversationKind distinguishes two-person chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Role is a participant's standing in a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

// Participant links a user to a conversation.
type Participant struct {
	UserID   string
	Role     Role
	JoinedAt time.Time
}

// Conversation is a direct chat or a group. Participants are ordered by JoinedAt.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Title        string
	CreatedAt    time.Time
	Participants []Participant
}

// HasParticipant reports whether userID is in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant(userID) != nil
}

// Participant returns the participant entry for userID, or nil.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasOwner reports whether any participant holds the owner role.
func (c *Conversation) HasOwner() bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool {
		return p.Role == RoleOwner
	})
}

// ParticipantIDs returns the user IDs in join order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// Message is a single chat message. Text and MediaRef are empty when absent.
// RecalledAt/DeletedAt are set once the message reaches that terminal state.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Text            string
	MediaRef        string
	ClientMessageID string
	CreatedAt       time.Time

	Recalled   bool
	RecalledAt *time.Time
	RecalledBy string

	Deleted   bool
	DeletedAt *time.Time
	DeletedBy string
}

// ReadState is a user's last-read marker within a conversation.
type ReadState struct {
	ConversationID    string
	UserID            string
	LastReadMessageID string
	LastReadAt        time.Time
	UpdatedAt         time.Time
}

// DefaultSearchLimit caps SearchUsers when no positive limit is given.
const DefaultSearchLimit = 20

// MessageQuery selects the newest Limit messages of a conversation, returned oldest first.
type MessageQuery struct {
	ConversationID string
	Before         time.Time // zero means no upper bound
	Limit          int
	IncludeDeleted bool
}

// Store defines the interface for chat persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByHandle(ctx context.Context, handle string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// SearchUsers matches query against handle and display name, ignoring case.
	// An empty query matches everyone.
	SearchUsers(ctx context.Context, query string, limit int) ([]*User, error)

	// Conversations and participants
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
	AddParticipant(ctx context.Context, conversationID string, p Participant) (bool, error)
	SetParticipantRole(ctx context.Context, conversationID, userID string, role Role) error

	// Messages
	// InsertMessage stores msg unless a message with the same (conversation, sender,
	// client message id) exists, in which case the existing one is returned with created=false.
	InsertMessage(ctx context.Context, msg *Message) (stored *Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// UpdateMessageText returns ErrMessageDeleted, and writes nothing, for a deleted message.
	UpdateMessageText(ctx context.Context, id, text string) error
	RecallMessage(ctx context.Context, id, by string, at time.Time) (*Message, error)
	DeleteMessage(ctx context.Context, id, by string, at time.Time) (*Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error)
	// CountUnread counts live messages from other senders created after since.
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)

	// Read state
	// AdvanceReadState writes rs only if rs.LastReadAt is strictly newer than the stored value.
	AdvanceReadState(ctx context.Context, rs *ReadState) (bool, error)
	GetReadState(ctx context.Context, conversationID, userID string) (*ReadState, error)

	// Close releases any resources held by the store
	Close() error
}
