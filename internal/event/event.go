// ABOUTME: Server-pushed event names and their JSON payloads
// ABOUTME: Converts store records into the views clients receive

package event

import (
	"time"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/store"
)

// Event type names as seen on the wire.
const (
	TypePresenceUpdate  = "presence:update"
	TypeMessageNew      = "message:new"
	TypeMessageDelta    = "message:delta"
	TypeMessageUpdated  = "message:updated"
	TypeMessageDeleted  = "message:deleted"
	TypeReadUpdate      = "read:update"
	TypeTypingUpdate    = "typing:update"
	TypeConversationNew = "conversation:new"
)

// Message is the client view of a message. Content of deleted messages is withheld.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderID        string     `json:"sender_id"`
	Text            string     `json:"text,omitempty"`
	MediaRef        string     `json:"media_ref,omitempty"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Recalled        bool       `json:"recalled,omitempty"`
	RecalledAt      *time.Time `json:"recalled_at,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// MessageFrom builds the client view of m.
func MessageFrom(m *store.Message) Message {
	v := Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Text:            m.Text,
		MediaRef:        m.MediaRef,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
		Recalled:        m.Recalled,
		RecalledAt:      m.RecalledAt,
		Deleted:         m.Deleted,
		DeletedAt:       m.DeletedAt,
	}
	if m.Deleted {
		v.Text = ""
		v.MediaRef = ""
	}
	return v
}

// Participant is the client view of a conversation member.
type Participant struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Conversation is the client view of a conversation.
type Conversation struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Title        string        `json:"title,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Participants []Participant `json:"participants"`
}

// ConversationFrom builds the client view of c.
func ConversationFrom(c *store.Conversation) Conversation {
	v := Conversation{
		ID:           c.ID,
		Kind:         string(c.Kind),
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		Participants: make([]Participant, len(c.Participants)),
	}
	for i, p := range c.Participants {
		v.Participants[i] = Participant{UserID: p.UserID, Role: string(p.Role), JoinedAt: p.JoinedAt}
	}
	return v
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// SummaryFrom builds the listing view of c. last may be nil.
func SummaryFrom(c *store.Conversation, last *store.Message, unread int) ConversationSummary {
	v := ConversationSummary{Conversation: ConversationFrom(c), UnreadCount: unread}
	if last != nil {
		m := MessageFrom(last)
		v.LastMessage = &m
	}
	return v
}

// Presence announces a user's overall online state.
type Presence struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Delta carries one streamed chunk and the text accumulated so far.
type Delta struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Delta          string `json:"delta"`
	Text           string `json:"text"`
}

// Read announces that a user's read marker moved.
type Read struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageID      string    `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

// Typing carries a user's draft text. It is never persisted.
type Typing struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

// Deleted announces that a message was deleted.
type Deleted struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	DeletedBy      string    `json:"deleted_by"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// MessageNew wraps a freshly stored message.
func MessageNew(m *store.Message) broadcast.Event {
	return broadcast.Event{Type: TypeMessageNew, Payload: MessageFrom(m)}
}

// MessageUpdated wraps a message whose content or state changed.
func MessageUpdated(m *store.Message) broadcast.Event {
	return broadcast.Event{Type: TypeMessageUpdated, Payload: MessageFrom(m)}
}

// MessageDeleted wraps a deletion notice.
func MessageDeleted(m *store.Message) broadcast.Event {
	d := Deleted{ID: m.ID, ConversationID: m.ConversationID, DeletedBy: m.DeletedBy}
	if m.DeletedAt != nil {
		d.DeletedAt = *m.DeletedAt
	}
	return broadcast.Event{Type: TypeMessageDeleted, Payload: d}
}

// MessageDelta wraps one streamed chunk.
func MessageDelta(id, conversationID, delta, text string) broadcast.Event {
	return broadcast.Event{Type: TypeMessageDelta, Payload: Delta{
		ID:             id,
		ConversationID: conversationID,
		Delta:          delta,
		Text:           text,
	}}
}

// ConversationNew wraps a conversation that was created or whose membership changed.
func ConversationNew(c *store.Conversation) broadcast.Event {
	return broadcast.Event{Type: TypeConversationNew, Payload: ConversationFrom(c)}
}

// PresenceUpdate wraps a presence transition.
func PresenceUpdate(userID string, online bool, at time.Time) broadcast.Event {
	return broadcast.Event{Type: TypePresenceUpdate, Payload: Presence{UserID: userID, Online: online, At: at}}
}

// ReadUpdate wraps a read marker change.
func ReadUpdate(r Read) broadcast.Event {
	return broadcast.Event{Type: TypeReadUpdate, Payload: r}
}

// TypingUpdate wraps a typing notice.
func TypingUpdate(t Typing) broadcast.Event {
	return broadcast.Event{Type: TypeTypingUpdate, Payload: t}
}
