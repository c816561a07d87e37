// ABOUTME: ChatSessionHub multiplexes user connections onto conversations
// ABOUTME: Validates membership, persists through the store and fans events out to live sessions

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/readstate"
	"github.com/2389/coven-chat/internal/store"
)

const (
	defaultRecallWindow  = 2 * time.Minute
	defaultSessionBuffer = 256

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config tunes hub behavior.
type Config struct {
	RecallWindow  time.Duration
	SessionBuffer int
}

// Replier decides whether a stored message deserves an automated reply and
// produces it in the background.
type Replier interface {
	ShouldReply(conv *store.Conversation, msg *store.Message) bool
	Start(conv *store.Conversation, trigger *store.Message)
	// CancelReply stops a reply still streaming into messageID.
	CancelReply(messageID string) bool
}

// Options carries the hub's collaborators. Presence, ReadState, Broadcaster
// and Members are created when nil; Replier is optional.
type Options struct {
	Store       store.Store
	Verifier    auth.TokenVerifier
	Broadcaster *broadcast.Broadcaster
	Presence    *presence.Tracker
	ReadState   *readstate.Tracker
	Members     *membership.Mutator
	Replier     Replier
}

// Hub is the chat session state machine. It is safe for concurrent use; each
// connection calls into it from its own goroutine.
type Hub struct {
	store    store.Store
	verifier auth.TokenVerifier
	bus      *broadcast.Broadcaster
	presence *presence.Tracker
	reads    *readstate.Tracker
	members  *membership.Mutator
	replier  Replier
	cfg      Config

	directMu sync.Mutex // serializes find-or-create of direct conversations

	now    func() time.Time
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a hub. Pass nil logger for default.
func New(opts Options, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecallWindow <= 0 {
		cfg.RecallWindow = defaultRecallWindow
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = defaultSessionBuffer
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = broadcast.New(logger)
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewTracker()
	}
	if opts.ReadState == nil {
		opts.ReadState = readstate.NewTracker(opts.Store, logger)
	}
	if opts.Members == nil {
		opts.Members = membership.NewMutator(opts.Store, opts.Broadcaster, logger)
	}

	return &Hub{
		store:    opts.Store,
		verifier: opts.Verifier,
		bus:      opts.Broadcaster,
		presence: opts.Presence,
		reads:    opts.ReadState,
		members:  opts.Members,
		replier:  opts.Replier,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/2389/coven-chat/internal/hub"),
		logger:   logger.With("component", "hub"),
	}
}

// Connect authenticates token and opens a session subscribed to the user's
// personal group and every conversation the user takes part in.
func (h *Hub) Connect(ctx context.Context, token string) (*Session, error) {
	if h.verifier == nil || strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, err := h.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return h.Attach(ctx, user)
}

// Attach opens a session for an already authenticated user.
func (h *Hub) Attach(ctx context.Context, user *store.User) (*Session, error) {
	convs, err := h.store.ListConversationsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	sess := newSession(uuid.New().String(), *user, h.cfg.SessionBuffer)
	h.bus.Subscribe(broadcast.UserGroup(user.ID), sess)
	for _, c := range convs {
		h.bus.Subscribe(broadcast.ConversationGroup(c.ID), sess)
	}

	if h.presence.Open(user.ID, sess.ID()) {
		ev := event.PresenceUpdate(user.ID, true, h.now().UTC())
		for _, c := range convs {
			h.bus.PublishExceptUser(broadcast.ConversationGroup(c.ID), ev, user.ID)
		}
	}

	h.logger.Info("session connected",
		"session_id", sess.ID(),
		"user_id", user.ID,
		"conversations", len(convs))
	return sess, nil
}

// Disconnect tears a session down. When it was the user's last connection the
// user's conversations learn that the user went offline. Calling it twice is a no-op.
func (h *Hub) Disconnect(ctx context.Context, sess *Session) {
	if sess == nil || !sess.disconnected.CompareAndSwap(false, true) {
		return
	}

	h.bus.UnsubscribeAll(sess.ID())
	sess.close()

	if !h.presence.Close(sess.UserID(), sess.ID()) {
		h.logger.Info("session disconnected", "session_id", sess.ID(), "user_id", sess.UserID())
		return
	}

	convs, err := h.store.ListConversationsForUser(ctx, sess.UserID())
	if err != nil {
		h.logger.Error("failed to list conversations for offline notice", "user_id", sess.UserID(), "error", err)
		return
	}
	ev := event.PresenceUpdate(sess.UserID(), false, h.now().UTC())
	for _, c := range convs {
		h.bus.Publish(broadcast.ConversationGroup(c.ID), ev)
	}
	h.logger.Info("user went offline", "session_id", sess.ID(), "user_id", sess.UserID(), "kicked", sess.Kicked())
}

// conversationFor loads a conversation and checks that userID takes part in it.
func (h *Hub) conversationFor(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	}
	conv, err := h.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotAMember, conversationID)
	}
	return conv, nil
}

func (h *Hub) message(ctx context.Context, messageID string) (*store.Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	msg, err := h.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	return msg, nil
}

// JoinConversation subscribes the session to a conversation it takes part in.
func (h *Hub) JoinConversation(ctx context.Context, sess *Session, conversationID string) (*store.Conversation, error) {
	conv, err := h.conversationFor(ctx, conversationID, sess.UserID())
	if err != nil {
		return nil, err
	}
	h.bus.Subscribe(broadcast.ConversationGroup(conv.ID), sess)
	return conv, nil
}

// LeaveConversation stops delivering the conversation's events to the session.
// Membership is unchanged.
func (h *Hub) LeaveConversation(sess *Session, conversationID string) {
	h.bus.Unsubscribe(broadcast.ConversationGroup(conversationID), sess.ID())
}

// SendRequest is a new message from a client.
type SendRequest struct {
	ConversationID  string `json:"conversation_id"`
	Text            string `json:"text,omitempty"`
	MediaRef        string `json:"media_ref,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// SendMessage stores and broadcasts a message. Resending the same client
// message id returns the original message without any side effects.
func (h *Hub) SendMessage(ctx context.Context, sess *Session, req SendRequest) (*store.Message, error) {
	ctx, span := h.tracer.Start(ctx, "hub.SendMessage", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	text := strings.TrimSpace(req.Text)
	media := strings.TrimSpace(req.MediaRef)
	if text == "" && media == "" {
		return nil, fmt.Errorf("%w: message needs text or media", ErrInvalidRequest)
	}

	conv, err := h.conversationFor(ctx, req.ConversationID, sess.UserID())
	if err != nil {
		return nil, err
	}

	msg, created, err := h.store.InsertMessage(ctx, &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		SenderID:        sess.UserID(),
		Text:            text,
		MediaRef:        media,
		ClientMessageID: strings.TrimSpace(req.ClientMessageID),
		CreatedAt:       h.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("storing message: %w", err)
	}
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Bool("message.created", created))
	if !created {
		h.logger.Debug("duplicate send", "message_id", msg.ID, "client_message_id", msg.ClientMessageID)
		return msg, nil
	}

	h.bus.Publish(broadcast.ConversationGroup(conv.ID), event.MessageNew(msg))

	if msg.Text != "" {
		res, err := h.members.ApplyMentions(ctx, conv.ID, msg.Text, sess.UserID())
		if err != nil {
			h.logger.Warn("mention processing failed", "conversation_id", conv.ID, "error", err)
		} else {
			conv = res.Conversation
		}
	}

	if h.replier != nil && h.replier.ShouldReply(conv, msg) {
		h.replier.Start(conv, msg)
	}
	return msg, nil
}

// TypingUpdate relays a draft to the conversation. Drafts are never stored.
func (h *Hub) TypingUpdate(ctx context.Context, sess *Session, conversationID, draft string) error {
	conv, err := h.conversationFor(ctx, conversationID, sess.UserID())
	if err != nil {
		return err
	}
	h.bus.Publish(broadcast.ConversationGroup(conv.ID), event.TypingUpdate(event.Typing{
		ConversationID: conv.ID,
		UserID:         sess.UserID(),
		DisplayName:    sess.user.DisplayName,
		Text:           draft,
		At:             h.now().UTC(),
	}))
	return nil
}

// MarkRead moves the caller's read marker to messageID. It reports false, and
// broadcasts nothing, when the marker is already at or past that message.
func (h *Hub) MarkRead(ctx context.Context, sess *Session, conversationID, messageID string) (bool, error) {
	conv, err := h.conversationFor(ctx, conversationID, sess.UserID())
	if err != nil {
		return false, err
	}
	msg, err := h.message(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg.ConversationID != conv.ID {
		return false, fmt.Errorf("%w: message %s in conversation %s", ErrNotFound, messageID, conv.ID)
	}

	advanced, err := h.reads.Advance(ctx, conv.ID, sess.UserID(), msg.ID, msg.CreatedAt)
	if err != nil {
		return false, err
	}
	if advanced {
		h.bus.Publish(broadcast.ConversationGroup(conv.ID), event.ReadUpdate(event.Read{
			ConversationID: conv.ID,
			UserID:         sess.UserID(),
			MessageID:      msg.ID,
			ReadAt:         msg.CreatedAt,
		}))
	}
	return advanced, nil
}

// RecallMessage clears the content of the caller's own recent message.
func (h *Hub) RecallMessage(ctx context.Context, sess *Session, messageID string) (*store.Message, error) {
	ctx, span := h.tracer.Start(ctx, "hub.RecallMessage", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	msg, err := h.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := h.conversationFor(ctx, msg.ConversationID, sess.UserID()); err != nil {
		return nil, err
	}
	if msg.SenderID != sess.UserID() {
		return nil, fmt.Errorf("%w: only the sender can recall", ErrPermissionDenied)
	}
	now := h.now().UTC()
	if now.Sub(msg.CreatedAt) > h.cfg.RecallWindow {
		return nil, fmt.Errorf("%w: recall window of %s has passed", ErrPermissionDenied, h.cfg.RecallWindow)
	}
	if msg.Deleted {
		return nil, fmt.Errorf("%w: message deleted", ErrPermissionDenied)
	}

	recalled, err := h.store.RecallMessage(ctx, msg.ID, sess.UserID(), now)
	if errors.Is(err, store.ErrMessageDeleted) {
		return nil, fmt.Errorf("%w: message deleted", ErrPermissionDenied)
	}
	if err != nil {
		return nil, fmt.Errorf("recalling message: %w", err)
	}

	h.bus.Publish(broadcast.ConversationGroup(recalled.ConversationID), event.MessageUpdated(recalled))
	return recalled, nil
}

// DeleteMessage marks a message deleted. The sender and conversation owners may delete.
func (h *Hub) DeleteMessage(ctx context.Context, sess *Session, messageID string) (*store.Message, error) {
	ctx, span := h.tracer.Start(ctx, "hub.DeleteMessage", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	msg, err := h.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := h.conversationFor(ctx, msg.ConversationID, sess.UserID())
	if err != nil {
		return nil, err
	}
	if msg.SenderID != sess.UserID() && conv.Participant(sess.UserID()).Role != store.RoleOwner {
		return nil, fmt.Errorf("%w: only the sender or an owner can delete", ErrPermissionDenied)
	}

	deleted, err := h.store.DeleteMessage(ctx, msg.ID, sess.UserID(), h.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}
	// A reply still streaming into this message must go quiet before clients hear of the delete.
	if h.replier != nil && h.replier.CancelReply(deleted.ID) {
		span.SetAttributes(attribute.Bool("reply.cancelled", true))
	}

	h.bus.Publish(broadcast.ConversationGroup(deleted.ConversationID), event.MessageDeleted(deleted))
	return deleted, nil
}
