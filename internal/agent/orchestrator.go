// ABOUTME: Streams agent replies into conversations as ordinary messages
// ABOUTME: Decides when the agent speaks, builds its context and relays streamed chunks

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/event"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

// ErrAlreadyTriggered is returned by Run when a reply for the trigger message was already started.
var ErrAlreadyTriggered = errors.New("reply already started for message")

// ErrAgentUnknown is returned when the agent user has not been ensured yet.
var ErrAgentUnknown = errors.New("agent user not initialized")

// errReplyStopped ends a stream whose reply message was deleted.
var errReplyStopped = errors.New("reply stopped")

const (
	defaultHandle      = "coven"
	defaultDisplayName = "Coven"
	defaultTimeout     = 2 * time.Minute

	triggerTTL     = 30 * time.Minute
	maxTriggerKeys = 10000
)

// Config controls the agent's identity and reply behavior.
type Config struct {
	Handle             string
	DisplayName        string
	SystemPrompt       string
	MaxContextMessages int
	Timeout            time.Duration
}

// Store is the subset of store.Store the orchestrator needs.
type Store interface {
	CreateUser(ctx context.Context, user *store.User) error
	GetUserByHandle(ctx context.Context, handle string) (*store.User, error)
	ListMessages(ctx context.Context, q store.MessageQuery) ([]*store.Message, error)
	InsertMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	UpdateMessageText(ctx context.Context, id, text string) error
}

// Members adds users to conversations.
type Members interface {
	AddMembers(ctx context.Context, conversationID, actingUserID string, users []*store.User) (*membership.Result, error)
}

// Orchestrator runs agent replies. Each reply runs on its own goroutine,
// detached from the request that triggered it.
type Orchestrator struct {
	store   Store
	members Members
	bus     *broadcast.Broadcaster
	source  completion.Source
	cfg     Config

	agent    atomic.Pointer[store.User]
	triggers *dedupe.Cache

	activeMu sync.Mutex
	active   map[string]*activeReply // reply message id -> stream

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now    func() time.Time
	tracer trace.Tracer
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator. Pass nil logger for default.
func NewOrchestrator(s Store, members Members, bus *broadcast.Broadcaster, src completion.Source, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Handle == "" {
		cfg.Handle = defaultHandle
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.MaxContextMessages = ClampContext(cfg.MaxContextMessages)

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    s,
		members:  members,
		bus:      bus,
		source:   src,
		cfg:      cfg,
		triggers: dedupe.New(triggerTTL, maxTriggerKeys),
		active:   make(map[string]*activeReply),
		base:     base,
		cancel:   cancel,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/2389/coven-chat/internal/agent"),
		logger:   logger.With("component", "agent"),
	}
}

// EnsureAgentUser loads the agent's user record, creating it on first start.
func (o *Orchestrator) EnsureAgentUser(ctx context.Context) (*store.User, error) {
	u, err := o.store.GetUserByHandle(ctx, o.cfg.Handle)
	if errors.Is(err, store.ErrNotFound) {
		u = &store.User{
			ID:          uuid.New().String(),
			Handle:      o.cfg.Handle,
			DisplayName: o.cfg.DisplayName,
			CreatedAt:   o.now().UTC(),
		}
		err = o.store.CreateUser(ctx, u)
		if errors.Is(err, store.ErrDuplicate) {
			u, err = o.store.GetUserByHandle(ctx, o.cfg.Handle)
		}
		if err == nil {
			o.logger.Info("created agent user", "user_id", u.ID, "handle", u.Handle)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ensuring agent user: %w", err)
	}
	o.agent.Store(u)
	return u, nil
}

// AgentID returns the agent's user id, or "" before EnsureAgentUser.
func (o *Orchestrator) AgentID() string {
	if u := o.agent.Load(); u != nil {
		return u.ID
	}
	return ""
}

// ShouldReply reports whether msg, just stored in conv, should get an agent reply:
// the agent never answers itself, and otherwise answers when it is the only
// other participant or when the text contains the @@ trigger.
func (o *Orchestrator) ShouldReply(conv *store.Conversation, msg *store.Message) bool {
	agentID := o.AgentID()
	if agentID == "" || conv == nil || msg == nil || msg.SenderID == agentID {
		return false
	}
	if membership.ContainsBotTrigger(msg.Text) {
		return true
	}
	return len(conv.Participants) == 2 && conv.HasParticipant(msg.SenderID) && conv.HasParticipant(agentID)
}

// Start runs a reply to trigger in the background.
func (o *Orchestrator) Start(conv *store.Conversation, trigger *store.Message) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(o.base, conv, trigger); err != nil && !errors.Is(err, ErrAlreadyTriggered) {
			o.logger.Error("agent reply failed",
				"conversation_id", conv.ID,
				"trigger_id", trigger.ID,
				"error", err)
		}
	}()
}

// activeReply guards the events of one streaming reply. Once stopped, nothing
// more is published for it.
type activeReply struct {
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// publish runs fn unless the reply was stopped. Reports whether fn ran.
func (a *activeReply) publish(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	fn()
	return true
}

func (a *activeReply) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (o *Orchestrator) track(replyID string, cancel context.CancelFunc) *activeReply {
	a := &activeReply{cancel: cancel}
	o.activeMu.Lock()
	o.active[replyID] = a
	o.activeMu.Unlock()
	return a
}

func (o *Orchestrator) untrack(replyID string) {
	o.activeMu.Lock()
	delete(o.active, replyID)
	o.activeMu.Unlock()
}

// CancelReply stops the reply streaming into messageID and cancels its
// upstream request. No event for that reply is published after CancelReply
// returns. It reports whether such a reply was in flight.
func (o *Orchestrator) CancelReply(messageID string) bool {
	o.activeMu.Lock()
	a, ok := o.active[messageID]
	o.activeMu.Unlock()
	if !ok {
		return false
	}

	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.cancel()

	o.logger.Info("agent reply cancelled", "reply_id", messageID)
	return true
}

// Wait blocks until every reply started so far has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels in-flight replies and waits for them to finish persisting.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run produces one reply to trigger and returns the persisted reply message.
// Upstream failures are not returned; they end up in the reply text.
func (o *Orchestrator) Run(ctx context.Context, conv *store.Conversation, trigger *store.Message) (*store.Message, error) {
	agentUser := o.agent.Load()
	if agentUser == nil {
		return nil, ErrAgentUnknown
	}
	if !o.triggers.Claim(trigger.ID) {
		return nil, ErrAlreadyTriggered
	}

	ctx, span := o.tracer.Start(ctx, "agent.reply", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("trigger.id", trigger.ID),
	))
	defer span.End()

	if !conv.HasParticipant(agentUser.ID) {
		res, err := o.members.AddMembers(ctx, conv.ID, trigger.SenderID, []*store.User{agentUser})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("adding agent to conversation: %w", err)
		}
		conv = res.Conversation
	}

	history, err := o.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conv.ID,
		Limit:          o.cfg.MaxContextMessages,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading context: %w", err)
	}
	turns := BuildTurns(history, agentUser.ID, o.cfg.SystemPrompt)

	reply, _, err := o.store.InsertMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       agentUser.ID,
		CreatedAt:      o.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating reply placeholder: %w", err)
	}
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	active := o.track(reply.ID, cancelStream)
	defer o.untrack(reply.ID)

	group := broadcast.ConversationGroup(conv.ID)
	o.bus.Publish(group, event.MessageNew(reply))
	span.SetAttributes(attribute.String("reply.id", reply.ID))

	text, streamErr := o.stream(streamCtx, active, reply, turns)
	if active.isStopped() {
		return o.discarded(span, reply), nil
	}

	final := text
	if streamErr != nil {
		if final == "" {
			final = fmt.Sprintf("(agent error: %s)", streamErr)
		}
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		o.logger.Warn("agent stream failed",
			"conversation_id", conv.ID,
			"reply_id", reply.ID,
			"partial_len", len(text),
			"upstream", errors.Is(streamErr, completion.ErrUpstream),
			"error", streamErr)
	}

	// The reply is persisted even when ctx was cancelled mid-stream.
	err = o.store.UpdateMessageText(context.WithoutCancel(ctx), reply.ID, final)
	if errors.Is(err, store.ErrMessageDeleted) {
		return o.discarded(span, reply), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting reply: %w", err)
	}
	reply.Text = final

	if streamErr != nil {
		active.publish(func() {
			o.bus.Publish(group, event.MessageDelta(reply.ID, conv.ID, "", final))
		})
	}

	o.logger.Info("agent replied",
		"conversation_id", conv.ID,
		"reply_id", reply.ID,
		"length", len(final),
		"failed", streamErr != nil)
	return reply, nil
}

// discarded reports a reply whose message was deleted before it finished.
// Its streamed text is dropped.
func (o *Orchestrator) discarded(span trace.Span, reply *store.Message) *store.Message {
	span.SetAttributes(attribute.Bool("reply.deleted", true))
	o.logger.Info("agent reply deleted before it finished",
		"conversation_id", reply.ConversationID,
		"reply_id", reply.ID)
	reply.Text = ""
	reply.Deleted = true
	return reply
}

// stream relays chunks to the conversation and returns the accumulated text.
func (o *Orchestrator) stream(ctx context.Context, active *activeReply, reply *store.Message, turns []completion.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	chunks, err := o.source.Stream(ctx, turns)
	if err != nil {
		return "", err
	}

	group := broadcast.ConversationGroup(reply.ConversationID)
	var full strings.Builder
	for c := range chunks {
		if c.Err != nil {
			return full.String(), c.Err
		}
		if c.Text == "" {
			continue
		}
		full.WriteString(c.Text)
		delivered := active.publish(func() {
			o.bus.Publish(group, event.MessageDelta(reply.ID, reply.ConversationID, c.Text, full.String()))
		})
		if !delivered {
			return full.String(), errReplyStopped
		}
	}
	if err := ctx.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
