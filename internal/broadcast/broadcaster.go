// ABOUTME: In-memory fan-out of events to named groups of live connections
// ABOUTME: Groups are conv:<id> for conversation members and user:<id> for personal channels

package broadcast

import (
	"log/slog"
	"sync"
)

// Event is a server-pushed notification. Payload is encoded by the transport.
type Event struct {
	Type    string
	Payload any
}

// Sink is a live connection that can receive events.
// Deliver must not block; it returns false when the event could not be queued.
type Sink interface {
	ID() string
	UserID() string
	Deliver(Event) bool
}

// ConversationGroup names the group of live connections watching a conversation.
func ConversationGroup(conversationID string) string {
	return "conv:" + conversationID
}

// UserGroup names the personal group holding every live connection of a user.
func UserGroup(userID string) string {
	return "user:" + userID
}

// Broadcaster tracks group membership of sinks and publishes events to groups.
type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]map[string]Sink     // group -> sinkID -> sink
	joined map[string]map[string]struct{} // sinkID -> set of groups
	logger *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		groups: make(map[string]map[string]Sink),
		joined: make(map[string]map[string]struct{}),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe adds sink to group. Subscribing twice is a no-op.
func (b *Broadcaster) Subscribe(group string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeLocked(group, sink)
}

func (b *Broadcaster) subscribeLocked(group string, sink Sink) {
	if _, ok := b.groups[group]; !ok {
		b.groups[group] = make(map[string]Sink)
	}
	b.groups[group][sink.ID()] = sink

	if _, ok := b.joined[sink.ID()]; !ok {
		b.joined[sink.ID()] = make(map[string]struct{})
	}
	b.joined[sink.ID()][group] = struct{}{}

	b.logger.Debug("subscribed", "group", group, "sink_id", sink.ID())
}

// Unsubscribe removes the sink from group. Unknown pairs are ignored.
func (b *Broadcaster) Unsubscribe(group, sinkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(group, sinkID)
}

// UnsubscribeAll removes the sink from every group and returns the groups it was in.
func (b *Broadcaster) UnsubscribeAll(sinkID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var groups []string
	for group := range b.joined[sinkID] {
		groups = append(groups, group)
		b.removeLocked(group, sinkID)
	}
	return groups
}

func (b *Broadcaster) removeLocked(group, sinkID string) {
	if subs, ok := b.groups[group]; ok {
		delete(subs, sinkID)
		if len(subs) == 0 {
			delete(b.groups, group)
		}
	}
	if groups, ok := b.joined[sinkID]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(b.joined, sinkID)
		}
	}
}

// IsSubscribed reports whether the sink is in group.
func (b *Broadcaster) IsSubscribed(group, sinkID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.groups[group][sinkID]
	return ok
}

// Members returns the sinks currently subscribed to group.
func (b *Broadcaster) Members(group string) []Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.groups[group]
	out := make([]Sink, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// SubscribeUser adds every live sink of userID (the members of its user group) to group.
// It returns how many sinks were subscribed. The lookup and the subscription happen
// under one lock, so a sink removed by UnsubscribeAll is never added back.
func (b *Broadcaster) SubscribeUser(userID, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sinks := b.groups[UserGroup(userID)]
	for _, s := range sinks {
		b.subscribeLocked(group, s)
	}
	return len(sinks)
}

// Publish delivers ev to every sink in group.
func (b *Broadcaster) Publish(group string, ev Event) {
	b.publish(group, ev, "")
}

// PublishExceptUser delivers ev to every sink in group not owned by userID.
func (b *Broadcaster) PublishExceptUser(group string, ev Event, userID string) {
	b.publish(group, ev, userID)
}

func (b *Broadcaster) publish(group string, ev Event, excludeUser string) {
	// Copy targets under read lock to avoid holding lock during delivery
	targets := b.Members(group)

	for _, s := range targets {
		if excludeUser != "" && s.UserID() == excludeUser {
			continue
		}
		if !s.Deliver(ev) {
			b.logger.Warn("event not delivered to slow connection",
				"group", group,
				"sink_id", s.ID(),
				"event_type", ev.Type)
		}
	}
}
