// ABOUTME: Tests for the group broadcaster
// ABOUTME: Covers subscribe, publish, exclusion, unsubscribe-all, ordering and slow sinks

package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	id     string
	userID string
	cap    int

	mu     sync.Mutex
	events []Event
}

func newFakeSink(id, userID string) *fakeSink {
	return &fakeSink{id: id, userID: userID, cap: 1 << 20}
}

func (f *fakeSink) ID() string     { return f.id }
func (f *fakeSink) UserID() string { return f.userID }

func (f *fakeSink) Deliver(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) >= f.cap {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeSink) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "conv:c1", ConversationGroup("c1"))
	assert.Equal(t, "user:u1", UserGroup("u1"))
}

func TestBroadcaster_PublishReachesGroupOnly(t *testing.T) {
	b := New(nil)
	a := newFakeSink("s1", "alice")
	c := newFakeSink("s2", "carol")

	b.Subscribe("conv:c1", a)
	b.Subscribe("conv:c2", c)

	b.Publish("conv:c1", Event{Type: "message:new", Payload: "hi"})

	require.Len(t, a.received(), 1)
	assert.Equal(t, "message:new", a.received()[0].Type)
	assert.Empty(t, c.received())
}

func TestBroadcaster_PublishExceptUser(t *testing.T) {
	b := New(nil)
	alice1 := newFakeSink("s1", "alice")
	alice2 := newFakeSink("s2", "alice")
	bob := newFakeSink("s3", "bob")
	for _, s := range []Sink{alice1, alice2, bob} {
		b.Subscribe("conv:c1", s)
	}

	b.PublishExceptUser("conv:c1", Event{Type: "presence:update"}, "alice")

	assert.Empty(t, alice1.received())
	assert.Empty(t, alice2.received())
	assert.Len(t, bob.received(), 1)
}

func TestBroadcaster_SubscribeTwiceDeliversOnce(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s1", "alice")
	b.Subscribe("conv:c1", s)
	b.Subscribe("conv:c1", s)

	b.Publish("conv:c1", Event{Type: "x"})
	assert.Len(t, s.received(), 1)
}

func TestBroadcaster_UnsubscribeAll(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s1", "alice")
	b.Subscribe("conv:c1", s)
	b.Subscribe("conv:c2", s)
	b.Subscribe("user:alice", s)

	groups := b.UnsubscribeAll("s1")
	assert.ElementsMatch(t, []string{"conv:c1", "conv:c2", "user:alice"}, groups)

	b.Publish("conv:c1", Event{Type: "x"})
	assert.Empty(t, s.received())
	assert.False(t, b.IsSubscribed("conv:c1", "s1"))
	assert.Empty(t, b.Members("conv:c2"))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s1", "alice")
	b.Subscribe("conv:c1", s)
	b.Subscribe("conv:c2", s)

	b.Unsubscribe("conv:c1", "s1")
	b.Unsubscribe("conv:missing", "s1")

	assert.False(t, b.IsSubscribed("conv:c1", "s1"))
	assert.True(t, b.IsSubscribed("conv:c2", "s1"))
}

func TestBroadcaster_SingleProducerOrder(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s1", "alice")
	b.Subscribe("conv:c1", s)

	for i := 0; i < 100; i++ {
		b.Publish("conv:c1", Event{Type: "message:delta", Payload: i})
	}

	got := s.received()
	require.Len(t, got, 100)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload)
	}
}

func TestBroadcaster_SlowSinkDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	slow := newFakeSink("slow", "alice")
	slow.cap = 1
	fast := newFakeSink("fast", "bob")
	b.Subscribe("conv:c1", slow)
	b.Subscribe("conv:c1", fast)

	for i := 0; i < 5; i++ {
		b.Publish("conv:c1", Event{Type: "x", Payload: i})
	}

	assert.Len(t, slow.received(), 1)
	assert.Len(t, fast.received(), 5)
}

func TestBroadcaster_ConcurrentSubscribePublish(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	sinks := make([]*fakeSink, 20)
	for i := range sinks {
		sinks[i] = newFakeSink(fmt.Sprintf("s%d", i), "u")
	}

	for i := range sinks {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			b.Subscribe("conv:c1", sinks[i])
		}(i)
		go func() {
			defer wg.Done()
			b.Publish("conv:c1", Event{Type: "x"})
		}()
	}
	wg.Wait()

	assert.Len(t, b.Members("conv:c1"), 20)
}

func TestBroadcaster_SubscribeUser(t *testing.T) {
	b := New(nil)
	phone := newFakeSink("s1", "carol")
	laptop := newFakeSink("s2", "carol")
	other := newFakeSink("s3", "dave")
	b.Subscribe(UserGroup("carol"), phone)
	b.Subscribe(UserGroup("carol"), laptop)
	b.Subscribe(UserGroup("dave"), other)

	n := b.SubscribeUser("carol", ConversationGroup("c1"))
	assert.Equal(t, 2, n)

	b.Publish(ConversationGroup("c1"), Event{Type: "message:new"})
	assert.Len(t, phone.received(), 1)
	assert.Len(t, laptop.received(), 1)
	assert.Empty(t, other.received())

	assert.Equal(t, 0, b.SubscribeUser("offline-user", ConversationGroup("c1")))
}

func TestBroadcaster_SubscribeUserRacingUnsubscribeAll(t *testing.T) {
	b := New(nil)
	for i := range 500 {
		sink := newFakeSink(fmt.Sprintf("s%d", i), "alice")
		conv := ConversationGroup(fmt.Sprintf("c%d", i))
		b.Subscribe(UserGroup("alice"), sink)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.SubscribeUser("alice", conv)
		}()
		go func() {
			defer wg.Done()
			b.UnsubscribeAll(sink.ID())
		}()
		wg.Wait()

		// Whichever ran first, a removed sink never ends up back in a group.
		require.False(t, b.IsSubscribed(conv, sink.ID()), "iteration %d", i)
		require.Empty(t, b.Members(UserGroup("alice")))
	}
}
