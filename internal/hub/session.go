// ABOUTME: A live client connection and its ordered outbound event queue
// ABOUTME: A session whose queue overflows is closed so the client resyncs instead of missing events

package hub

import (
	"sync"
	"sync/atomic"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/store"
)

// Session is one authenticated connection. Events are delivered in the order
// they were published and drained by the transport through Events.
type Session struct {
	id   string
	user store.User

	mu     sync.Mutex
	out    chan broadcast.Event
	closed bool
	kicked bool

	disconnected atomic.Bool
}

func newSession(id string, user store.User, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{id: id, user: user, out: make(chan broadcast.Event, buffer)}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user's id.
func (s *Session) UserID() string { return s.user.ID }

// User returns the authenticated user.
func (s *Session) User() store.User { return s.user }

// Events returns the outbound queue. It is closed when the session closes.
func (s *Session) Events() <-chan broadcast.Event { return s.out }

// Deliver queues ev without blocking. If the queue is full the session is closed.
func (s *Session) Deliver(ev broadcast.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		s.kicked = true
		s.closeLocked()
		return false
	}
}

// Kicked reports whether the session was closed because its queue overflowed.
func (s *Session) Kicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

var _ broadcast.Sink = (*Session)(nil)
