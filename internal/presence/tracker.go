// ABOUTME: Sharded in-memory map of user ID to live connection IDs
// ABOUTME: Answers whether a user is online and which connections serve them

package presence

import (
	"hash/fnv"
	"slices"
	"sync"
)

// shardCount spreads users over independent locks so unrelated users rarely contend.
const shardCount = 64

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{} // userID -> set of connection IDs
}

// Tracker records which connections are open for each user.
// A user is online while at least one connection is open.
// All methods are safe for concurrent use and never hold a lock across I/O.
type Tracker struct {
	shards [shardCount]*shard
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[string]map[string]struct{})}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

// Open registers a connection for a user. It reports true when this is the
// user's first open connection, i.e. the user just came online.
func (t *Tracker) Open(userID, connID string) bool {
	if userID == "" || connID == "" {
		return false
	}
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.users[userID] = conns
	}
	cameOnline := len(conns) == 0
	conns[connID] = struct{}{}
	return cameOnline
}

// Close removes a connection. It reports true when the user has no
// connections left, i.e. the user just went offline. Closing an unknown
// connection is a no-op that returns false.
func (t *Tracker) Close(userID, connID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one open connection.
func (t *Tracker) IsOnline(userID string) bool {
	s := t.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionsOf returns a snapshot of the user's open connection IDs, sorted.
func (t *Tracker) ConnectionsOf(userID string) []string {
	s := t.shardFor(userID)
	s.mu.RLock()
	conns := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		conns = append(conns, id)
	}
	s.mu.RUnlock()

	slices.Sort(conns)
	return conns
}

// OnlineAmong filters userIDs down to those currently online, preserving order.
func (t *Tracker) OnlineAmong(userIDs []string) []string {
	online := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if t.IsOnline(id) {
			online = append(online, id)
		}
	}
	return online
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
