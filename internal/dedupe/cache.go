// ABOUTME: Thread-safe TTL set for claim-once semantics on string keys.
// ABOUTME: Used to guarantee a single streamed reply per triggering message.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	claimed time.Time
}

// Cache remembers claimed keys for a TTL, holding at most maxSize keys.
// Keys are kept in claim order (oldest at front) so expiry and eviction are O(1) per key.
// Expired keys are pruned lazily on each call; there is no background goroutine.
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		keys:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key has been claimed and not yet expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	_, ok := c.keys[key]
	return ok
}

// Claim atomically records key and reports true if it was not already held.
// A second Claim of the same key within the TTL returns false.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	if _, ok := c.keys[key]; ok {
		return false
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.keys[key] = c.order.PushBack(&entry{key: key, claimed: c.now()})
	return true
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	return c.order.Len()
}

// pruneLocked drops expired keys from the front. Must be called with mu held.
func (c *Cache) pruneLocked() {
	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.claimed) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.keys, e.key)
}
