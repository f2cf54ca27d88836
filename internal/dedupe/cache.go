// ABOUTME: TTL and size bounded window of recently seen message ids.
// ABOUTME: Receive paths use it to drop envelopes whose id was already dispatched.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message ids for ttl, holding at most maxSize ids.
// When full, the id seen longest ago is forgotten first.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Seen records id and reports whether it was already recorded within the TTL.
// Check and record happen under one lock, so of several concurrent callers with
// the same id exactly one gets false.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.ids[id]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldest()
	}
	c.ids[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
	return false
}

// Len returns the number of ids currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired ids. Entries are ordered by seenAt, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(c.ids[id].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.ids, id)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}
