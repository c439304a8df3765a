// ABOUTME: Thread-safe TTL window of recently seen keys with bounded size
// ABOUTME: Drops duplicate client submissions and reused agent message UUIDs

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL             = 10 * time.Minute
	DefaultMaxSize         = 10000
	DefaultCleanupInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	MaxSize int

	// CleanupInterval of zero uses DefaultCleanupInterval; negative disables
	// the background sweep (expired keys are still ignored on lookup).
	CleanupInterval time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a TTL. When full, the least recently marked key
// is evicted.
type Cache struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu     sync.Mutex
	seen   map[string]*entry
	order  *list.List // oldest at front
	done   chan struct{}
	closed bool
}

// New creates a Cache and starts its background sweep.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		seen:    make(map[string]*entry),
		order:   list.New(),
		done:    make(chan struct{}),
	}

	interval := opts.CleanupInterval
	if interval == 0 {
		interval = DefaultCleanupInterval
	}
	if interval > 0 {
		go c.sweepLoop(interval)
	}
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Claim marks key and reports whether it was new. A false result means the
// key is a duplicate within the TTL. Check and mark happen atomically.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return false
	}
	c.markLocked(key)
	return true
}

// Mark records key as seen now, refreshing its TTL.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so it can be claimed again, e.g. after a submission
// failed before anything was persisted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.seen[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes expired keys. Marking moves keys to the back, so the list is
// ordered by age and the sweep stops at the first live key.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.seen[key]
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
