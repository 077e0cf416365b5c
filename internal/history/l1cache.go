package history

import (
	"sync"
	"time"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

// l1cache is the small in-memory hit/miss cache from spec.md §4.4,
// sparing a hot duplicate-arrival check the cost of a shard query.
// Adapted from the teacher's history_L1-cache.go ticker-driven expiry
// idiom, keyed on the hash itself rather than a MessageIdItem.
type l1cache struct {
	mu      sync.Mutex
	entries map[hashtoken.Hash]l1entry
	ttl     time.Duration
	stop    chan struct{}
}

type l1entry struct {
	present bool
	expires time.Time
}

func newL1Cache(ttl time.Duration) *l1cache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	c := &l1cache{
		entries: make(map[hashtoken.Hash]l1entry, 1024),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *l1cache) get(h hashtoken.Hash) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok || time.Now().After(e.expires) {
		return false, false
	}
	return e.present, true
}

func (c *l1cache) put(h hashtoken.Hash, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[h] = l1entry{present: present, expires: time.Now().Add(c.ttl)}
}

func (c *l1cache) cleanup() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for h, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, h)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
