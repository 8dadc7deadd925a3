package meshid

import (
	"container/list"
	"encoding/hex"
	"sync"
	"time"
)

const (
	nonceCacheTTL      = time.Hour
	nonceCacheCapacity = 10_000
)

// NonceCache is an LRU-bounded, TTL-expiring set of seen nonces: a bounded
// map keyed on the hex-encoded nonce plus a doubly-linked list holding
// insertion order for eviction. Exported so callers
// outside the package can hold one and pass it into VerifyAnnouncement /
// VerifyRelay without needing an accessor indirection.
type NonceCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key  string
	seen time.Time
}

// NewNonceCache constructs the per-process nonce cache used across all
// VerifyAnnouncement / VerifyRelay calls.
func NewNonceCache() *NonceCache {
	return &NonceCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// seenRecently reports whether nonce is already cached and unexpired.
func (c *NonceCache) seenRecently(nonce []byte, now time.Time) bool {
	key := hex.EncodeToString(nonce)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*nonceEntry)
	if now.Sub(entry.seen) > nonceCacheTTL {
		c.order.Remove(el)
		delete(c.entries, key)
		return false
	}
	return true
}

// record inserts nonce into the cache, evicting the oldest entry if over
// capacity.
func (c *NonceCache) record(nonce []byte, now time.Time) {
	key := hex.EncodeToString(nonce)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	el := c.order.PushBack(&nonceEntry{key: key, seen: now})
	c.entries[key] = el

	for c.order.Len() > nonceCacheCapacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*nonceEntry).key)
	}
}
