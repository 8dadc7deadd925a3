package flood

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	seenCacheCapacity  = 10_000
	seenCacheEvictBurst = 1_000
	seenCacheHardTTL    = 60 * time.Second
	seenCacheCleanupEvery = 30 * time.Second

	duplicateSamePeerWindow = 5 * time.Second
	duplicateAnyPeerWindow  = time.Second
)

// seenEntry mirrors spec's SeenEntry: msg_id -> (first_seen_wallclock,
// from_peer, hop_count).
type seenEntry struct {
	msgID     string
	firstSeen time.Time
	fromPeer  peer.ID
	hopCount  int
}

// seenCache is M1's exclusively-owned, bounded dedup cache. Losing it is
// best-effort: at most a bounded extra gossip wave gets re-emitted.
type seenCache struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
}

func newSeenCache() *seenCache {
	return &seenCache{entries: make(map[string]*seenEntry)}
}

// checkAndRecord implements steps 2-3 of the receive algorithm: it reports
// whether the envelope is a duplicate given the current cache state. A new
// msgID is recorded; an entry already cached for msgID is left unchanged.
func (c *seenCache) checkAndRecord(msgID string, fromPeer peer.ID, hopCount int, now time.Time) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[msgID]; ok {
		sinceFirst := now.Sub(existing.firstSeen)
		if existing.fromPeer == fromPeer && sinceFirst <= duplicateSamePeerWindow {
			duplicate = true
		} else if sinceFirst <= duplicateAnyPeerWindow {
			duplicate = true
		}
		return duplicate
	}

	c.entries[msgID] = &seenEntry{
		msgID:     msgID,
		firstSeen: now,
		fromPeer:  fromPeer,
		hopCount:  hopCount,
	}

	if len(c.entries) > seenCacheCapacity {
		c.evictOldestLocked(seenCacheEvictBurst)
	}
	return false
}

func (c *seenCache) evictOldestLocked(count int) {
	type keyed struct {
		msgID     string
		firstSeen time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for id, e := range c.entries {
		ordered = append(ordered, keyed{id, e.firstSeen})
	}
	// Partial selection of the oldest `count` entries; the cache is bounded
	// so a full sort here is cheap relative to the flood traffic it guards.
	for i := 0; i < count && i < len(ordered); i++ {
		oldestIdx := i
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].firstSeen.Before(ordered[oldestIdx].firstSeen) {
				oldestIdx = j
			}
		}
		ordered[i], ordered[oldestIdx] = ordered[oldestIdx], ordered[i]
		delete(c.entries, ordered[i].msgID)
	}
}

// cleanup purges entries older than the hard TTL.
func (c *seenCache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.Sub(e.firstSeen) > seenCacheHardTTL {
			delete(c.entries, id)
		}
	}
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
