package peerstore

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	// MaxPeers bounds the persisted peer set. Cleanup triggers once the
	// count crosses CleanupTriggerRatio of this cap and always restores
	// the count to at or below it.
	MaxPeers = 100

	// CleanupTriggerRatio is the fraction of MaxPeers at which an
	// opportunistic cleanup pass runs (in addition to the daily sweep).
	CleanupTriggerRatio = 0.8

	inactivityLimit            = 30 * 24 * time.Hour
	staleBlacklistAttemptFloor = 5
)

// Retention owns the cleanup sweep described by spec.md's retention policy:
// a daily pass that removes long-inactive and permanently-failed peers, then
// an LRU trim down to maxPeers.
type Retention struct {
	store    *Store
	maxPeers int
}

// NewRetention wraps a Store with retention-sweep behavior, bounding the
// persisted set at the package default MaxPeers.
func NewRetention(s *Store) *Retention {
	return &Retention{store: s, maxPeers: MaxPeers}
}

// NewRetentionWithCap is NewRetention with an operator-configured cap
// (meshconfig.PeerStoreConfig.MaxPeers) in place of the package default. A
// non-positive cap falls back to MaxPeers, matching NewRetention.
func NewRetentionWithCap(s *Store, maxPeers int) *Retention {
	if maxPeers <= 0 {
		maxPeers = MaxPeers
	}
	return &Retention{store: s, maxPeers: maxPeers}
}

// MaybeCleanup runs a cleanup pass if the peer count has crossed the
// opportunistic trigger ratio. Call this after every Store.
func (ret *Retention) MaybeCleanup(ctx context.Context) error {
	n, err := ret.store.Count(ctx)
	if err != nil {
		return err
	}
	if float64(n) < CleanupTriggerRatio*float64(ret.maxPeers) {
		return nil
	}
	return ret.Sweep(ctx)
}

// Sweep performs the full daily cleanup: delete long-inactive peers, delete
// permanently-failed blacklisted peers, then LRU-trim to MaxPeers.
//
// Only peers with zero successful connections are ever eligible for the
// failed-peer deletion path, mirroring the auto-blacklist rule in Store.
func (ret *Retention) Sweep(ctx context.Context) error {
	now := time.Now()
	all, err := ret.store.Query(ctx, QueryOptions{SortBy: SortByLastSeen, Order: OrderAsc})
	if err != nil {
		return fmt.Errorf("retention: list peers: %w", err)
	}

	var kept []*PeerRecord
	for _, r := range all {
		if now.Sub(r.LastSeen) > inactivityLimit {
			if err := ret.store.Remove(ctx, r.PeerID); err != nil {
				return fmt.Errorf("retention: remove inactive peer: %w", err)
			}
			continue
		}
		permanentlyFailed := r.ReconnectionAttempts >= staleBlacklistAttemptFloor &&
			r.Quality.SuccessfulConnections == 0 &&
			r.BlacklistUntil != nil && !r.BlacklistUntil.After(now)
		if permanentlyFailed {
			if err := ret.store.Remove(ctx, r.PeerID); err != nil {
				return fmt.Errorf("retention: remove failed peer: %w", err)
			}
			continue
		}
		kept = append(kept, r)
	}

	if len(kept) <= ret.maxPeers {
		return nil
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].LastSeen.Before(kept[j].LastSeen) })
	toDrop := kept[:len(kept)-ret.maxPeers]
	for _, r := range toDrop {
		if err := ret.store.Remove(ctx, r.PeerID); err != nil {
			return fmt.Errorf("retention: lru-trim peer: %w", err)
		}
	}
	return nil
}
