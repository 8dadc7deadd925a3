package peerstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

func TestSweepRemovesLongInactivePeers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ret := NewRetention(s)

	now := time.Now()
	inactive := baseRecord("inactive")
	inactive.LastSeen = now.Add(-31 * 24 * time.Hour)
	active := baseRecord("active")
	active.LastSeen = now

	for _, r := range []*PeerRecord{inactive, active} {
		if err := s.Store(ctx, r); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	if err := ret.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got, _ := s.Get(ctx, "inactive"); got != nil {
		t.Fatal("expected long-inactive peer to be removed")
	}
	if got, _ := s.Get(ctx, "active"); got == nil {
		t.Fatal("expected active peer to survive sweep")
	}
}

func TestSweepRemovesPermanentlyFailedBlacklistedPeers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ret := NewRetention(s)

	now := time.Now()
	expired := now.Add(-time.Hour)
	failed := baseRecord("failed")
	failed.LastSeen = now
	failed.ReconnectionAttempts = staleBlacklistAttemptFloor
	failed.BlacklistUntil = &expired
	failed.Quality.SuccessfulConnections = 0

	if err := s.Store(ctx, failed); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ret.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got, _ := s.Get(ctx, "failed"); got != nil {
		t.Fatal("expected permanently-failed peer to be removed")
	}
}

func TestSweepNeverRemovesBlacklistedPeerWithSuccessHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ret := NewRetention(s)

	now := time.Now()
	expired := now.Add(-time.Hour)
	r := baseRecord("recovered")
	r.LastSeen = now
	r.ReconnectionAttempts = staleBlacklistAttemptFloor
	r.BlacklistUntil = &expired
	r.Quality.SuccessfulConnections = 2

	if err := s.Store(ctx, r); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ret.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got, _ := s.Get(ctx, "recovered"); got == nil {
		t.Fatal("peer with successful connection history must not be auto-deleted")
	}
}

// TestSweepEnforcesRetentionBound checks testable invariant 8 on one fixed
// example (150 records against the default cap): |PeerRecords| <= MaxPeers after cleanup.
func TestSweepEnforcesRetentionBound(t *testing.T) {
	ctx := context.Background()
	kv := meshkv.NewMemStore()
	s, err := Open(ctx, kv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ret := NewRetention(s)

	now := time.Now()
	const n = MaxPeers + 50
	for i := 0; i < n; i++ {
		r := baseRecord(peer.ID(fmt.Sprintf("p%04d", i)))
		r.LastSeen = now.Add(time.Duration(i) * time.Second)
		if err := s.Store(ctx, r); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	if err := ret.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count > MaxPeers {
		t.Fatalf("peer count %d exceeds MaxPeers %d after sweep", count, MaxPeers)
	}

	// The oldest-by-last_seen peers should have been the ones trimmed.
	if got, _ := s.Get(ctx, "p0000"); got != nil {
		t.Fatal("expected oldest peer to be LRU-trimmed")
	}
	if got, _ := s.Get(ctx, peer.ID(fmt.Sprintf("p%04d", n-1))); got == nil {
		t.Fatal("expected newest peer to survive LRU trim")
	}
}

func TestMaybeCleanupIsNoOpBelowTriggerRatio(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ret := NewRetention(s)
	if err := s.Store(ctx, baseRecord("solo")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ret.MaybeCleanup(ctx); err != nil {
		t.Fatalf("MaybeCleanup: %v", err)
	}
	if got, _ := s.Get(ctx, "solo"); got == nil {
		t.Fatal("MaybeCleanup should not have touched a tiny store")
	}
}
