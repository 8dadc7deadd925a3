package meshid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

const trustStoreKey = "trust_store"

// TrustedPeer pins a peer's signing public key the first time it is seen.
type TrustedPeer struct {
	PeerID          peer.ID   `json:"peer_id"`
	SigningPubKey   []byte    `json:"signing_public_key"`
	Algorithm       Algorithm `json:"algorithm"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastSeenSeq     uint64    `json:"last_seen_sequence"`
}

// TrustStore is the exclusive owner of pinned peer keys and the monotone
// sequence-number tracker. It persists through meshkv and is safe for
// concurrent use.
type TrustStore struct {
	mu    sync.Mutex
	peers map[peer.ID]*TrustedPeer

	store      meshkv.Store
	storageKey []byte
}

// LoadTrustStore loads (or initializes empty) the encrypted trust map.
func LoadTrustStore(ctx context.Context, store meshkv.Store, storageKey []byte) (*TrustStore, error) {
	ts := &TrustStore{
		peers:      make(map[peer.ID]*TrustedPeer),
		store:      store,
		storageKey: storageKey,
	}
	blob, err := store.Get(ctx, trustStoreKey)
	if err != nil {
		if err == meshkv.ErrNotFound {
			return ts, nil
		}
		return nil, fmt.Errorf("meshid: load trust store: %w", err)
	}
	plaintext, err := unseal(storageKey, blob)
	if err != nil {
		return nil, fmt.Errorf("meshid: unseal trust store: %w", err)
	}
	var list []*TrustedPeer
	if err := json.Unmarshal(plaintext, &list); err != nil {
		return nil, fmt.Errorf("meshid: unmarshal trust store: %w", err)
	}
	for _, p := range list {
		ts.peers[p.PeerID] = p
	}
	return ts, nil
}

// Get returns the pinned entry for peerID, if any.
func (ts *TrustStore) Get(id peer.ID) (*TrustedPeer, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	p, ok := ts.peers[id]
	return p, ok
}

// AddTrusted pins signingPubKey for peerID on first sight. A later call with
// the same peer_id but a different key is a hard security error: ErrKeyMismatch.
// It never overwrites an existing pin.
func (ts *TrustStore) AddTrusted(ctx context.Context, id peer.ID, signingPubKey []byte, alg Algorithm) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if existing, ok := ts.peers[id]; ok {
		if !bytesEqual(existing.SigningPubKey, signingPubKey) {
			return ErrKeyMismatch
		}
		existing.LastSeen = now
		return ts.persistLocked(ctx)
	}

	ts.peers[id] = &TrustedPeer{
		PeerID:        id,
		SigningPubKey: signingPubKey,
		Algorithm:     alg,
		FirstSeen:     now,
		LastSeen:      now,
	}
	return ts.persistLocked(ctx)
}

// UpdateLastSeenSequence performs the monotone write required after a
// successful announcement verification.
func (ts *TrustStore) UpdateLastSeenSequence(ctx context.Context, id peer.ID, seq uint64) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	p, ok := ts.peers[id]
	if !ok {
		return fmt.Errorf("meshid: update sequence for unknown peer %s", id)
	}
	p.LastSeenSeq = seq
	p.LastSeen = time.Now()
	return ts.persistLocked(ctx)
}

func (ts *TrustStore) persistLocked(ctx context.Context) error {
	list := make([]*TrustedPeer, 0, len(ts.peers))
	for _, p := range ts.peers {
		list = append(list, p)
	}
	plaintext, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	blob, err := seal(ts.storageKey, plaintext)
	if err != nil {
		return fmt.Errorf("seal trust store: %w", err)
	}
	return ts.store.Put(ctx, trustStoreKey, blob)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
