// Package meshid implements M2: signed presence/identity/reconnection
// announcements with replay and rollback protection, and a trust-on-first-use
// peer store.
package meshid

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

const identityKey = "identity"

// Algorithm names the signing scheme recorded alongside a key, per the
// closed-tagged-variant rule instead of a free-form string.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmECDSAP256 Algorithm = "ecdsa-p256"
)

// NodeIdentity is the process's own long-lived key material. It is created
// once on first run and reloaded on every subsequent start; the signing and
// ECDH key pairs never change for the lifetime of a peer_id.
type NodeIdentity struct {
	mu sync.Mutex

	PeerID      peer.ID
	DisplayName string
	Algorithm   Algorithm

	signPriv crypto.PrivKey
	signPub  crypto.PubKey

	dh *dhKeyPair

	seq uint64

	store      meshkv.Store
	storageKey []byte
}

type identitySnapshot struct {
	DisplayName  string `json:"display_name"`
	Algorithm    string `json:"algorithm"`
	SignKey      []byte `json:"sign_key"`
	DHPrivate    []byte `json:"dh_private"`
	SequenceNum  uint64 `json:"sequence_num"`
}

// LoadOrCreateIdentity loads a persisted identity out of store, or creates and
// persists a fresh one if none exists. entropy is a stable local secret (e.g.
// derived from machine state) used to derive the storage encryption key; it
// never leaves the process.
func LoadOrCreateIdentity(ctx context.Context, store meshkv.Store, displayName string, entropy []byte) (*NodeIdentity, error) {
	storageKey := DeriveStorageKey(entropy)

	if blob, err := store.Get(ctx, identityKey); err == nil {
		snap, err := unsealIdentity(storageKey, blob)
		if err != nil {
			return nil, fmt.Errorf("meshid: unseal identity: %w", err)
		}
		return identityFromSnapshot(store, storageKey, snap)
	}

	priv, pub, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("meshid: generate signing keypair: %w", err)
	}
	dh, err := generateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("meshid: generate ecdh keypair: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("meshid: derive peer id: %w", err)
	}

	id := &NodeIdentity{
		PeerID:      pid,
		DisplayName: displayName,
		Algorithm:   AlgorithmEd25519,
		signPriv:    priv,
		signPub:     pub,
		dh:          dh,
		seq:         0,
		store:       store,
		storageKey:  storageKey,
	}
	if err := id.persist(ctx); err != nil {
		return nil, fmt.Errorf("meshid: persist new identity: %w", err)
	}
	return id, nil
}

func identityFromSnapshot(store meshkv.Store, storageKey []byte, snap identitySnapshot) (*NodeIdentity, error) {
	priv, err := crypto.UnmarshalPrivateKey(snap.SignKey)
	if err != nil {
		return nil, fmt.Errorf("meshid: unmarshal signing key: %w", err)
	}
	pub := priv.GetPublic()
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("meshid: derive peer id: %w", err)
	}
	dh, err := dhKeyPairFromBytes(snap.DHPrivate)
	if err != nil {
		return nil, fmt.Errorf("meshid: unmarshal ecdh key: %w", err)
	}
	return &NodeIdentity{
		PeerID:      pid,
		DisplayName: snap.DisplayName,
		Algorithm:   Algorithm(snap.Algorithm),
		signPriv:    priv,
		signPub:     pub,
		dh:          dh,
		seq:         snap.SequenceNum,
		store:       store,
		storageKey:  storageKey,
	}, nil
}

// NextSequence increments and persists the monotonic sequence counter,
// returning the new value. Every created announcement uses this value.
func (id *NodeIdentity) NextSequence(ctx context.Context) (uint64, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	id.seq++
	if err := id.persistLocked(ctx); err != nil {
		id.seq--
		return 0, err
	}
	return id.seq, nil
}

// Sign signs canonical bytes with the identity's signing key.
func (id *NodeIdentity) Sign(canonical []byte) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.signPriv.Sign(canonical)
}

// SignPublicKeyBytes returns the marshaled public signing key, used in
// identity-exchange payloads.
func (id *NodeIdentity) SignPublicKeyBytes() ([]byte, error) {
	return crypto.MarshalPublicKey(id.signPub)
}

// DHPublicKeyBytes returns the marshaled ECDH public key.
func (id *NodeIdentity) DHPublicKeyBytes() []byte {
	return id.dh.publicBytes()
}

// DeriveSharedSecret runs ECDH against a peer's marshaled public key.
func (id *NodeIdentity) DeriveSharedSecret(peerDHPub []byte) ([]byte, error) {
	return id.dh.deriveShared(peerDHPub)
}

func (id *NodeIdentity) persist(ctx context.Context) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.persistLocked(ctx)
}

func (id *NodeIdentity) persistLocked(ctx context.Context) error {
	signKeyBytes, err := crypto.MarshalPrivateKey(id.signPriv)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	snap := identitySnapshot{
		DisplayName: id.DisplayName,
		Algorithm:   string(id.Algorithm),
		SignKey:     signKeyBytes,
		DHPrivate:   id.dh.privateBytes(),
		SequenceNum: id.seq,
	}
	blob, err := sealIdentity(id.storageKey, snap)
	if err != nil {
		return fmt.Errorf("seal identity: %w", err)
	}
	return id.store.Put(ctx, identityKey, blob)
}

// DeriveStorageKey stretches stable local entropy into an AEAD key, mirroring
// the passphrase-KDF pattern but keyed on process entropy instead of an
// operator-supplied passphrase (there is no human unseal step here). Exported
// so callers can derive the same storage key independently for a TrustStore
// or other encrypted-at-rest artefact keyed off the same local entropy.
func DeriveStorageKey(entropy []byte) []byte {
	salt := []byte("meshid-storage-key-v1")
	return argon2.IDKey(entropy, salt, 3, 64*1024, 4, chacha20poly1305.KeySize)
}
