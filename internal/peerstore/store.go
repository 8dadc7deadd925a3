package peerstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

const (
	schemaVersion = "1"

	keyIndex       = "peerstore/index"
	keyMetadata    = "peerstore/metadata"
	keyMasterKey   = "peerstore/master_key"
	keySchema      = "peerstore/schema_version"
	keyRecordPfx   = "peerstore/record/"
)

// Metadata mirrors the persisted metadata artefact described by the external
// interface contract.
type Metadata struct {
	LastCleanup   time.Time `json:"last_cleanup"`
	TotalPeers    int       `json:"total_peers"`
	EstimatedSize int       `json:"estimated_size"`
}

// Store is M5's exclusive owner of the backing KV namespace. All operations
// are individually atomic; callers are assumed single-threaded with respect
// to a given peer_id, but the store itself serializes index/metadata writes
// to stay internally consistent under concurrent callers.
type Store struct {
	mu        sync.Mutex
	kv        meshkv.Store
	masterKey []byte
}

// Open loads (or initializes) the store's master encryption key and schema
// version in the given KV namespace.
func Open(ctx context.Context, kv meshkv.Store) (*Store, error) {
	s := &Store{kv: kv}

	key, err := kv.Get(ctx, keyMasterKey)
	if err != nil {
		if err != meshkv.ErrNotFound {
			return nil, fmt.Errorf("peerstore: load master key: %w", err)
		}
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("peerstore: generate master key: %w", err)
		}
		if err := kv.Put(ctx, keyMasterKey, key); err != nil {
			return nil, fmt.Errorf("peerstore: persist master key: %w", err)
		}
		if err := kv.Put(ctx, keySchema, []byte(schemaVersion)); err != nil {
			return nil, fmt.Errorf("peerstore: persist schema version: %w", err)
		}
	}
	s.masterKey = key
	return s, nil
}

func recordKey(id peer.ID) string { return keyRecordPfx + string(id) }

func (s *Store) loadIndex(ctx context.Context) ([]peer.ID, error) {
	blob, err := s.kv.Get(ctx, keyIndex)
	if err != nil {
		if err == meshkv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []peer.ID
	if err := json.Unmarshal(blob, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal index: %w", err)
	}
	return ids, nil
}

func (s *Store) saveIndex(ctx context.Context, ids []peer.ID) error {
	blob, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return s.kv.Put(ctx, keyIndex, blob)
}

func (s *Store) addToIndex(ctx context.Context, id peer.ID) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.saveIndex(ctx, append(ids, id))
}

func (s *Store) removeFromIndex(ctx context.Context, id peer.ID) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return s.saveIndex(ctx, out)
}

func (s *Store) bumpMetadata(ctx context.Context) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	md := Metadata{LastCleanup: time.Now(), TotalPeers: len(ids)}
	blob, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.kv.Put(ctx, keyMetadata, blob)
}

// onDiskRecord is the serialized shape: sensitive fields encrypted, the rest
// in the clear, matching the spec's storage layout.
type onDiskRecord struct {
	PeerID               peer.ID           `json:"peer_id"`
	DisplayName          string            `json:"display_name"`
	FirstSeen            time.Time         `json:"first_seen"`
	LastSeen             time.Time         `json:"last_seen"`
	LastConnected        time.Time         `json:"last_connected"`
	PublicKey            []byte            `json:"public_key"`
	EncryptedSharedSecretSealed []byte     `json:"encrypted_shared_secret_sealed,omitempty"`
	LastKnownAddress     string            `json:"last_known_address,omitempty"`
	CachedICECandidates  []ICECandidate    `json:"cached_ice_candidates"`
	Quality              ConnectionQuality `json:"connection_quality"`
	ReconnectionAttempts int               `json:"reconnection_attempts"`
	BlacklistUntil       *time.Time        `json:"blacklist_until,omitempty"`
	SchemaVersion        string            `json:"schema_version"`
}

func (s *Store) encryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(s.masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

func (s *Store) decryptSecret(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(s.masterKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed secret too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func (s *Store) toDisk(r *PeerRecord) (*onDiskRecord, error) {
	sealed, err := s.encryptSecret(r.EncryptedSharedSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt shared secret: %w", err)
	}
	return &onDiskRecord{
		PeerID:                      r.PeerID,
		DisplayName:                 r.DisplayName,
		FirstSeen:                   r.FirstSeen,
		LastSeen:                    r.LastSeen,
		LastConnected:               r.LastConnected,
		PublicKey:                   r.PublicKey,
		EncryptedSharedSecretSealed: sealed,
		LastKnownAddress:            r.LastKnownAddress,
		CachedICECandidates:         r.CachedICECandidates,
		Quality:                     r.Quality,
		ReconnectionAttempts:        r.ReconnectionAttempts,
		BlacklistUntil:              r.BlacklistUntil,
		SchemaVersion:               schemaVersion,
	}, nil
}

func (s *Store) fromDisk(d *onDiskRecord) (*PeerRecord, error) {
	secret, err := s.decryptSecret(d.EncryptedSharedSecretSealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt shared secret: %w", err)
	}
	return &PeerRecord{
		PeerID:                d.PeerID,
		DisplayName:           d.DisplayName,
		FirstSeen:             d.FirstSeen,
		LastSeen:              d.LastSeen,
		LastConnected:         d.LastConnected,
		PublicKey:             d.PublicKey,
		EncryptedSharedSecret: secret,
		LastKnownAddress:      d.LastKnownAddress,
		CachedICECandidates:   d.CachedICECandidates,
		Quality:               d.Quality,
		ReconnectionAttempts:  d.ReconnectionAttempts,
		BlacklistUntil:        d.BlacklistUntil,
		SchemaVersion:         d.SchemaVersion,
	}, nil
}

// Store upserts a record: encrypts sensitive fields, writes it, updates the
// index, and bumps metadata.
func (s *Store) Store(ctx context.Context, r *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := s.toDisk(r)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(disk)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.kv.Put(ctx, recordKey(r.PeerID), blob); err != nil {
		return fmt.Errorf("peerstore: store record: %w", err)
	}
	if err := s.addToIndex(ctx, r.PeerID); err != nil {
		return fmt.Errorf("peerstore: update index: %w", err)
	}
	return s.bumpMetadata(ctx)
}

// Get decrypts and returns the record for peerID, or nil if absent.
func (s *Store) Get(ctx context.Context, id peer.ID) (*PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id peer.ID) (*PeerRecord, error) {
	blob, err := s.kv.Get(ctx, recordKey(id))
	if err != nil {
		if err == meshkv.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("peerstore: get record: %w", err)
	}
	var disk onDiskRecord
	if err := json.Unmarshal(blob, &disk); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return s.fromDisk(&disk)
}

// Remove deletes a peer's record entirely.
func (s *Store) Remove(ctx context.Context, id peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("peerstore: remove record: %w", err)
	}
	if err := s.removeFromIndex(ctx, id); err != nil {
		return fmt.Errorf("peerstore: update index: %w", err)
	}
	return s.bumpMetadata(ctx)
}

// UpdateLastSeen bumps last_seen (and last_connected, when connected is
// true) for an existing record.
func (s *Store) UpdateLastSeen(ctx context.Context, id peer.ID, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: update_last_seen for unknown peer %s", id)
	}
	now := time.Now()
	r.LastSeen = now
	if connected {
		r.LastConnected = now
	}
	return s.storeLocked(ctx, r)
}

func (s *Store) storeLocked(ctx context.Context, r *PeerRecord) error {
	disk, err := s.toDisk(r)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(disk)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.kv.Put(ctx, recordKey(r.PeerID), blob); err != nil {
		return err
	}
	return s.bumpMetadata(ctx)
}

// QualityUpdate is the partial-field set accepted by UpdateConnectionQuality.
type QualityUpdate struct {
	LatencyMs    *float64
	SuccessDelta bool // true if this connection attempt succeeded
	Type         ConnectionType
	UptimeS      *float64
}

// UpdateConnectionQuality merges partial quality fields into the record and
// resets reconnection_attempts to 0, per spec.
func (s *Store) UpdateConnectionQuality(ctx context.Context, id peer.ID, u QualityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: update_connection_quality for unknown peer %s", id)
	}

	if u.LatencyMs != nil {
		r.Quality.LatencyMs = u.LatencyMs
	}
	if u.Type != "" {
		r.Quality.Type = u.Type
	}
	r.Quality.TotalConnections++
	if u.SuccessDelta {
		r.Quality.SuccessfulConnections++
	}
	if r.Quality.TotalConnections > 0 {
		r.Quality.SuccessRate = float64(r.Quality.SuccessfulConnections) / float64(r.Quality.TotalConnections)
	}
	if u.UptimeS != nil {
		n := float64(r.Quality.TotalConnections)
		if n <= 0 {
			n = 1
		}
		r.Quality.AvgUptimeS += (*u.UptimeS - r.Quality.AvgUptimeS) / n
	}
	r.Quality.LastMeasured = time.Now()
	r.ReconnectionAttempts = 0

	return s.storeLocked(ctx, r)
}

// IncrementReconnectionAttempts bumps the attempt counter and conditionally
// blacklists the peer: only peers with zero successful connections are ever
// auto-blacklisted.
func (s *Store) IncrementReconnectionAttempts(ctx context.Context, id peer.ID, blacklistThreshold int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: increment_reconnection_attempts for unknown peer %s", id)
	}
	r.ReconnectionAttempts++
	if r.ReconnectionAttempts >= blacklistThreshold && r.Quality.SuccessfulConnections == 0 {
		until := time.Now().Add(24 * time.Hour)
		r.BlacklistUntil = &until
	}
	return s.storeLocked(ctx, r)
}

// UpdatePeerPublicKey replaces the cached public key bytes for a peer.
func (s *Store) UpdatePeerPublicKey(ctx context.Context, id peer.ID, pub []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: update_peer_public_key for unknown peer %s", id)
	}
	r.PublicKey = pub
	return s.storeLocked(ctx, r)
}

// UpdateSharedSecret replaces the (plaintext, to-be-encrypted) shared secret.
func (s *Store) UpdateSharedSecret(ctx context.Context, id peer.ID, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: update_shared_secret for unknown peer %s", id)
	}
	r.EncryptedSharedSecret = secret
	return s.storeLocked(ctx, r)
}

// PartialUpdate carries the subset of top-level fields UpdatePeer may merge.
type PartialUpdate struct {
	DisplayName      *string
	LastKnownAddress *string
	ICECandidates    []ICECandidate
}

// UpdatePeer merges arbitrary top-level partial fields.
func (s *Store) UpdatePeer(ctx context.Context, id peer.ID, u PartialUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("peerstore: update_peer for unknown peer %s", id)
	}
	if u.DisplayName != nil {
		r.DisplayName = *u.DisplayName
	}
	if u.LastKnownAddress != nil {
		r.LastKnownAddress = *u.LastKnownAddress
	}
	if u.ICECandidates != nil {
		r.CachedICECandidates = u.ICECandidates
	}
	return s.storeLocked(ctx, r)
}

// Count returns the number of known peers.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
