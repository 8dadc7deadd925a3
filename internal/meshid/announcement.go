package meshid

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Reason is the closed set of announcement reasons.
type Reason string

const (
	ReasonRejoin              Reason = "rejoin"
	ReasonIPChange            Reason = "ip_change"
	ReasonPeriodic            Reason = "periodic"
	ReasonColdStartRecovery   Reason = "cold_start_recovery"
)

// ConnectionHint names a preferred relay and a small sample of connected
// peers, attached to outbound announcements.
type ConnectionHint struct {
	PreferredRelay        peer.ID   `json:"preferred_relay,omitempty"`
	ConnectedPeersSample  []peer.ID `json:"connected_peers_sample,omitempty"`
}

// Announcement is the M3 payload signed and verified by M2.
type Announcement struct {
	PeerID          peer.ID         `json:"peer_id"`
	DisplayName     string          `json:"display_name"`
	Timestamp       int64           `json:"timestamp"`
	Nonce           []byte          `json:"nonce"`
	SequenceNum     uint64          `json:"sequence_num"`
	Reason          Reason          `json:"reason"`
	ConnectedPeers  []peer.ID       `json:"connected_peers"`
	ConnectionHint  ConnectionHint  `json:"connection_hint"`
	Challenge       string          `json:"challenge,omitempty"`

	// Signature and Algorithm are detached from the signed digest (see
	// signable below) but still ride along on the wire as sibling fields of
	// the announcement payload, per spec.md's envelope wire format.
	Signature []byte    `json:"signature"`
	Algorithm Algorithm `json:"algorithm"`
}

// signable is the subset of fields covered by the signature: every field of
// Announcement excluding Signature and Algorithm, per spec.
type signable struct {
	PeerID         peer.ID        `json:"peer_id"`
	DisplayName    string         `json:"display_name"`
	Timestamp      int64          `json:"timestamp"`
	Nonce          []byte         `json:"nonce"`
	SequenceNum    uint64         `json:"sequence_num"`
	Reason         Reason         `json:"reason"`
	ConnectedPeers []peer.ID      `json:"connected_peers"`
	ConnectionHint ConnectionHint `json:"connection_hint"`
	Challenge      string         `json:"challenge,omitempty"`
}

func (a *Announcement) signable() signable {
	return signable{
		PeerID:         a.PeerID,
		DisplayName:    a.DisplayName,
		Timestamp:      a.Timestamp,
		Nonce:          a.Nonce,
		SequenceNum:    a.SequenceNum,
		Reason:         a.Reason,
		ConnectedPeers: a.ConnectedPeers,
		ConnectionHint: a.ConnectionHint,
		Challenge:      a.Challenge,
	}
}

const (
	announcementDriftTolerance = 5*time.Minute + time.Minute
)

// Extras carries the caller-supplied fields that vary by call site
// (connected peers, connection hint, reason, optional challenge).
type Extras struct {
	Reason         Reason
	ConnectedPeers []peer.ID
	ConnectionHint ConnectionHint
	Challenge      string
}

// CreateAnnouncement increments and persists the identity's sequence
// counter, fills the remaining fields, and signs the canonical form.
func (id *NodeIdentity) CreateAnnouncement(ctx context.Context, extras Extras) (*Announcement, error) {
	seq, err := id.NextSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("meshid: create announcement: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("meshid: generate nonce: %w", err)
	}

	ann := &Announcement{
		PeerID:         id.PeerID,
		DisplayName:    id.DisplayName,
		Timestamp:      time.Now().UnixMilli(),
		Nonce:          nonce,
		SequenceNum:    seq,
		Reason:         extras.Reason,
		ConnectedPeers: extras.ConnectedPeers,
		ConnectionHint: extras.ConnectionHint,
		Challenge:      extras.Challenge,
		Algorithm:      id.Algorithm,
	}

	canon, err := canonicalJSON(ann.signable())
	if err != nil {
		return nil, fmt.Errorf("meshid: canonicalize announcement: %w", err)
	}
	sig, err := id.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("meshid: sign announcement: %w", err)
	}
	ann.Signature = sig
	return ann, nil
}

// VerifyAnnouncement runs the full §4.2 verification algorithm: trust
// lookup, timestamp window, sequence monotonicity, nonce replay, and
// signature check, in that order, short-circuiting on the first failure.
func (ts *TrustStore) VerifyAnnouncement(ctx context.Context, nonces *NonceCache, ann *Announcement) VerifyResult {
	peerTrust, ok := ts.Get(ann.PeerID)
	if !ok {
		return invalid(ReasonUnknownPeer)
	}

	now := time.Now()
	annTime := time.UnixMilli(ann.Timestamp)
	if diff := now.Sub(annTime); diff > announcementDriftTolerance || diff < -announcementDriftTolerance {
		return invalid(ReasonTimestampOutOfRange)
	}

	// Sequence is checked before nonce: a replay carrying both an unchanged
	// sequence_num and an already-seen nonce must report
	// sequence_number_not_incremented, per the S3 scenario.
	if ann.SequenceNum <= peerTrust.LastSeenSeq {
		return invalid(ReasonSequenceNotIncremented)
	}

	if nonces.seenRecently(ann.Nonce, now) {
		return invalid(ReasonNonceReused)
	}

	canon, err := canonicalJSON(ann.signable())
	if err != nil {
		return invalid(ReasonInvalidSignature)
	}
	pub, err := crypto.UnmarshalPublicKey(peerTrust.SigningPubKey)
	if err != nil {
		return invalid(ReasonInvalidSignature)
	}
	okSig, err := pub.Verify(canon, ann.Signature)
	if err != nil || !okSig {
		return invalid(ReasonInvalidSignature)
	}

	nonces.record(ann.Nonce, now)
	if err := ts.UpdateLastSeenSequence(ctx, ann.PeerID, ann.SequenceNum); err != nil {
		return invalid(ReasonInvalidSignature)
	}
	return valid()
}

