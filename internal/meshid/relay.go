package meshid

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

const (
	maxRelayDepth = 3
	maxRelayAge   = 5 * time.Minute
)

// RelayEnvelope wraps an announcement relayed by an intermediate peer so a
// receiver can verify both the relay hop and the wrapped artefact.
type RelayEnvelope struct {
	Original       *Announcement `json:"original"`
	RelayedBy      peer.ID       `json:"relayed_by"`
	RelayTimestamp int64         `json:"relay_timestamp"`
	OriginalHash   cid.Cid       `json:"original_hash"`
	RelaySignature []byte        `json:"-"`
}

type relaySignable struct {
	Type           string  `json:"type"`
	RelayedBy      peer.ID `json:"relayed_by"`
	RelayTimestamp int64   `json:"relay_timestamp"`
	OriginalHash   string  `json:"original_hash"`
}

func (r *RelayEnvelope) signable() (relaySignable, error) {
	return relaySignable{
		Type:           "relay_envelope",
		RelayedBy:      r.RelayedBy,
		RelayTimestamp: r.RelayTimestamp,
		OriginalHash:   r.OriginalHash.String(),
	}, nil
}

func hashAnnouncement(ann *Announcement) (cid.Cid, error) {
	canon, err := canonicalJSON(ann.signable())
	if err != nil {
		return cid.Undef, fmt.Errorf("canonicalize announcement: %w", err)
	}
	digest, err := mh.Sum(canon, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash announcement: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

// CreateRelay signs a new relay hop wrapping original.
func (id *NodeIdentity) CreateRelay(original *Announcement) (*RelayEnvelope, error) {
	h, err := hashAnnouncement(original)
	if err != nil {
		return nil, err
	}
	env := &RelayEnvelope{
		Original:       original,
		RelayedBy:      id.PeerID,
		RelayTimestamp: time.Now().UnixMilli(),
		OriginalHash:   h,
	}
	sig, err := env.signable()
	if err != nil {
		return nil, err
	}
	canon, err := canonicalJSON(sig)
	if err != nil {
		return nil, fmt.Errorf("meshid: canonicalize relay: %w", err)
	}
	relaySig, err := id.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("meshid: sign relay: %w", err)
	}
	env.RelaySignature = relaySig
	return env, nil
}

// VerifyRelay checks the relay hop at the given nesting depth (a depth of
// maxRelayDepth or more is rejected), then verifies the wrapped announcement
// with VerifyAnnouncement.
func (ts *TrustStore) VerifyRelay(ctx context.Context, nonces *NonceCache, env *RelayEnvelope, depth int) VerifyResult {
	if depth >= maxRelayDepth {
		return invalid(ReasonRelayChainTooLong)
	}

	relayTrust, ok := ts.Get(env.RelayedBy)
	if !ok {
		return invalid(ReasonUntrustedRelay)
	}

	if time.Since(time.UnixMilli(env.RelayTimestamp)) > maxRelayAge {
		return invalid(ReasonRelayTooOld)
	}
	if env.RelayTimestamp < env.Original.Timestamp {
		return invalid(ReasonRelayBeforeOriginal)
	}

	sig, err := env.signable()
	if err != nil {
		return invalid(ReasonInvalidRelaySignature)
	}
	canon, err := canonicalJSON(sig)
	if err != nil {
		return invalid(ReasonInvalidRelaySignature)
	}
	pub, err := crypto.UnmarshalPublicKey(relayTrust.SigningPubKey)
	if err != nil {
		return invalid(ReasonInvalidRelaySignature)
	}
	okSig, err := pub.Verify(canon, env.RelaySignature)
	if err != nil || !okSig {
		return invalid(ReasonInvalidRelaySignature)
	}

	return ts.VerifyAnnouncement(ctx, nonces, env.Original)
}
