package meshid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// IdentityExchange is the message emitted by exchange_identity and consumed
// by handle_identity_exchange.
type IdentityExchange struct {
	PeerID      peer.ID   `json:"peer_id"`
	DisplayName string    `json:"display_name"`
	SignPubKey  []byte    `json:"sign_pubkey"`
	DHPubKey    []byte    `json:"dh_pubkey"`
	Algorithm   Algorithm `json:"algorithm"`
	Timestamp   int64     `json:"timestamp"`
	Signature   []byte    `json:"-"`
}

type exchangeSignable struct {
	PeerID     peer.ID `json:"peer_id"`
	SignPubKey []byte  `json:"sign_pubkey"`
	DHPubKey   []byte  `json:"dh_pubkey"`
	Timestamp  int64   `json:"timestamp"`
}

func (e *IdentityExchange) signable() exchangeSignable {
	return exchangeSignable{
		PeerID:     e.PeerID,
		SignPubKey: e.SignPubKey,
		DHPubKey:   e.DHPubKey,
		Timestamp:  e.Timestamp,
	}
}

// ExchangeIdentity builds the outbound identity-exchange message for a new
// channel, signed over {peer_id, sign_pubkey, dh_pubkey, timestamp}.
func (id *NodeIdentity) ExchangeIdentity() (*IdentityExchange, error) {
	signPub, err := id.SignPublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("meshid: marshal sign pubkey: %w", err)
	}
	ex := &IdentityExchange{
		PeerID:      id.PeerID,
		DisplayName: id.DisplayName,
		SignPubKey:  signPub,
		DHPubKey:    id.DHPublicKeyBytes(),
		Algorithm:   id.Algorithm,
		Timestamp:   time.Now().UnixMilli(),
	}
	canon, err := canonicalJSON(ex.signable())
	if err != nil {
		return nil, fmt.Errorf("meshid: canonicalize exchange: %w", err)
	}
	sig, err := id.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("meshid: sign exchange: %w", err)
	}
	ex.Signature = sig
	return ex, nil
}

// ExchangeOutcome is the typed result of handle_identity_exchange: either ok
// with the peer_id, or a typed error reason.
type ExchangeOutcome struct {
	OK           bool
	PeerID       peer.ID
	Reason       VerifyReason
	SharedSecret []byte
}

// HandleIdentityExchange verifies the inbound exchange signature, pins the
// signing key on first sight (TOFU), and derives the per-peer ECDH shared
// secret.
func (id *NodeIdentity) HandleIdentityExchange(ctx context.Context, ts *TrustStore, msg *IdentityExchange) ExchangeOutcome {
	canon, err := canonicalJSON(msg.signable())
	if err != nil {
		return ExchangeOutcome{Reason: ReasonInvalidSignature}
	}
	pub, err := crypto.UnmarshalPublicKey(msg.SignPubKey)
	if err != nil {
		return ExchangeOutcome{Reason: ReasonInvalidSignature}
	}
	ok, err := pub.Verify(canon, msg.Signature)
	if err != nil || !ok {
		return ExchangeOutcome{Reason: ReasonInvalidSignature}
	}

	if err := ts.AddTrusted(ctx, msg.PeerID, msg.SignPubKey, msg.Algorithm); err != nil {
		if errors.Is(err, ErrKeyMismatch) {
			return ExchangeOutcome{Reason: ReasonKeyMismatch, PeerID: msg.PeerID}
		}
		return ExchangeOutcome{Reason: ReasonInvalidSignature, PeerID: msg.PeerID}
	}

	secret, err := id.DeriveSharedSecret(msg.DHPubKey)
	if err != nil {
		return ExchangeOutcome{Reason: ReasonInvalidSignature, PeerID: msg.PeerID}
	}

	return ExchangeOutcome{OK: true, PeerID: msg.PeerID, SharedSecret: secret}
}
