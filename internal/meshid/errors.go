package meshid

import "errors"

// VerifyReason is a closed tagged variant naming why verification failed,
// replacing exceptions-for-control-flow in the signature/nonce/sequence path.
type VerifyReason string

const (
	ReasonUnknownPeer                VerifyReason = "unknown_peer"
	ReasonTimestampOutOfRange        VerifyReason = "timestamp_out_of_range"
	ReasonNonceReused                VerifyReason = "nonce_reused"
	ReasonSequenceNotIncremented     VerifyReason = "sequence_number_not_incremented"
	ReasonInvalidSignature           VerifyReason = "invalid_signature"
	ReasonKeyMismatch                VerifyReason = "key_mismatch"
	ReasonRelayChainTooLong          VerifyReason = "relay_chain_too_long"
	ReasonUntrustedRelay             VerifyReason = "untrusted_relay"
	ReasonInvalidRelaySignature      VerifyReason = "invalid_relay_signature"
	ReasonRelayTooOld                VerifyReason = "relay_too_old"
	ReasonRelayBeforeOriginal        VerifyReason = "relay_before_original"
)

// ErrKeyMismatch is returned by AddTrusted on a TOFU conflict: same peer_id,
// different signing_public_key. Callers must surface this as a security
// alert and must never silently overwrite the pinned key.
var ErrKeyMismatch = errors.New("meshid: signing key mismatch for pinned peer")

// VerifyResult is the outcome of verify_announcement: either valid, or a
// typed negative reason. It is never an exception.
type VerifyResult struct {
	Valid  bool
	Reason VerifyReason
}

func valid() VerifyResult { return VerifyResult{Valid: true} }

func invalid(reason VerifyReason) VerifyResult { return VerifyResult{Valid: false, Reason: reason} }
