package gossip

import "github.com/libp2p/go-libp2p/core/peer"

// ShouldInitiate is the deterministic tie-break each side evaluates
// independently: the lexicographically lower peer_id initiates.
func ShouldInitiate(self, other peer.ID) bool {
	return self < other
}

// ShouldAcceptCollision decides which side of a simultaneous-offer collision
// keeps its pending offer. The "polite" higher-id side yields and accepts
// the incoming offer instead; the lower-id side ignores the incoming one.
func ShouldAcceptCollision(self, requester peer.ID) bool {
	return self > requester
}
