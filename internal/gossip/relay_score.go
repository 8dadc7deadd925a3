package gossip

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
)

// LivePeer is the minimal view of a currently-connected peer's measured
// quality the relay-selection formula needs.
type LivePeer struct {
	PeerID     peer.ID
	LatencyMs  float64
	Type       peerstore.ConnectionType
	UptimeSecs float64
}

// relayScore implements spec.md §4.3's "best relay selection" formula:
// base 100; minus min(50, latency/10); +20 host, +10 srflx; +min(20, uptime
// minutes).
func relayScore(p LivePeer) float64 {
	score := 100.0
	score -= min(50, p.LatencyMs/10)
	switch p.Type {
	case peerstore.ConnTypeHost:
		score += 20
	case peerstore.ConnTypeSrflx:
		score += 10
	}
	score += min(20, p.UptimeSecs/60)
	return score
}

// BestRelay picks the highest-scoring live peer to name as preferred_relay
// in an outbound announcement's connection_hint. Ties are broken by
// whichever candidate was scanned first (arbitrary, per spec).
func BestRelay(live []LivePeer) (peer.ID, bool) {
	if len(live) == 0 {
		return "", false
	}
	best := live[0]
	bestScore := relayScore(best)
	for _, p := range live[1:] {
		if s := relayScore(p); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best.PeerID, true
}
