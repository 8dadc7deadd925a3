// Package flood implements M1: a deduplicating, TTL-bounded, loop-avoiding
// gossip substrate that carries typed envelopes over live peer channels.
package flood

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/zeebo/blake3"
)

// RoutingHint is a closed tagged variant for an envelope's delivery intent.
type RoutingHint string

const (
	RoutingBroadcast RoutingHint = "broadcast"
	RoutingRelay     RoutingHint = "relay"
)

// MsgType names a registered envelope payload kind.
type MsgType string

const (
	MsgChat               MsgType = "chat"
	MsgPeerAnnouncement   MsgType = "peer_announcement"
	MsgIPChangeAnnounce   MsgType = "ip_change_announcement"
	MsgPeerIntroduction   MsgType = "peer_introduction"
	MsgPing               MsgType = "ping"
	MsgPong               MsgType = "pong"
	MsgPathQuery          MsgType = "path_query"
	MsgPathResponse       MsgType = "path_response"
	MsgReconnectOffer     MsgType = "reconnect_offer"
	MsgReconnectAnswer    MsgType = "reconnect_answer"
	MsgReconnectRejection MsgType = "reconnect_rejection"
	MsgTopologyRequest    MsgType = "topology_request"
	MsgTopologyResponse   MsgType = "topology_response"
)

const defaultTTL = 7

// MaxHops bounds forwarding regardless of TTL.
const MaxHops = 10

// Envelope is the gossip-framed message carrying routing metadata plus an
// opaque, type-specific payload.
type Envelope struct {
	MsgID         string      `json:"msg_id"`
	MsgType       MsgType     `json:"msg_type"`
	SenderID      peer.ID     `json:"sender_id"`
	SenderName    string      `json:"sender_name"`
	Timestamp     int64       `json:"timestamp"`
	TTL           int         `json:"ttl"`
	HopCount      int         `json:"hop_count"`
	Path          []peer.ID   `json:"path"`
	TargetPeerID  peer.ID     `json:"target_peer_id,omitempty"`
	RoutingHint   RoutingHint `json:"routing_hint"`
	Payload       any         `json:"payload"`
}

// CreateOptions customizes Router.Create beyond its defaults.
type CreateOptions struct {
	TTL          int
	TargetPeerID peer.ID
	RoutingHint  RoutingHint
}

func newMsgID(self peer.ID) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("flood: generate msg_id nonce: %w", err)
	}
	h := blake3.New()
	h.Write([]byte(self))
	h.Write([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// validateShape checks the structural invariants required before an
// envelope enters dedup/TTL/loop processing: required fields present,
// numeric fields non-negative, non-empty path.
func validateShape(env *Envelope) error {
	if env.MsgID == "" {
		return fmt.Errorf("flood: envelope missing msg_id")
	}
	if env.MsgType == "" {
		return fmt.Errorf("flood: envelope missing msg_type")
	}
	if env.SenderID == "" {
		return fmt.Errorf("flood: envelope missing sender_id")
	}
	if env.TTL < 0 {
		return fmt.Errorf("flood: envelope has negative ttl")
	}
	if env.HopCount < 0 {
		return fmt.Errorf("flood: envelope has negative hop_count")
	}
	if len(env.Path) == 0 {
		return fmt.Errorf("flood: envelope has empty path")
	}
	if env.Path[0] != env.SenderID {
		return fmt.Errorf("flood: envelope path[0] != sender_id")
	}
	if len(env.Path) != env.HopCount+1 {
		return fmt.Errorf("flood: envelope path length does not match hop_count")
	}
	return nil
}

func pathHasLoop(path []peer.ID) bool {
	seen := make(map[peer.ID]struct{}, len(path))
	for _, p := range path {
		if _, ok := seen[p]; ok {
			return true
		}
		seen[p] = struct{}{}
	}
	return false
}
