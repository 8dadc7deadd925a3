// Package reconnect implements M4: the cascading reconnection orchestrator
// that arbitrates cold-start vs warm-start strategy and runs the per-peer
// fallback ladder (cached direct, then mesh-relayed signalling).
package reconnect

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

// State is the closed set of states a PendingReconnect moves through.
type State string

const (
	StateIdle          State = "idle"
	StateQueryingPath  State = "querying_path"
	StatePathFound     State = "path_found"
	StateSendingOffer  State = "sending_offer"
	StateWaitingAnswer State = "waiting_answer"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateRejected      State = "rejected"
)

// RejectionReason is the closed set of reasons a reconnect_offer is refused.
type RejectionReason string

const (
	RejectDeclined          RejectionReason = "declined"
	RejectAlreadyConnected  RejectionReason = "already_connected"
	RejectCollisionDetected RejectionReason = "collision_detected"
	RejectError             RejectionReason = "error"
)

// PendingReconnect tracks one in-flight reconnection attempt. M4 exclusively
// owns this type.
type PendingReconnect struct {
	ReconnectID     string
	TargetPeerID    peer.ID
	TargetName      string
	State           State
	Transport       transport.Connection
	StartTime       time.Time
	TimeoutDeadline time.Time

	// notify wakes a blocked sendOfferAndWait call when a reconnect_rejection
	// arrives for this reconnect_id; unexported, never persisted.
	notify chan RejectionReason
}

// PathQueryState tracks one in-flight path_query fan-out.
type PathQueryState struct {
	QueryID      string
	TargetPeerID peer.ID
	Responses    []PathResponseEntry
	StartTime    time.Time
}

// PathResponseEntry is one reply collected against a PathQueryState.
type PathResponseEntry struct {
	RelayPeerID peer.ID
	HopCount    int
	WallTime    time.Time
}

// PathQuery is the path_query envelope payload.
type PathQuery struct {
	QueryID      string  `json:"query_id"`
	TargetPeerID peer.ID `json:"target_peer_id"`
}

// PathResponse is the path_response envelope payload.
type PathResponse struct {
	QueryID     string  `json:"query_id"`
	RelayPeerID peer.ID `json:"relay_peer_id"`
	HopCount    int     `json:"hop_count"`
}

// ReconnectOffer is the reconnect_offer envelope payload.
type ReconnectOffer struct {
	ReconnectID  string  `json:"reconnect_id"`
	OfferBlob    []byte  `json:"offer_blob"`
	RequesterID  peer.ID `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	Timestamp    int64   `json:"timestamp"`
}

// ReconnectAnswer is the reconnect_answer envelope payload.
type ReconnectAnswer struct {
	ReconnectID string `json:"reconnect_id"`
	AnswerBlob  []byte `json:"answer_blob"`
}

// ReconnectRejection is the reconnect_rejection envelope payload.
type ReconnectRejection struct {
	ReconnectID string          `json:"reconnect_id"`
	Reason      RejectionReason `json:"reason"`
}

// ColdStartMethod names which cold-start layer produced a successful
// connection, reported in Stats.
type ColdStartMethod string

const (
	MethodRecentPeers   ColdStartMethod = "recent_peers"
	MethodKnock         ColdStartMethod = "knock"
	MethodAllKnown      ColdStartMethod = "all_known"
	MethodManualPairing ColdStartMethod = "manual_pairing"
	MethodMeshRelay     ColdStartMethod = "mesh_relay"
	MethodCachedDirect  ColdStartMethod = "cached_direct"
)

// Stats summarizes one reconnect_to_mesh run, for diagnostics and tests.
type Stats struct {
	Method          ColdStartMethod
	Duration        time.Duration
	MethodBreakdown map[ColdStartMethod]int
}
