package reconnect

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

// LivePeerRegistry is the in-memory "peer registry" spec.md §5 describes as
// touched only from orchestrator callbacks and the transport's event loop:
// it tracks one live transport.Connection per connected peer and doubles as
// M1's PeerSender collaborator, so a single instance wires into both
// flood.Router and reconnect.Orchestrator. Grounded on the teacher's
// PeerManager/ManagedPeer bookkeeping, stripped of libp2p-specific dialing.
type LivePeerRegistry struct {
	mu    sync.RWMutex
	peers map[peer.ID]transport.Connection
}

// NewLivePeerRegistry constructs an empty registry.
func NewLivePeerRegistry() *LivePeerRegistry {
	return &LivePeerRegistry{peers: make(map[peer.ID]transport.Connection)}
}

// Register records a newly-established connection, replacing and closing
// any prior connection tracked for the same peer.
func (r *LivePeerRegistry) Register(id peer.ID, conn transport.Connection) {
	r.mu.Lock()
	old, existed := r.peers[id]
	r.peers[id] = conn
	r.mu.Unlock()
	if existed && old != nil && old != conn {
		old.Close()
	}
}

// Unregister drops a peer's connection, e.g. once its OnClose fires.
func (r *LivePeerRegistry) Unregister(id peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// IsConnectedOrConnecting reports whether a connection is currently tracked
// for the peer. The registry does not distinguish "connecting" from
// "connected" — a PendingReconnect in-flight check (see manualReconnectInFlight)
// covers the narrower in-progress case.
func (r *LivePeerRegistry) IsConnectedOrConnecting(id peer.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// ConnectionCount returns the number of tracked live connections.
func (r *LivePeerRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ConnectedPeerIDs returns a snapshot of every tracked peer_id.
func (r *LivePeerRegistry) ConnectedPeerIDs() []peer.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.ID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// SendEnvelope implements flood.PeerSender: encode the envelope to its wire
// form and write it over the peer's data channel.
func (r *LivePeerRegistry) SendEnvelope(peerID peer.ID, env *flood.Envelope) error {
	r.mu.RLock()
	conn, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return errUnknownPeer
	}
	data, err := flood.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// GetPeerIDs implements flood.PeerSender.
func (r *LivePeerRegistry) GetPeerIDs() []peer.ID {
	return r.ConnectedPeerIDs()
}
